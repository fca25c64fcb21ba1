package cert

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(dir string) Paths {
	return Paths{
		CACert:     filepath.Join(dir, "ca", "ca-cert.pem"),
		CAKey:      filepath.Join(dir, "ca", "ca-key.pem"),
		ServerCert: filepath.Join(dir, "server", "server-cert.pem"),
		ServerKey:  filepath.Join(dir, "server", "server-key.pem"),
	}
}

func verify(t *testing.T, paths Paths, host string) *x509.Certificate {
	t.Helper()

	pair, err := tls.LoadX509KeyPair(paths.ServerCert, paths.ServerKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)

	caPEM, err := os.ReadFile(paths.CACert)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(caPEM))

	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName:   host,
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)
	return leaf
}

func TestEnsure_GeneratesChain(t *testing.T) {
	paths := testPaths(t.TempDir())

	require.NoError(t, Ensure(paths, []string{"relay.example"}, []net.IP{net.ParseIP("10.0.0.5")}))

	leaf := verify(t, paths, "relay.example")
	assert.Equal(t, "relay.example", leaf.Subject.CommonName)
	require.Len(t, leaf.IPAddresses, 1)
	assert.True(t, leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.5")))

	info, err := os.Stat(paths.ServerKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEnsure_Defaults(t *testing.T) {
	paths := testPaths(t.TempDir())

	require.NoError(t, Ensure(paths, nil, nil))

	leaf := verify(t, paths, "localhost")
	assert.Len(t, leaf.IPAddresses, 2)
}

func TestEnsure_KeepsExisting(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil, nil))

	before, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)

	require.NoError(t, Ensure(paths, []string{"other.example"}, nil))

	after, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnsure_ReusesCA(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, Ensure(paths, nil, nil))

	caBefore, err := os.ReadFile(paths.CACert)
	require.NoError(t, err)
	require.NoError(t, os.Remove(paths.ServerCert))

	require.NoError(t, Ensure(paths, []string{"new.example"}, nil))

	caAfter, err := os.ReadFile(paths.CACert)
	require.NoError(t, err)
	assert.Equal(t, caBefore, caAfter)
	verify(t, paths, "new.example")
}

func TestEnsure_RequiresPaths(t *testing.T) {
	assert.Error(t, Ensure(Paths{CACert: "a"}, nil, nil))
}

func TestParseIPs(t *testing.T) {
	ips := ParseIPs([]string{"127.0.0.1", "not-an-ip", "::1"})
	require.Len(t, ips, 2)
	assert.True(t, ips[1].Equal(net.ParseIP("::1")))
}
