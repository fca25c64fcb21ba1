package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientAuthType(t *testing.T) {
	tests := []struct {
		in   string
		want tls.ClientAuthType
	}{
		{"", tls.NoClientCert},
		{"none", tls.NoClientCert},
		{"request", tls.RequestClientCert},
		{"require", tls.RequireAndVerifyClientCert},
	}
	for _, tt := range tests {
		got, err := ParseClientAuthType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseClientAuthType("always")
	assert.Error(t, err)
}

func TestLoadServerCredentials_MissingFiles(t *testing.T) {
	_, err := LoadServerCredentials(ServerConfig{CertFile: "missing.crt", KeyFile: "missing.key"})
	assert.ErrorContains(t, err, "failed to load server certificate")

	_, err = LoadServerCredentials(ServerConfig{ClientAuth: "sometimes"})
	assert.ErrorContains(t, err, "invalid client auth type")
}

func TestLoadClientCredentials(t *testing.T) {
	creds, err := LoadClientCredentials(ClientConfig{ServerNameOverride: "relay.local"})
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	_, err = LoadClientCredentials(ClientConfig{CAFile: filepath.Join(t.TempDir(), "nope.pem")})
	assert.ErrorContains(t, err, "failed to read CA certificate")

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))
	_, err = LoadClientCredentials(ClientConfig{CAFile: bad})
	assert.ErrorContains(t, err, "failed to append CA certificate")
}
