package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// loopback marshals with protobuf the way grpc's default codec does.
type loopback struct {
	last []byte
	sent any
}

func (l *loopback) SendMsg(m any) error {
	l.sent = m
	data, err := proto.Marshal(m.(proto.Message))
	if err != nil {
		return err
	}
	l.last = data
	return nil
}

func (l *loopback) RecvMsg(m any) error {
	return proto.Unmarshal(l.last, m.(proto.Message))
}

func TestSend_WrapsEnvelopeInBytesValue(t *testing.T) {
	l := &loopback{}
	require.NoError(t, Send(l, []byte(`{"type":"Frame"}`)))

	msg, ok := l.sent.(*wrapperspb.BytesValue)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"type":"Frame"}`), msg.GetValue())
}

func TestSendRecv(t *testing.T) {
	l := &loopback{}
	require.NoError(t, Send(l, []byte(`{"type":"KeepAlive"}`)))

	data, err := Recv(l)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"KeepAlive"}`, string(data))
}

func TestAuthorization(t *testing.T) {
	assert.Empty(t, Authorization(context.Background()))

	out := WithBearerToken(context.Background(), "abc")
	md, ok := metadata.FromOutgoingContext(out)
	require.True(t, ok)

	in := metadata.NewIncomingContext(context.Background(), md)
	assert.Equal(t, "Bearer abc", Authorization(in))
}

func TestWithBearerToken_EmptyTokenLeavesContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithBearerToken(ctx, ""))
}

func TestRecv_EmptyMessage(t *testing.T) {
	l := &loopback{}
	require.NoError(t, Send(l, nil))

	data, err := Recv(l)
	require.NoError(t, err)
	assert.Empty(t, data)
}
