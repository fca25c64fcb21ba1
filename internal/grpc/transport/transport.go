// Package transport describes the gRPC relay service without generated stubs.
// Every stream message is a wrapperspb.BytesValue holding one JSON envelope,
// carried by grpc's default proto codec.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "silodesk.RelayService"
	ConnectMethod = "/" + ServiceName + "/Connect"

	AuthorizationKey = "authorization"
)

// RelayServer is implemented by the server side of the Connect stream.
type RelayServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Connect(stream)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "silodesk/relay.proto",
}

func Register(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// OpenStream starts a Connect stream on cc.
func OpenStream(ctx context.Context, cc grpc.ClientConnInterface) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod)
}

// WithBearerToken attaches token to outgoing stream metadata.
func WithBearerToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, AuthorizationKey, "Bearer "+token)
}

// Authorization returns the authorization header of an incoming stream.
func Authorization(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(AuthorizationKey)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

type sender interface {
	SendMsg(m any) error
}

type receiver interface {
	RecvMsg(m any) error
}

func Send(s sender, data []byte) error {
	return s.SendMsg(wrapperspb.Bytes(data))
}

func Recv(r receiver) ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := r.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}
