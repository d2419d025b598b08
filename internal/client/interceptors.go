package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-budget-transfers/internal/rpc"
)

// forwardMetadata is a gRPC unary client interceptor that propagates incoming
// request metadata to outgoing calls, so the acting user survives a hop.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// WithUser attaches the acting user to an outgoing call.
func WithUser(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, rpc.UserIDMetadataKey, userID)
}
