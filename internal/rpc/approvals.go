// Package rpc describes the budget.v1.ApprovalService gRPC contract. Messages
// are google.protobuf.Struct values so the service needs no generated code;
// the field names match the HTTP JSON bodies.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ApprovalServiceName = "budget.v1.ApprovalService"

	MethodProcessAction    = "/budget.v1.ApprovalService/ProcessAction"
	MethodDelegate         = "/budget.v1.ApprovalService/Delegate"
	MethodCancel           = "/budget.v1.ApprovalService/Cancel"
	MethodPendingApprovals = "/budget.v1.ApprovalService/PendingApprovals"
	MethodWorkflowStatus   = "/budget.v1.ApprovalService/WorkflowStatus"
)

// ApprovalServiceServer is implemented by the gRPC handler.
type ApprovalServiceServer interface {
	ProcessAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delegate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingApprovals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WorkflowStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalServiceDesc, srv)
}

type unaryMethod func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ApprovalServiceDesc is the grpc.ServiceDesc for the approval service.
var ApprovalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessAction", Handler: unaryHandler(MethodProcessAction, ApprovalServiceServer.ProcessAction)},
		{MethodName: "Delegate", Handler: unaryHandler(MethodDelegate, ApprovalServiceServer.Delegate)},
		{MethodName: "Cancel", Handler: unaryHandler(MethodCancel, ApprovalServiceServer.Cancel)},
		{MethodName: "PendingApprovals", Handler: unaryHandler(MethodPendingApprovals, ApprovalServiceServer.PendingApprovals)},
		{MethodName: "WorkflowStatus", Handler: unaryHandler(MethodWorkflowStatus, ApprovalServiceServer.WorkflowStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "budget/v1/approvals.proto",
}

// UserIDMetadataKey carries the acting user on gRPC calls.
const UserIDMetadataKey = "x-user-id"
