package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-budget-transfers/internal/rpc"
)

// ApprovalsGRPCClient is a gRPC client for the approval service
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient creates a new approval service gRPC client
func NewApprovalsGRPCClient(addr string) (*ApprovalsGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close closes the gRPC connection
func (c *ApprovalsGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *ApprovalsGRPCClient) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ProcessAction records action by the user attached with WithUser.
func (c *ApprovalsGRPCClient) ProcessAction(ctx context.Context, transferID, action, comment string) (map[string]any, error) {
	req := map[string]any{"transfer_id": transferID, "action": action}
	if comment != "" {
		req["comment"] = comment
	}
	resp, err := c.call(ctx, rpc.MethodProcessAction, req)
	if err != nil {
		return nil, fmt.Errorf("failed to process action: %w", err)
	}
	return resp, nil
}

// Delegate hands the caller's assignment to toUserID.
func (c *ApprovalsGRPCClient) Delegate(ctx context.Context, transferID, toUserID, comment string) (map[string]any, error) {
	req := map[string]any{"transfer_id": transferID, "to_user_id": toUserID}
	if comment != "" {
		req["comment"] = comment
	}
	resp, err := c.call(ctx, rpc.MethodDelegate, req)
	if err != nil {
		return nil, fmt.Errorf("failed to delegate: %w", err)
	}
	return resp, nil
}

// Cancel cancels a transfer and its workflow.
func (c *ApprovalsGRPCClient) Cancel(ctx context.Context, transferID, reason string) (map[string]any, error) {
	resp, err := c.call(ctx, rpc.MethodCancel, map[string]any{"transfer_id": transferID, "reason": reason})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel transfer: %w", err)
	}
	return resp, nil
}

// PendingApprovals lists the caller's open assignments.
func (c *ApprovalsGRPCClient) PendingApprovals(ctx context.Context) (map[string]any, error) {
	resp, err := c.call(ctx, rpc.MethodPendingApprovals, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	return resp, nil
}

// WorkflowStatus returns the latest workflow of a transfer.
func (c *ApprovalsGRPCClient) WorkflowStatus(ctx context.Context, transferID string) (map[string]any, error) {
	resp, err := c.call(ctx, rpc.MethodWorkflowStatus, map[string]any{"transfer_id": transferID})
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow status: %w", err)
	}
	return resp, nil
}
