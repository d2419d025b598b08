package handler

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/rpc"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
)

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	engine    *service.WorkflowEngine
	transfers *service.TransferService
	logger    zerolog.Logger
}

var _ rpc.ApprovalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.WorkflowEngine, transfers *service.TransferService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine:    engine,
		transfers: transfers,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

// userID extracts the acting user from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(rpc.UserIDMetadataKey); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func requireUser(ctx context.Context) (string, error) {
	if u := userID(ctx); u != "" {
		return u, nil
	}
	return "", status.Error(codes.Unauthenticated, "x-user-id metadata is required")
}

type transferRequest struct {
	TransferID string  `json:"transfer_id"`
	Action     string  `json:"action"`
	Comment    *string `json:"comment,omitempty"`
	ToUserID   string  `json:"to_user_id"`
	Reason     string  `json:"reason"`
}

func decodeRequest(in *structpb.Struct) (*transferRequest, error) {
	var req transferRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.TransferID == "" {
		return nil, status.Error(codes.InvalidArgument, "transfer_id is required")
	}
	return &req, nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ProcessAction records an approve, reject or comment by the caller.
func (h *GRPCHandler) ProcessAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	action, ok := repository.ParseActionType(req.Action)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "action must be approve, reject or comment")
	}

	h.logger.Info().
		Str("transfer_id", req.TransferID).
		Str("user_id", user).
		Str("action", string(action)).
		Msg("gRPC ProcessAction called")

	res, err := h.engine.ProcessUserAction(ctx, req.TransferID, user, action, req.Comment)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encode(toActionResult(res))
}

// Delegate hands the caller's pending assignment to another user.
func (h *GRPCHandler) Delegate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	d, err := h.engine.DelegateApproval(ctx, req.TransferID, user, req.ToUserID, req.Comment)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encode(toDelegation(d))
}

// Cancel cancels the transfer and its live workflow.
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	t, err := h.transfers.CancelTransfer(ctx, req.TransferID, user, req.Reason)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encode(toTransfer(t))
}

// PendingApprovals lists the caller's open assignments.
func (h *GRPCHandler) PendingApprovals(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := h.engine.GetUserPendingApprovals(ctx, user)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encode(map[string]any{"approvals": toPending(rows)})
}

// WorkflowStatus returns the latest workflow of a transfer.
func (h *GRPCHandler) WorkflowStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	view, err := h.engine.GetWorkflowStatus(ctx, req.TransferID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encode(toWorkflowStatus(view))
}

// mapErrorToGRPC maps service errors to gRPC status codes
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput, errors.ErrCodeValidation, errors.ErrCodeMissingLedgerRow:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeNotFound, errors.ErrCodeNoTemplateFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.ErrCodeForbidden, errors.ErrCodeNotAssigned, errors.ErrCodeActionNotAllowed:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeDuplicateAction:
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.ErrCodeConflict, errors.ErrCodeWorkflowTerminal, errors.ErrCodeNoActiveStage, errors.ErrCodeInsufficientFund:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
