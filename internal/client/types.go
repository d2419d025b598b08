package client

// Event types published on transfer lifecycle transitions.
const (
	EventTransferSubmitted      = "transfer_submitted"
	EventTransferStageActivated = "transfer_approval_required"
	EventTransferApproved       = "transfer_approved"
	EventTransferRejected       = "transfer_rejected"
	EventTransferCancelled      = "transfer_cancelled"
	EventTransferDelegated      = "transfer_delegated"
	EventTransferReopened       = "transfer_reopened"
)

// TransferEvent is a notification produced by the workflow engine. Events are
// collected inside a transaction and published only after it commits.
type TransferEvent struct {
	Type         string
	TransferID   string
	TransferCode string
	ActorID      string
	Recipients   []string
	Payload      map[string]any
}
