package service

import (
	"fmt"
	"strings"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
)

// Sentinels compare by code, so errors.Is(err, ErrNotAssigned) matches any
// NOT_ASSIGNED error regardless of its message.
var (
	ErrNoActiveStage    = errors.New(errors.ErrCodeNoActiveStage, "")
	ErrNotAssigned      = errors.New(errors.ErrCodeNotAssigned, "")
	ErrDuplicateAction  = errors.New(errors.ErrCodeDuplicateAction, "")
	ErrActionNotAllowed = errors.New(errors.ErrCodeActionNotAllowed, "")
	ErrWorkflowTerminal = errors.New(errors.ErrCodeWorkflowTerminal, "")
	ErrNoTemplateFound  = errors.New(errors.ErrCodeNoTemplateFound, "")
	ErrMissingLedgerRow = errors.New(errors.ErrCodeMissingLedgerRow, "")
	ErrInsufficientFund = errors.New(errors.ErrCodeInsufficientFund, "")
)

// ValidationIssue is one failed rule. Line is the zero-based index of the
// offending line, or -1 for transfer-level issues.
type ValidationIssue struct {
	Line    int    `json:"line"`
	Rule    int    `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationErrors is the structured list returned when input fails
// validation. Nothing is persisted when it is returned.
type ValidationErrors struct {
	Issues []ValidationIssue `json:"issues"`
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Line >= 0 {
			msgs = append(msgs, fmt.Sprintf("line %d: %s", is.Line, is.Message))
		} else {
			msgs = append(msgs, is.Message)
		}
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationErrors) ErrorCode() errors.Code { return errors.ErrCodeValidation }

func (e *ValidationErrors) add(line, rule int, field, format string, args ...any) {
	e.Issues = append(e.Issues, ValidationIssue{Line: line, Rule: rule, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationErrors) empty() bool { return e == nil || len(e.Issues) == 0 }

// orNil returns e as an error, or nil when it holds no issues.
func (e *ValidationErrors) orNil() error {
	if e.empty() {
		return nil
	}
	return e
}
