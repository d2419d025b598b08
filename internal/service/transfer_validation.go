package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// Validation rule numbers reported in ValidationIssue.Rule.
const (
	RuleRequired       = 1
	RuleSign           = 2
	RuleExclusive      = 3
	RuleMagnitude      = 4
	RuleDuplicate      = 5
	RuleLedgerExists   = 6
	RulePermission     = 7
	RuleLineCount      = 8
	RuleBalanced       = 9
	RuleOneSidedTarget = 10
)

// Amount is a decimal as submitted by a client. A blank value is zero; a
// missing one is a nil *Amount.
type Amount struct {
	raw string
}

// NewAmount wraps a raw value.
func NewAmount(raw string) *Amount { return &Amount{raw: strings.TrimSpace(raw)} }

// AmountFrom wraps a decimal.
func AmountFrom(d decimal.Decimal) *Amount { return &Amount{raw: d.String()} }

// UnmarshalJSON accepts numbers and strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		a.raw = strings.TrimSpace(s)
		return nil
	}
	a.raw = string(b)
	return nil
}

func (a *Amount) MarshalJSON() ([]byte, error) {
	d, err := a.Decimal()
	if err != nil {
		return json.Marshal(a.raw)
	}
	return []byte(d.String()), nil
}

// Decimal parses the amount, treating blank as zero.
func (a *Amount) Decimal() (decimal.Decimal, error) {
	if a == nil || a.raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(a.raw)
}

// LineInput is a transfer line as received from a client.
type LineInput struct {
	EntityCode      *string `json:"entity_code"`
	AccountCode     *string `json:"account_code"`
	FromAmount      *Amount `json:"from_amount"`
	ToAmount        *Amount `json:"to_amount"`
	ApprovedBudget  *Amount `json:"approved_budget"`
	AvailableBudget *Amount `json:"available_budget"`
	Encumbrance     *Amount `json:"encumbrance"`
	Actual          *Amount `json:"actual"`
	Reason          *string `json:"reason,omitempty"`
}

// LineValidator checks transfer lines against the ledger and permissions.
type LineValidator struct {
	ledger LedgerRepository
	perms  PermissionRepository
}

// NewLineValidator creates a new LineValidator.
func NewLineValidator(ledger LedgerRepository, perms PermissionRepository) *LineValidator {
	return &LineValidator{ledger: ledger, perms: perms}
}

// Validate checks inputs in three batches and stops at the first batch that
// fails: required fields, then amount rules, then ledger and permission
// lookups. existing holds lines already on the transfer; the line with id
// excludeID is ignored when looking for duplicates. On success it returns
// the lines ready to persist.
func (v *LineValidator) Validate(ctx context.Context, t *repository.Transfer, inputs []LineInput, existing []*repository.TransferLine, excludeID string) ([]*repository.TransferLine, error) {
	lines, verr := parseLines(inputs)
	if !verr.empty() {
		return nil, verr
	}
	for _, l := range lines {
		l.TransferID = t.ID
	}

	if verr := checkAmounts(t.Type, lines, existing, excludeID); !verr.empty() {
		return nil, verr
	}

	verr = &ValidationErrors{}
	for i, l := range lines {
		pf, err := v.ledger.Find(ctx, l.EntityCode, l.AccountCode, t.FiscalYear)
		if err != nil {
			return nil, err
		}
		if pf == nil {
			verr.add(i, RuleLedgerExists, "", "no pivot fund exists for entity %s account %s", l.EntityCode, l.AccountCode)
		}

		perm, err := v.perms.Find(ctx, l.EntityCode, l.AccountCode)
		if err != nil {
			return nil, err
		}
		checkPermission(verr, i, l, perm)
	}
	if !verr.empty() {
		return nil, verr
	}
	return lines, nil
}

// parseLines checks field presence and parses amounts.
func parseLines(inputs []LineInput) ([]*repository.TransferLine, *ValidationErrors) {
	verr := &ValidationErrors{}
	lines := make([]*repository.TransferLine, 0, len(inputs))

	for i, in := range inputs {
		l := &repository.TransferLine{Reason: in.Reason}

		if in.EntityCode == nil || strings.TrimSpace(*in.EntityCode) == "" {
			verr.add(i, RuleRequired, "entity_code", "entity_code is required")
		} else {
			l.EntityCode = strings.TrimSpace(*in.EntityCode)
		}
		if in.AccountCode == nil || strings.TrimSpace(*in.AccountCode) == "" {
			verr.add(i, RuleRequired, "account_code", "account_code is required")
		} else {
			l.AccountCode = strings.TrimSpace(*in.AccountCode)
		}

		for _, f := range []struct {
			name string
			in   *Amount
			dst  *decimal.Decimal
		}{
			{"from_amount", in.FromAmount, &l.FromAmount},
			{"to_amount", in.ToAmount, &l.ToAmount},
			{"approved_budget", in.ApprovedBudget, &l.ApprovedBudget},
			{"available_budget", in.AvailableBudget, &l.AvailableBudget},
			{"encumbrance", in.Encumbrance, &l.Encumbrance},
			{"actual", in.Actual, &l.Actual},
		} {
			if f.in == nil {
				verr.add(i, RuleRequired, f.name, "%s is required", f.name)
				continue
			}
			d, err := f.in.Decimal()
			if err != nil {
				verr.add(i, RuleRequired, f.name, "%s is not a valid number", f.name)
				continue
			}
			*f.dst = d
		}
		lines = append(lines, l)
	}
	return lines, verr
}

// checkAmounts applies the sign, exclusivity, magnitude and duplicate rules.
func checkAmounts(tt repository.TransferType, lines, existing []*repository.TransferLine, excludeID string) *ValidationErrors {
	verr := &ValidationErrors{}

	seen := make(map[string]int)
	for _, l := range existing {
		if l.ID != excludeID {
			seen[comboKey(l.EntityCode, l.AccountCode)] = -1
		}
	}

	for i, l := range lines {
		if !tt.IsOneSided() {
			if l.FromAmount.IsNegative() {
				verr.add(i, RuleSign, "from_amount", "from_amount must not be negative")
			}
			if l.ToAmount.IsNegative() {
				verr.add(i, RuleSign, "to_amount", "to_amount must not be negative")
			}
		}

		if l.FromAmount.IsPositive() && l.ToAmount.IsPositive() {
			verr.add(i, RuleExclusive, "", "a line can't have both from_amount and to_amount")
		}

		if !tt.IsOneSided() && l.FromAmount.GreaterThan(l.Actual) {
			verr.add(i, RuleMagnitude, "from_amount", "from_amount %s exceeds actual %s", l.FromAmount.String(), l.Actual.String())
		}

		key := comboKey(l.EntityCode, l.AccountCode)
		if prev, dup := seen[key]; dup {
			if prev >= 0 {
				verr.add(i, RuleDuplicate, "", "entity %s account %s duplicates line %d", l.EntityCode, l.AccountCode, prev)
			} else {
				verr.add(i, RuleDuplicate, "", "entity %s account %s is already on this transfer", l.EntityCode, l.AccountCode)
			}
		} else {
			seen[key] = i
		}
	}
	return verr
}

func checkPermission(verr *ValidationErrors, i int, l *repository.TransferLine, perm *repository.TransferPermission) {
	combo := fmt.Sprintf("entity %s account %s", l.EntityCode, l.AccountCode)
	switch {
	case perm == nil:
		verr.add(i, RulePermission, "", "no transfer permission record for %s", combo)
	case perm.TransferAllowed != repository.PermissionAllowed:
		verr.add(i, RulePermission, "", "transfers are not allowed for %s", combo)
	default:
		if l.FromAmount.IsPositive() && perm.SourceAllowed != repository.PermissionAllowed {
			verr.add(i, RulePermission, "from_amount", "%s is not allowed as a transfer source", combo)
		}
		if l.ToAmount.IsPositive() && perm.TargetAllowed != repository.PermissionAllowed {
			verr.add(i, RulePermission, "to_amount", "%s is not allowed as a transfer target", combo)
		}
	}
}

// validateSubmission checks the whole transfer before it enters the workflow.
func validateSubmission(t *repository.Transfer, lines []*repository.TransferLine) *ValidationErrors {
	verr := &ValidationErrors{}
	if len(lines) == 0 {
		verr.add(-1, RuleLineCount, "", "transfer has no lines")
		return verr
	}
	if !t.Type.IsOneSided() && len(lines) < 2 {
		verr.add(-1, RuleLineCount, "", "a %s transfer needs at least two lines", t.Type)
	}

	totalFrom, totalTo := decimal.Zero, decimal.Zero
	for i, l := range lines {
		if l.FromAmount.IsNegative() || l.ToAmount.IsNegative() {
			verr.add(i, RuleSign, "", "amounts must not be negative")
		}
		if l.FromAmount.IsPositive() && l.ToAmount.IsPositive() {
			verr.add(i, RuleExclusive, "", "a line can't have both from_amount and to_amount")
		}
		if t.Type.IsOneSided() {
			if !l.ToAmount.IsPositive() {
				verr.add(i, RuleOneSidedTarget, "to_amount", "%s lines need a positive to_amount", t.Type)
			}
		} else if !l.FromAmount.IsPositive() && !l.ToAmount.IsPositive() {
			verr.add(i, RuleExclusive, "", "line moves no money")
		}
		totalFrom = totalFrom.Add(l.FromAmount)
		totalTo = totalTo.Add(l.ToAmount)
	}

	if !t.Type.IsOneSided() && !totalFrom.Equal(totalTo) {
		verr.add(-1, RuleBalanced, "", "total from_amount %s does not match total to_amount %s", totalFrom.String(), totalTo.String())
	}
	return verr
}

func comboKey(entity, account string) string { return entity + "\x00" + account }
