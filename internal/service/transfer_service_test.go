package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

func TestCreateTransferAllocatesCodes(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "FAR-0001", f.transfer(t, repository.TransferTypeFAR).Code)
	assert.Equal(t, "FAR-0002", f.transfer(t, "").Code, "unknown types default to FAR")
	assert.Equal(t, "AFR-0001", f.transfer(t, repository.TransferTypeAFR).Code)
	assert.Equal(t, "FAD-0001", f.transfer(t, repository.TransferTypeFAD).Code)
}

func TestCreateTransferConcurrentCodesAreUnique(t *testing.T) {
	f := newFixture(t)

	const n = 8
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.transfers.CreateTransfer(f.ctx, &CreateTransferRequest{
				Type: "FAR", TransactionDate: "2026-01-02", Notes: "n", UserID: "u",
			})
			if err == nil {
				codes <- d.Transfer.Code
			}
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[string]bool{}
	for c := range codes {
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
	assert.Len(t, seen, n)
}

func TestCreateTransferRequiresFields(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		req   CreateTransferRequest
		field string
	}{
		{"date", CreateTransferRequest{Notes: "n", UserID: "u"}, "transaction_date"},
		{"bad date", CreateTransferRequest{TransactionDate: "03/01/2026", Notes: "n", UserID: "u"}, "transaction_date"},
		{"notes", CreateTransferRequest{TransactionDate: "2026-03-01", UserID: "u"}, "notes"},
		{"user", CreateTransferRequest{TransactionDate: "2026-03-01", Notes: "n"}, "user_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.transfers.CreateTransfer(f.ctx, &tc.req)
			var e *errors.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, errors.ErrCodeInvalidInput, e.Code)
			assert.Equal(t, tc.field, e.Field)
		})
	}
}

func TestCreateTransferRejectsInvalidLines(t *testing.T) {
	f := newFixture(t)
	_, err := f.transfers.CreateTransfer(f.ctx, &CreateTransferRequest{
		TransactionDate: "2026-03-01", Notes: "n", UserID: "u",
		Lines: []LineInput{line("A", "X", "100", "50", "500")},
	})
	validationErrors(t, err)

	list, err := f.transfers.ListTransfers(f.ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list, "nothing persisted")
}

func TestLineEditing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "A", "X", "500")
	f.fund(t, "B", "Y", "500")
	f.fund(t, "C", "Z", "500")
	tr := f.transfer(t, repository.TransferTypeFAR)

	lines, err := f.transfers.ReplaceLines(f.ctx, tr.ID, []LineInput{
		line("A", "X", "100", "0", "300"),
		line("B", "Y", "0", "100", "0"),
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "100", f.reload(t, tr).Amount.String())

	_, err = f.transfers.AddLine(f.ctx, tr.ID, line("B", "Y", "0", "5", "0"))
	verr := validationErrors(t, err)
	assert.Equal(t, RuleDuplicate, verr.Issues[0].Rule)

	updated, err := f.transfers.UpdateLine(f.ctx, tr.ID, lines[1].ID, line("B", "Y", "0", "60", "0"))
	require.NoError(t, err)
	assert.Equal(t, lines[1].ID, updated.ID)

	added, err := f.transfers.AddLine(f.ctx, tr.ID, line("C", "Z", "0", "40", "0"))
	require.NoError(t, err)
	assert.Equal(t, "100", f.reload(t, tr).Amount.String())

	require.NoError(t, f.transfers.DeleteLine(f.ctx, tr.ID, added.ID))
	detail, err := f.transfers.GetTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Lines, 2)
	assert.Equal(t, "60", detail.Transfer.Amount.String())

	// a failing replacement keeps the current lines
	_, err = f.transfers.ReplaceLines(f.ctx, tr.ID, []LineInput{line("Q", "Q", "0", "1", "0")})
	validationErrors(t, err)
	detail, err = f.transfers.GetTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Lines, 2)
}

func TestSubmittedTransferIsNotEditable(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.template(t, repository.TransferTypeFAR, stage(1, "Manager", repository.PolicyAny, "manager"))
	tr := f.farTransfer(t)
	f.submit(t, tr)

	_, err := f.transfers.AddLine(f.ctx, tr.ID, line("A", "X", "1", "0", "300"))
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = f.transfers.SubmitTransfer(f.ctx, tr.ID, "requester")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = f.transfers.Reopen(f.ctx, tr.ID, "requester")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err), "in-flight transfers are not reopened")
}

func TestSubmitChecksWholeTransfer(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.template(t, repository.TransferTypeFAR, stage(1, "Manager", repository.PolicyAny, "manager"))
	f.fund(t, "A", "X", "500")
	tr := f.transfer(t, repository.TransferTypeFAR, line("A", "X", "100", "0", "300"))

	_, err := f.transfers.SubmitTransfer(f.ctx, tr.ID, "requester")
	verr := validationErrors(t, err)
	assert.Contains(t, rules(verr), RuleLineCount)

	inst, err := f.stores.Workflows.GetLatestByTransfer(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestSubmitAFRWithSingleLine(t *testing.T) {
	f := newFixture(t)
	f.user(t, "m1", "manager")
	f.template(t, repository.TransferTypeAFR, stage(1, "Manager", repository.PolicyAny, "manager"))
	f.fund(t, "A", "X", "0")
	tr := f.transfer(t, repository.TransferTypeAFR, line("A", "X", "0", "250", "0"))

	f.submit(t, tr)
	f.act(t, tr, "m1", repository.ActionApprove)
	assert.Equal(t, "250", f.balance(t, "A", "X").Fund.String())
}

func TestCheckLedgerRowsReportsAllMissing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "A", "X", "1")
	err := f.transfers.checkLedgerRows(f.ctx, &repository.Transfer{}, []*repository.TransferLine{
		{EntityCode: "A", AccountCode: "X"},
		{EntityCode: "B", AccountCode: "Y"},
		{EntityCode: "C", AccountCode: "Z"},
	})
	require.ErrorIs(t, err, ErrMissingLedgerRow)
	assert.Contains(t, err.Error(), "B/Y, C/Z")
	assert.NotContains(t, err.Error(), "A/X")
}

func TestCancelDraftTransfer(t *testing.T) {
	f := newFixture(t)
	tr := f.transfer(t, repository.TransferTypeFAR)

	got, err := f.transfers.CancelTransfer(f.ctx, tr.ID, "requester", "typo")
	require.NoError(t, err)
	assert.Equal(t, repository.TransferCancelled, got.Status)

	_, err = f.transfers.CancelTransfer(f.ctx, tr.ID, "requester", "again")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	reopened, err := f.transfers.Reopen(f.ctx, tr.ID, "requester")
	require.NoError(t, err)
	assert.Equal(t, repository.TransferPending, reopened.Status)
	assert.Equal(t, repository.StatusLevelDraft, reopened.StatusLevel)
}

func TestListTransfersByStatus(t *testing.T) {
	f := newFixture(t)
	a := f.transfer(t, repository.TransferTypeFAR)
	f.transfer(t, repository.TransferTypeFAR)
	_, err := f.transfers.CancelTransfer(f.ctx, a.ID, "requester", "")
	require.NoError(t, err)

	cancelled, err := f.transfers.ListTransfers(f.ctx, "cancelled", 10, 0)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, a.ID, cancelled[0].ID)

	all, err := f.transfers.ListTransfers(f.ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
