package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTransferType(t *testing.T) {
	assert.Equal(t, TransferTypeAFR, ParseTransferType(" afr "))
	assert.Equal(t, TransferTypeFAD, ParseTransferType("FAD"))
	assert.Equal(t, TransferTypeFAR, ParseTransferType(""))
	assert.Equal(t, TransferTypeFAR, ParseTransferType("XYZ"))

	assert.True(t, TransferTypeAFR.IsOneSided())
	assert.False(t, TransferTypeFAR.IsOneSided())
	assert.Equal(t, "FAR", TransferTypeGEN.CodePrefix())
	assert.Equal(t, "FAD", TransferTypeFAD.CodePrefix())
}

func TestParsePermission(t *testing.T) {
	assert.Equal(t, PermissionAllowed, ParsePermission("Yes"))
	assert.Equal(t, PermissionAllowed, ParsePermission("allowed"))
	assert.Equal(t, PermissionDenied, ParsePermission("N"))
	assert.Equal(t, PermissionUnset, ParsePermission(""))
	assert.Equal(t, PermissionUnset, ParsePermission("maybe"))
}

func TestWorkflowStatusTerminal(t *testing.T) {
	for _, s := range []WorkflowStatus{WorkflowApproved, WorkflowRejected, WorkflowCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []WorkflowStatus{WorkflowPending, WorkflowInProgress} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestParseActionType(t *testing.T) {
	a, ok := ParseActionType("Approve")
	assert.True(t, ok)
	assert.Equal(t, ActionApprove, a)

	_, ok = ParseActionType("escalate")
	assert.False(t, ok)
}
