package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

func TestRegisterTemplateVersions(t *testing.T) {
	f := newFixture(t)

	v1 := f.template(t, repository.TransferTypeFAR,
		stage(2, "Finance", repository.PolicyAll, "finance"),
		stage(1, "Manager", repository.PolicyAny, "manager"),
	)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)
	require.Len(t, v1.Stages, 2)
	assert.Equal(t, "Manager", v1.Stages[0].Name, "stages are ordered")

	v2 := f.template(t, repository.TransferTypeFAR, stage(1, "Manager", repository.PolicyAny, "manager"))
	assert.Equal(t, 2, v2.Version)

	got, err := f.templates.Get(f.ctx, v1.ID)
	require.NoError(t, err)
	assert.Len(t, got.Stages, 2, "older versions are untouched")

	require.NoError(t, f.templates.SetActive(f.ctx, v2.ID, false))
	active, err := f.stores.Templates.FindActiveByType(f.ctx, repository.TransferTypeFAR)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	all, err := f.templates.List(f.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRegisterTemplateValidation(t *testing.T) {
	zero := 0
	tests := []struct {
		name string
		tpl  *repository.WorkflowTemplate
	}{
		{"no code", &repository.WorkflowTemplate{TransferType: repository.TransferTypeFAR, Stages: []*repository.StageTemplate{stage(1, "a", repository.PolicyAll, "r")}}},
		{"bad type", &repository.WorkflowTemplate{Code: "x", TransferType: "XYZ", Stages: []*repository.StageTemplate{stage(1, "a", repository.PolicyAll, "r")}}},
		{"no stages", &repository.WorkflowTemplate{Code: "x", TransferType: repository.TransferTypeFAR}},
		{"duplicate order", &repository.WorkflowTemplate{Code: "x", TransferType: repository.TransferTypeFAR, Stages: []*repository.StageTemplate{
			stage(1, "a", repository.PolicyAll, "r"), stage(1, "b", repository.PolicyAll, "r"),
		}}},
		{"bad policy", &repository.WorkflowTemplate{Code: "x", TransferType: repository.TransferTypeFAR, Stages: []*repository.StageTemplate{
			stage(1, "a", "MOST", "r"),
		}}},
		{"zero quorum", &repository.WorkflowTemplate{Code: "x", TransferType: repository.TransferTypeFAR, Stages: []*repository.StageTemplate{
			{OrderIndex: 1, Name: "a", DecisionPolicy: repository.PolicyQuorum, QuorumCount: &zero},
		}}},
		{"unnamed stage", &repository.WorkflowTemplate{Code: "x", TransferType: repository.TransferTypeFAR, Stages: []*repository.StageTemplate{
			stage(1, " ", repository.PolicyAll, "r"),
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.templates.Register(f.ctx, tc.tpl)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}
