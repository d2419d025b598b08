package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// snap builds a stage with n assignments; approved and rejected list the
// assignment indexes that acted.
func snap(policy repository.DecisionPolicy, quorum *int, n int, approved, rejected []int) stageSnapshot {
	s := stageSnapshot{
		template: &repository.StageTemplate{DecisionPolicy: policy, QuorumCount: quorum, AllowReject: true},
		stage:    &repository.StageInstance{ID: "si"},
	}
	for i := 0; i < n; i++ {
		s.assignments = append(s.assignments, &repository.Assignment{ID: fmt.Sprintf("a%d", i), Status: repository.AssignmentPending})
	}
	act := func(i int, kind repository.ActionType) {
		id := s.assignments[i].ID
		s.actions = append(s.actions, &repository.Action{AssignmentID: &id, Action: kind})
	}
	for _, i := range approved {
		act(i, repository.ActionApprove)
	}
	for _, i := range rejected {
		act(i, repository.ActionReject)
	}
	return s
}

func intp(v int) *int { return &v }

func TestEvaluateStage(t *testing.T) {
	tests := []struct {
		name string
		s    stageSnapshot
		want StageOutcome
	}{
		{"all pending after two of three", snap(repository.PolicyAll, nil, 3, []int{0, 1}, nil), OutcomePending},
		{"all approved", snap(repository.PolicyAll, nil, 3, []int{0, 1, 2}, nil), OutcomeApproved},
		{"all rejected early", snap(repository.PolicyAll, nil, 3, nil, []int{2}), OutcomeRejected},
		{"rejection beats approvals", snap(repository.PolicyAny, nil, 3, []int{0, 1}, []int{2}), OutcomeRejected},
		{"any single approval", snap(repository.PolicyAny, nil, 4, []int{3}, nil), OutcomeApproved},
		{"any none", snap(repository.PolicyAny, nil, 4, nil, nil), OutcomePending},
		{"quorum majority of five needs three", snap(repository.PolicyQuorum, nil, 5, []int{0, 1}, nil), OutcomePending},
		{"quorum majority reached", snap(repository.PolicyQuorum, nil, 5, []int{0, 1, 4}, nil), OutcomeApproved},
		{"quorum configured", snap(repository.PolicyQuorum, intp(2), 5, []int{0, 1}, nil), OutcomeApproved},
		{"unknown policy needs one", snap("MAJORITY", nil, 3, []int{1}, nil), OutcomeApproved},
		{"unknown policy pending", snap("MAJORITY", nil, 3, nil, nil), OutcomePending},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluateStage(tc.s))
		})
	}
}

func TestRejectIgnoredWhenStageForbidsIt(t *testing.T) {
	s := snap(repository.PolicyAll, nil, 2, []int{0}, []int{1})
	s.template.AllowReject = false
	assert.Equal(t, OutcomePending, evaluateStage(s))
}

func TestDelegatedAssignmentsAreNotCounted(t *testing.T) {
	s := snap(repository.PolicyAll, nil, 3, []int{0, 1}, nil)
	s.assignments[2].Status = repository.AssignmentDelegated
	assert.Equal(t, OutcomeApproved, evaluateStage(s))

	assert.Equal(t, OutcomePending, evaluateStage(snap(repository.PolicyAll, nil, 0, nil, nil)), "an empty ALL stage never approves")
}

func TestQuorumThreshold(t *testing.T) {
	assert.Equal(t, 1, quorumThreshold(nil, 0))
	assert.Equal(t, 1, quorumThreshold(nil, 1))
	assert.Equal(t, 2, quorumThreshold(nil, 2))
	assert.Equal(t, 3, quorumThreshold(nil, 5))
	assert.Equal(t, 4, quorumThreshold(nil, 6))
	assert.Equal(t, 2, quorumThreshold(intp(2), 6))
	assert.Equal(t, 4, quorumThreshold(intp(0), 6))
}

func TestEvaluateGroup(t *testing.T) {
	done := snap(repository.PolicyAny, nil, 1, []int{0}, nil)
	waiting := snap(repository.PolicyAny, nil, 1, nil, nil)
	rejected := snap(repository.PolicyAny, nil, 1, nil, []int{0})

	assert.Equal(t, OutcomePending, evaluateGroup(nil))
	assert.Equal(t, OutcomeApproved, evaluateGroup([]stageSnapshot{done, done}))
	assert.Equal(t, OutcomePending, evaluateGroup([]stageSnapshot{done, waiting}))
	assert.Equal(t, OutcomeRejected, evaluateGroup([]stageSnapshot{waiting, rejected}))
	assert.True(t, OutcomeRejected.Finished())
	assert.False(t, OutcomePending.Finished())
}
