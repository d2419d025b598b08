package service

import "github.com/pesio-ai/be-budget-transfers/internal/repository"

// StageOutcome is the result of evaluating a stage or a parallel group.
type StageOutcome string

const (
	OutcomePending  StageOutcome = "pending"
	OutcomeApproved StageOutcome = "approved"
	OutcomeRejected StageOutcome = "rejected"
)

// Finished reports whether the outcome ends the stage.
func (o StageOutcome) Finished() bool { return o != OutcomePending }

// stageSnapshot is everything the evaluator needs about one stage.
type stageSnapshot struct {
	template    *repository.StageTemplate
	stage       *repository.StageInstance
	assignments []*repository.Assignment
	actions     []*repository.Action
}

// evaluateStage applies the stage's decision policy.
//
// Delegated assignments are not counted: the delegate's own assignment takes
// their place, so ALL and QUORUM stay reachable after a delegation.
func evaluateStage(s stageSnapshot) StageOutcome {
	if s.template.AllowReject {
		for _, a := range s.actions {
			if a.Action == repository.ActionReject {
				return OutcomeRejected
			}
		}
	}

	approved := make(map[string]struct{})
	for _, a := range s.actions {
		if a.Action == repository.ActionApprove && a.AssignmentID != nil {
			approved[*a.AssignmentID] = struct{}{}
		}
	}

	counted := 0
	allApproved := true
	for _, as := range s.assignments {
		if as.Status == repository.AssignmentDelegated {
			continue
		}
		counted++
		if _, ok := approved[as.ID]; !ok {
			allApproved = false
		}
	}

	var satisfied bool
	switch s.template.DecisionPolicy {
	case repository.PolicyAll:
		satisfied = counted > 0 && allApproved
	case repository.PolicyAny:
		satisfied = len(approved) >= 1
	case repository.PolicyQuorum:
		satisfied = len(approved) >= quorumThreshold(s.template.QuorumCount, counted)
	default:
		satisfied = len(approved) >= 1
	}

	if satisfied {
		return OutcomeApproved
	}
	return OutcomePending
}

// quorumThreshold is the configured count or a simple majority of n.
func quorumThreshold(configured *int, n int) int {
	if configured != nil && *configured > 0 {
		return *configured
	}
	return max(1, n/2+1)
}

// evaluateGroup combines member outcomes: any rejection rejects the group,
// approval needs every member approved.
func evaluateGroup(members []stageSnapshot) StageOutcome {
	if len(members) == 0 {
		return OutcomePending
	}
	result := OutcomeApproved
	for _, m := range members {
		switch evaluateStage(m) {
		case OutcomeRejected:
			return OutcomeRejected
		case OutcomePending:
			result = OutcomePending
		}
	}
	return result
}
