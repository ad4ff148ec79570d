package domain

import (
	"fmt"
	"time"
)

// DeploymentRequest asks for one distribution set to be assigned to one
// target. It is input to the assignment engine and never persisted.
type DeploymentRequest struct {
	TargetID   TargetID
	SetID      DistributionSetID
	ActionType ActionType
	ForcedTime *time.Time
	Weight     *int
	// ConfirmationRequired defaults to true when nil.
	ConfirmationRequired *bool
	ExternalRef          string
}

// RequiresConfirmation resolves the confirmation-required override.
func (r DeploymentRequest) RequiresConfirmation() bool {
	return r.ConfirmationRequired == nil || *r.ConfirmationRequired
}

// Validate checks the request fields that need no lookup.
func (r DeploymentRequest) Validate() error {
	if r.TargetID == "" {
		return fmt.Errorf("%w: target ID is required", ErrInvalidArgument)
	}
	if r.ActionType != "" && !r.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidArgument, r.ActionType)
	}
	if r.ActionType == ActionTypeTimeForced && r.ForcedTime == nil {
		return fmt.Errorf("%w: %s requires a forced time", ErrInvalidArgument, ActionTypeTimeForced)
	}
	return ValidateWeight(r.Weight)
}

// key identifies a request for de-duplication.
func (r DeploymentRequest) key() string {
	w, ft, conf := "", "", "default"
	if r.Weight != nil {
		w = fmt.Sprint(*r.Weight)
	}
	if r.ForcedTime != nil {
		ft = r.ForcedTime.UTC().Format(time.RFC3339Nano)
	}
	if r.ConfirmationRequired != nil {
		conf = fmt.Sprint(*r.ConfirmationRequired)
	}
	return fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s", r.TargetID, r.SetID, r.ActionType, ft, w, conf, r.ExternalRef)
}

// DistinctRequests drops exact duplicates, keeping first occurrences.
func DistinctRequests(reqs []DeploymentRequest) []DeploymentRequest {
	seen := make(map[string]bool, len(reqs))
	out := make([]DeploymentRequest, 0, len(reqs))
	for _, r := range reqs {
		k := r.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// CheckSingleAssignment fails with [ErrMultiAssignmentRequired] when the
// requests name any target more than once.
func CheckSingleAssignment(reqs []DeploymentRequest) error {
	seen := make(map[TargetID]bool, len(reqs))
	for _, r := range reqs {
		if seen[r.TargetID] {
			return fmt.Errorf("%w: target %q is requested more than once", ErrMultiAssignmentRequired, r.TargetID)
		}
		seen[r.TargetID] = true
	}
	return nil
}

// AssignmentResult summarizes one distribution set's assignment.
type AssignmentResult struct {
	SetID           DistributionSetID
	Assigned        int
	AlreadyAssigned int
	Actions         []Action
}

// Total counts every target the assignment addressed.
func (r AssignmentResult) Total() int { return r.Assigned + r.AlreadyAssigned }
