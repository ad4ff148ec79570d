package domain

import (
	"fmt"
	"math"
	"time"
)

// RolloutID identifies a rollout.
type RolloutID int64

// RolloutGroupID identifies a rollout group.
type RolloutGroupID int64

// RolloutStatus is the lifecycle state of a rollout.
type RolloutStatus string

const (
	RolloutStatusCreating           RolloutStatus = "CREATING"
	RolloutStatusWaitingForApproval RolloutStatus = "WAITING_FOR_APPROVAL"
	RolloutStatusApprovalDenied     RolloutStatus = "APPROVAL_DENIED"
	RolloutStatusReady              RolloutStatus = "READY"
	RolloutStatusStarting           RolloutStatus = "STARTING"
	RolloutStatusRunning            RolloutStatus = "RUNNING"
	RolloutStatusPaused             RolloutStatus = "PAUSED"
	RolloutStatusStopping           RolloutStatus = "STOPPING"
	RolloutStatusStopped            RolloutStatus = "STOPPED"
	RolloutStatusFinished           RolloutStatus = "FINISHED"
	RolloutStatusDeleting           RolloutStatus = "DELETING"
	RolloutStatusDeleted            RolloutStatus = "DELETED"
)

var validRolloutTransitions = map[RolloutStatus]map[RolloutStatus]bool{
	RolloutStatusCreating: {
		RolloutStatusReady:              true,
		RolloutStatusWaitingForApproval: true,
		RolloutStatusDeleting:           true,
	},
	RolloutStatusWaitingForApproval: {
		RolloutStatusReady:          true,
		RolloutStatusApprovalDenied: true,
		RolloutStatusDeleting:       true,
	},
	RolloutStatusApprovalDenied: {
		RolloutStatusDeleting: true,
	},
	RolloutStatusReady: {
		RolloutStatusStarting: true,
		RolloutStatusDeleting: true,
	},
	RolloutStatusStarting: {
		RolloutStatusRunning:  true,
		RolloutStatusDeleting: true,
	},
	RolloutStatusRunning: {
		RolloutStatusPaused:   true,
		RolloutStatusFinished: true,
		RolloutStatusStopping: true,
		RolloutStatusDeleting: true,
	},
	RolloutStatusPaused: {
		RolloutStatusRunning:  true,
		RolloutStatusStopping: true,
		RolloutStatusDeleting: true,
	},
	RolloutStatusStopping: {
		RolloutStatusStopped:  true,
		RolloutStatusDeleting: true,
	},
	RolloutStatusStopped: {
		RolloutStatusDeleting: true,
	},
	RolloutStatusFinished: {
		RolloutStatusDeleting: true,
	},
	RolloutStatusDeleting: {
		RolloutStatusDeleted: true,
	},
}

// ValidateRolloutTransition checks whether a rollout may move from one
// status to another.
func ValidateRolloutTransition(from, to RolloutStatus) error {
	if validRolloutTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("%w: rollout cannot move from %s to %s", ErrIllegalState, from, to)
}

// NeedsTick reports whether the periodic handler has work for a rollout
// in this status.
func (s RolloutStatus) NeedsTick() bool {
	switch s {
	case RolloutStatusCreating, RolloutStatusReady, RolloutStatusStarting,
		RolloutStatusRunning, RolloutStatusStopping, RolloutStatusDeleting:
		return true
	}
	return false
}

// GroupErrorAction is executed when a group exceeds its error threshold.
type GroupErrorAction string

const GroupErrorActionPause GroupErrorAction = "PAUSE"

// GroupConditions gate progression of a rollout group. Thresholds are
// percentages of the group's actions.
type GroupConditions struct {
	SuccessThreshold float64
	// ErrorThreshold is nil when the group has no error condition.
	ErrorThreshold *float64
	ErrorAction    GroupErrorAction
}

// DefaultGroupConditions requires every action to finish and never
// pauses on errors.
func DefaultGroupConditions() GroupConditions {
	return GroupConditions{SuccessThreshold: 100, ErrorAction: GroupErrorActionPause}
}

// Validate checks threshold bounds and the error action.
func (c GroupConditions) Validate() error {
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 100 {
		return fmt.Errorf("%w: success threshold %v outside [0, 100]", ErrInvalidArgument, c.SuccessThreshold)
	}
	if c.ErrorThreshold != nil && (*c.ErrorThreshold < 0 || *c.ErrorThreshold > 100) {
		return fmt.Errorf("%w: error threshold %v outside [0, 100]", ErrInvalidArgument, *c.ErrorThreshold)
	}
	if c.ErrorAction != "" && c.ErrorAction != GroupErrorActionPause {
		return fmt.Errorf("%w: unsupported error action %q", ErrInvalidArgument, c.ErrorAction)
	}
	return nil
}

// DynamicGroupTemplate describes the groups appended to a dynamic rollout
// as new targets match its filter.
type DynamicGroupTemplate struct {
	NameSuffix           string
	TargetCount          int
	Conditions           GroupConditions
	ConfirmationRequired bool
}

// Rollout is a phased, filter-driven assignment of one distribution set.
type Rollout struct {
	ID                   RolloutID
	Name                 string
	Description          string
	TargetFilter         string
	SetID                DistributionSetID
	ActionType           ActionType
	ForcedTime           *time.Time
	Weight               *int
	StartAt              *time.Time
	Dynamic              bool
	DynamicTemplate      *DynamicGroupTemplate
	ConfirmationRequired bool
	Status               RolloutStatus
	TotalTargets         int
	ApprovalDecidedBy    string
	ApprovalRemark       string
	CreatedBy            string
	CreatedAt            time.Time
	LastDynamicFillAt    *time.Time
	Deleted              bool
	Version              int64
}

// Transition moves the rollout to a new status.
func (r *Rollout) Transition(to RolloutStatus) error {
	if err := ValidateRolloutTransition(r.Status, to); err != nil {
		return fmt.Errorf("rollout %d: %w", r.ID, err)
	}
	r.Status = to
	return nil
}

// Expect returns [ErrIllegalState] unless the rollout is in one of the
// given statuses.
func (r Rollout) Expect(statuses ...RolloutStatus) error {
	for _, s := range statuses {
		if r.Status == s {
			return nil
		}
	}
	return fmt.Errorf("rollout %d: %w: rollout is %s, expected %v", r.ID, ErrIllegalState, r.Status, statuses)
}

// RolloutGroupStatus is the lifecycle state of a rollout group.
type RolloutGroupStatus string

const (
	RolloutGroupStatusCreating  RolloutGroupStatus = "CREATING"
	RolloutGroupStatusReady     RolloutGroupStatus = "READY"
	RolloutGroupStatusScheduled RolloutGroupStatus = "SCHEDULED"
	RolloutGroupStatusRunning   RolloutGroupStatus = "RUNNING"
	RolloutGroupStatusFinished  RolloutGroupStatus = "FINISHED"
	RolloutGroupStatusError     RolloutGroupStatus = "ERROR"
)

var validGroupTransitions = map[RolloutGroupStatus]map[RolloutGroupStatus]bool{
	RolloutGroupStatusCreating:  {RolloutGroupStatusReady: true, RolloutGroupStatusFinished: true},
	RolloutGroupStatusReady:     {RolloutGroupStatusScheduled: true, RolloutGroupStatusFinished: true},
	RolloutGroupStatusScheduled: {RolloutGroupStatusRunning: true, RolloutGroupStatusFinished: true},
	RolloutGroupStatusRunning:   {RolloutGroupStatusFinished: true, RolloutGroupStatusError: true},
}

// RolloutGroup is an ordered partition of a rollout's targets.
type RolloutGroup struct {
	ID          RolloutGroupID
	RolloutID   RolloutID
	Name        string
	Description string
	// Position orders groups within a rollout, starting at 1.
	Position             int
	Status               RolloutGroupStatus
	TargetFilter         string
	TargetPercentage     float64
	ConfirmationRequired bool
	Conditions           GroupConditions
	// Dynamic groups keep accepting newly matching targets until they
	// hold TargetCount members.
	Dynamic      bool
	TargetCount  int
	TotalTargets int
	Version      int64
}

// Transition moves the group to a new status.
func (g *RolloutGroup) Transition(to RolloutGroupStatus) error {
	if g.Status == to {
		return nil
	}
	if !validGroupTransitions[g.Status][to] {
		return fmt.Errorf("rollout group %d: %w: cannot move from %s to %s", g.ID, ErrIllegalState, g.Status, to)
	}
	g.Status = to
	return nil
}

// IsOpen reports whether the group has not yet reached a terminal status.
func (g RolloutGroup) IsOpen() bool {
	return g.Status != RolloutGroupStatusFinished && g.Status != RolloutGroupStatusError
}

// IsFull reports whether a dynamic group reached its target count.
func (g RolloutGroup) IsFull() bool {
	return g.Dynamic && g.TotalTargets >= g.TargetCount
}

// GroupShare is the sizing input of one group.
type GroupShare struct {
	TargetFilter     string
	TargetPercentage float64
}

// ValidateGroupShares checks every percentage is in (0, 100] and that
// groups sharing a sub-filter do not claim more than 100% together.
func ValidateGroupShares(shares []GroupShare) error {
	used := make(map[string]float64)
	for i, s := range shares {
		if s.TargetPercentage <= 0 || s.TargetPercentage > 100 {
			return fmt.Errorf("%w: group %d percentage %v outside (0, 100]", ErrInvalidArgument, i+1, s.TargetPercentage)
		}
		used[s.TargetFilter] += s.TargetPercentage
		if used[s.TargetFilter] > 100+percentEpsilon {
			return fmt.Errorf("%w: group percentages exceed 100%% at group %d", ErrInvalidArgument, i+1)
		}
	}
	return nil
}

const percentEpsilon = 0.001

// PercentFromRest converts the i-th group's share of the total population
// into a share of the targets left over by earlier groups with the same
// sub-filter.
func PercentFromRest(shares []GroupShare, i int) float64 {
	used := 0.0
	for j := 0; j < i; j++ {
		if shares[j].TargetFilter == shares[i].TargetFilter {
			used += shares[j].TargetPercentage
		}
	}
	rest := 100 - used
	if rest <= percentEpsilon {
		return 100
	}
	return math.Min(100, shares[i].TargetPercentage/rest*100)
}

// GroupSize returns how many of the candidates a group with the given
// percentage takes.
func GroupSize(percent float64, candidates int) int {
	if percent >= 100-percentEpsilon {
		return candidates
	}
	n := int(math.Round(percent / 100 * float64(candidates)))
	return min(n, candidates)
}

// EvenShares splits a rollout into amount groups of equal percentage.
func EvenShares(amount int) []GroupShare {
	shares := make([]GroupShare, amount)
	for i := range shares {
		shares[i] = GroupShare{TargetPercentage: 100 / float64(amount)}
	}
	return shares
}
