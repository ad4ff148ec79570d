package domain

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// ActionID identifies an action. IDs increase with creation order.
type ActionID int64

// ActionStatus is both the canonical status of an action and the status
// value of a history entry.
type ActionStatus string

const (
	ActionStatusScheduled           ActionStatus = "SCHEDULED"
	ActionStatusWaitForConfirmation ActionStatus = "WAIT_FOR_CONFIRMATION"
	ActionStatusRunning             ActionStatus = "RUNNING"
	ActionStatusFinished            ActionStatus = "FINISHED"
	ActionStatusError               ActionStatus = "ERROR"
	ActionStatusWarning             ActionStatus = "WARNING"
	ActionStatusDownload            ActionStatus = "DOWNLOAD"
	ActionStatusDownloaded          ActionStatus = "DOWNLOADED"
	ActionStatusRetrieved           ActionStatus = "RETRIEVED"
	ActionStatusCanceling           ActionStatus = "CANCELING"
	ActionStatusCanceled            ActionStatus = "CANCELED"
	ActionStatusCancelRejected      ActionStatus = "CANCEL_REJECTED"
)

// ActionType tells the device how to treat the update.
type ActionType string

const (
	ActionTypeSoft         ActionType = "SOFT"
	ActionTypeForced       ActionType = "FORCED"
	ActionTypeTimeForced   ActionType = "TIMEFORCED"
	ActionTypeDownloadOnly ActionType = "DOWNLOAD_ONLY"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionTypeSoft, ActionTypeForced, ActionTypeTimeForced, ActionTypeDownloadOnly:
		return true
	}
	return false
}

// Weight bounds.
const (
	WeightMin = 0
	WeightMax = 1000
)

// ValidateWeight checks an optional weight against the bounds.
func ValidateWeight(w *int) error {
	if w == nil {
		return nil
	}
	if *w < WeightMin || *w > WeightMax {
		return fmt.Errorf("%w: weight %d outside [%d, %d]", ErrInvalidArgument, *w, WeightMin, WeightMax)
	}
	return nil
}

// Action is one target assigned one distribution set.
type Action struct {
	ID             ActionID
	TargetID       TargetID
	SetID          DistributionSetID
	Type           ActionType
	ForcedTime     *time.Time
	Status         ActionStatus
	Active         bool
	Weight         *int
	RolloutID      *RolloutID
	GroupID        *RolloutGroupID
	ExternalRef    string
	LastStatusCode *int
	InitiatedBy    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

func (a Action) IsDownloadOnly() bool { return a.Type == ActionTypeDownloadOnly }
func (a Action) IsCanceling() bool    { return a.Active && a.Status == ActionStatusCanceling }
func (a Action) IsScheduled() bool    { return !a.Active && a.Status == ActionStatusScheduled }

// IsClosed reports whether the action reached a terminal status.
func (a Action) IsClosed() bool { return !a.Active && a.Status != ActionStatusScheduled }

// EffectiveWeight returns the weight, or ifAbsent when none was given.
func (a Action) EffectiveWeight(ifAbsent int) int {
	if a.Weight == nil {
		return ifAbsent
	}
	return *a.Weight
}

// ActionStatusEntry is an immutable history record of an action.
type ActionStatusEntry struct {
	ID         int64
	ActionID   ActionID
	Status     ActionStatus
	Messages   []string
	Code       *int
	OccurredAt time.Time
}

// HighestWeight returns the active action a device should act on: the
// highest effective weight, ties going to the earliest created.
func HighestWeight(actions []Action, ifAbsent int) (Action, bool) {
	active := make([]Action, 0, len(actions))
	for _, a := range actions {
		if a.Active {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return Action{}, false
	}
	slices.SortFunc(active, func(x, y Action) int {
		if c := cmp.Compare(y.EffectiveWeight(ifAbsent), x.EffectiveWeight(ifAbsent)); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return active[0], true
}
