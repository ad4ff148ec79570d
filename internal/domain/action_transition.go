package domain

import (
	"fmt"
	"time"
)

// validActionTransitions lists the canonical status changes an action can
// undergo. Informational statuses (WARNING, DOWNLOAD, RETRIEVED, and
// DOWNLOADED for regular actions) never become the canonical status.
var validActionTransitions = map[ActionStatus]map[ActionStatus]bool{
	ActionStatusScheduled: {
		ActionStatusWaitForConfirmation: true,
		ActionStatusRunning:             true,
		ActionStatusFinished:            true,
		ActionStatusCanceled:            true,
	},
	ActionStatusWaitForConfirmation: {
		ActionStatusRunning:   true,
		ActionStatusCanceling: true,
		ActionStatusCanceled:  true,
	},
	ActionStatusRunning: {
		ActionStatusFinished:   true,
		ActionStatusError:      true,
		ActionStatusDownloaded: true,
		ActionStatusCanceling:  true,
		ActionStatusCanceled:   true,
	},
	ActionStatusCanceling: {
		ActionStatusCanceled: true,
		ActionStatusFinished: true,
		ActionStatusRunning:  true,
	},
	ActionStatusDownloaded: {
		ActionStatusFinished: true,
		ActionStatusError:    true,
	},
}

// ValidateActionTransition checks whether an action may move from one
// canonical status to another.
func ValidateActionTransition(from, to ActionStatus) error {
	if from == to {
		return nil
	}
	if validActionTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("%w: action cannot move from %s to %s", ErrIllegalState, from, to)
}

// IsReportable reports whether a device may send s as feedback.
func (s ActionStatus) IsReportable() bool {
	switch s {
	case ActionStatusScheduled, ActionStatusWaitForConfirmation, ActionStatusCanceling:
		return false
	}
	return s != ""
}

func (a *Action) moveTo(to ActionStatus, active bool) error {
	if err := ValidateActionTransition(a.Status, to); err != nil {
		return fmt.Errorf("action %d: %w", a.ID, err)
	}
	a.Status = to
	a.Active = active
	return nil
}

// TargetEffect tells the caller how a transition changes the action's
// target.
type TargetEffect int

const (
	TargetEffectNone TargetEffect = iota
	// TargetEffectInstalled: installed set becomes the action's set.
	TargetEffectInstalled
	// TargetEffectDownloaded: a download-only action completed.
	TargetEffectDownloaded
	// TargetEffectFailed: the target reports an update error.
	TargetEffectFailed
	// TargetEffectCanceled: the assignment is withdrawn.
	TargetEffectCanceled
)

// Feedback is a device-reported status for an action.
type Feedback struct {
	Status     ActionStatus
	Messages   []string
	Code       *int
	OccurredAt time.Time
}

// FeedbackOutcome is the result of applying feedback to an action.
type FeedbackOutcome struct {
	Action Action
	// Record is false when the feedback must be dropped silently.
	Record bool
	// Changed is true when the action itself must be persisted.
	Changed bool
	Effect  TargetEffect
	// Closes is true when the feedback closed the action.
	Closes bool
}

// ApplyFeedback applies device feedback to an action. Feedback on a
// closed action is never an error: it is either recorded as history or
// dropped, per rejectAfterClose. A download-only action closed as
// DOWNLOADED still accepts its final FINISHED or ERROR.
func ApplyFeedback(a Action, fb Feedback, rejectAfterClose bool) (FeedbackOutcome, error) {
	if !fb.Status.IsReportable() {
		return FeedbackOutcome{}, fmt.Errorf("%w: status %q cannot be reported", ErrInvalidArgument, fb.Status)
	}
	if a.IsScheduled() {
		return FeedbackOutcome{}, fmt.Errorf("action %d: %w: not started", a.ID, ErrIllegalState)
	}

	out := FeedbackOutcome{Action: a, Record: true}
	if fb.Code != nil {
		code := *fb.Code
		out.Action.LastStatusCode = &code
		out.Changed = true
	}

	if !a.Active {
		if a.IsDownloadOnly() && a.Status == ActionStatusDownloaded &&
			(fb.Status == ActionStatusFinished || fb.Status == ActionStatusError) {
			if err := out.Action.moveTo(fb.Status, false); err != nil {
				return FeedbackOutcome{}, err
			}
			out.Changed = true
			out.Effect = effectOf(fb.Status)
			return out, nil
		}
		if rejectAfterClose {
			return FeedbackOutcome{Action: a}, nil
		}
		return out, nil
	}

	if a.Status == ActionStatusCanceling {
		return applyCancelFeedback(out, fb)
	}

	if out.Action.Status == ActionStatusWaitForConfirmation {
		out.Action.Status = ActionStatusRunning
		out.Changed = true
	}

	switch fb.Status {
	case ActionStatusFinished, ActionStatusError:
		if err := out.Action.moveTo(fb.Status, false); err != nil {
			return FeedbackOutcome{}, err
		}
		out.Changed, out.Closes = true, true
		out.Effect = effectOf(fb.Status)
	case ActionStatusDownloaded:
		if a.IsDownloadOnly() {
			if err := out.Action.moveTo(ActionStatusDownloaded, false); err != nil {
				return FeedbackOutcome{}, err
			}
			out.Changed, out.Closes = true, true
			out.Effect = TargetEffectDownloaded
		}
	case ActionStatusCanceled, ActionStatusCancelRejected:
		return FeedbackOutcome{}, fmt.Errorf("action %d: %w: %s reported but action is %s, expected %s",
			a.ID, ErrIllegalState, fb.Status, a.Status, ActionStatusCanceling)
	}
	return out, nil
}

func applyCancelFeedback(out FeedbackOutcome, fb Feedback) (FeedbackOutcome, error) {
	switch fb.Status {
	case ActionStatusCanceled:
		if err := out.Action.moveTo(ActionStatusCanceled, false); err != nil {
			return FeedbackOutcome{}, err
		}
		out.Changed, out.Closes = true, true
		out.Effect = TargetEffectCanceled
	case ActionStatusFinished:
		if err := out.Action.moveTo(ActionStatusFinished, false); err != nil {
			return FeedbackOutcome{}, err
		}
		out.Changed, out.Closes = true, true
		out.Effect = TargetEffectInstalled
	case ActionStatusCancelRejected, ActionStatusError:
		if err := out.Action.moveTo(ActionStatusRunning, true); err != nil {
			return FeedbackOutcome{}, err
		}
		out.Changed = true
	}
	return out, nil
}

func effectOf(s ActionStatus) TargetEffect {
	switch s {
	case ActionStatusFinished:
		return TargetEffectInstalled
	case ActionStatusError:
		return TargetEffectFailed
	}
	return TargetEffectNone
}

// CancelAction moves an active action to CANCELING.
func CancelAction(a Action) (Action, error) {
	if a.Status == ActionStatusCanceling || a.Status == ActionStatusCanceled {
		return a, fmt.Errorf("action %d: %w: already %s", a.ID, ErrCancelNotAllowed, a.Status)
	}
	if !a.Active {
		return a, fmt.Errorf("action %d: %w: action is not active", a.ID, ErrCancelNotAllowed)
	}
	if err := a.moveTo(ActionStatusCanceling, true); err != nil {
		return a, err
	}
	return a, nil
}

// ForceQuitAction closes a canceling action without device confirmation.
func ForceQuitAction(a Action) (Action, error) {
	if !a.IsCanceling() {
		return a, fmt.Errorf("action %d: %w: action is %s, expected %s",
			a.ID, ErrForceQuitNotAllowed, a.Status, ActionStatusCanceling)
	}
	if err := a.moveTo(ActionStatusCanceled, false); err != nil {
		return a, err
	}
	return a, nil
}

// CloseAction closes an action as CANCELED immediately. Used when a new
// assignment supersedes it and auto-close is on, or when a scheduled
// action is withdrawn.
func CloseAction(a Action) (Action, error) {
	if a.IsClosed() {
		return a, fmt.Errorf("action %d: %w", a.ID, ErrActionClosed)
	}
	if err := a.moveTo(ActionStatusCanceled, false); err != nil {
		return a, err
	}
	return a, nil
}

// checkAwaitingConfirmation distinguishes closed actions from actions in
// another open status.
func checkAwaitingConfirmation(a Action) error {
	if a.IsClosed() {
		return fmt.Errorf("action %d: %w", a.ID, ErrActionClosed)
	}
	if a.Status != ActionStatusWaitForConfirmation {
		return fmt.Errorf("action %d is %s: %w", a.ID, a.Status, ErrNotAwaitingConfirmation)
	}
	return nil
}

// ConfirmAction moves a waiting action to RUNNING.
func ConfirmAction(a Action) (Action, error) {
	if err := checkAwaitingConfirmation(a); err != nil {
		return a, err
	}
	if err := a.moveTo(ActionStatusRunning, true); err != nil {
		return a, err
	}
	return a, nil
}

// CheckDeniable verifies a deny call is allowed. Denying never changes
// the action.
func CheckDeniable(a Action) error {
	return checkAwaitingConfirmation(a)
}

// StartAction activates a scheduled action.
func StartAction(a Action, awaitConfirmation bool) (Action, error) {
	if !a.IsScheduled() {
		return a, fmt.Errorf("action %d: %w: action is %s, expected %s",
			a.ID, ErrIllegalState, a.Status, ActionStatusScheduled)
	}
	to := ActionStatusRunning
	if awaitConfirmation {
		to = ActionStatusWaitForConfirmation
	}
	if err := a.moveTo(to, true); err != nil {
		return a, err
	}
	return a, nil
}

// SkipAction closes a scheduled action whose set the target already has
// assigned.
func SkipAction(a Action) (Action, error) {
	if !a.IsScheduled() {
		return a, fmt.Errorf("action %d: %w: action is %s, expected %s",
			a.ID, ErrIllegalState, a.Status, ActionStatusScheduled)
	}
	if err := a.moveTo(ActionStatusFinished, false); err != nil {
		return a, err
	}
	return a, nil
}
