package domain

import (
	"context"
	"errors"
	"fmt"
)

// RolloutHandler performs the steps of a rollout tick. Every step runs in
// its own units of work and is safe to repeat: a step re-reads the
// rollout and does nothing when the rollout moved on.
type RolloutHandler interface {
	Status(ctx context.Context, id RolloutID) (RolloutStatus, error)
	// FillGroups materializes group membership of a CREATING rollout.
	FillGroups(ctx context.Context, id RolloutID) error
	// AutoStart starts a READY rollout whose start time has passed.
	AutoStart(ctx context.Context, id RolloutID) error
	// ScheduleGroups creates the scheduled actions of a STARTING rollout
	// and starts its first group.
	ScheduleGroups(ctx context.Context, id RolloutID) error
	// FillDynamicGroup adds newly matching targets to a dynamic rollout.
	FillDynamicGroup(ctx context.Context, id RolloutID) error
	// EvaluateGroups applies group conditions of a RUNNING rollout.
	EvaluateGroups(ctx context.Context, id RolloutID) error
	Stop(ctx context.Context, id RolloutID) error
	Delete(ctx context.Context, id RolloutID) error
}

// RolloutWorkflow is one tick of one rollout. It dispatches on the
// rollout's status to the matching handler step.
type RolloutWorkflow struct {
	Handler RolloutHandler
}

func (w *RolloutWorkflow) Name() string { return "rollout-tick" }

func (w *RolloutWorkflow) LoadStatus() Step {
	return Step{Name: "load-rollout-status", Run: w.Handler.Status}
}

func (w *RolloutWorkflow) FillGroups() Step { return w.step("fill-rollout-groups", w.Handler.FillGroups) }
func (w *RolloutWorkflow) AutoStart() Step  { return w.step("auto-start-rollout", w.Handler.AutoStart) }
func (w *RolloutWorkflow) ScheduleGroups() Step {
	return w.step("schedule-rollout-groups", w.Handler.ScheduleGroups)
}
func (w *RolloutWorkflow) FillDynamicGroup() Step {
	return w.step("fill-dynamic-group", w.Handler.FillDynamicGroup)
}
func (w *RolloutWorkflow) EvaluateGroups() Step {
	return w.step("evaluate-rollout-groups", w.Handler.EvaluateGroups)
}
func (w *RolloutWorkflow) Stop() Step   { return w.step("stop-rollout", w.Handler.Stop) }
func (w *RolloutWorkflow) Delete() Step { return w.step("delete-rollout", w.Handler.Delete) }

// Steps lists every step the workflow may run, for engines that register
// them up front.
func (w *RolloutWorkflow) Steps() []Step {
	return []Step{
		w.LoadStatus(), w.FillGroups(), w.AutoStart(), w.ScheduleGroups(),
		w.FillDynamicGroup(), w.EvaluateGroups(), w.Stop(), w.Delete(),
	}
}

// step wraps a handler step so it reports the status it left the rollout
// in. A rollout that no longer exists was hard-deleted.
func (w *RolloutWorkflow) step(name string, fn func(context.Context, RolloutID) error) Step {
	return Step{Name: name, Run: func(ctx context.Context, id RolloutID) (RolloutStatus, error) {
		if err := fn(ctx, id); err != nil {
			return "", err
		}
		status, err := w.Handler.Status(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return RolloutStatusDeleted, nil
		}
		return status, err
	}}
}

func (w *RolloutWorkflow) stepsFor(status RolloutStatus) []Step {
	switch status {
	case RolloutStatusCreating:
		return []Step{w.FillGroups()}
	case RolloutStatusReady:
		return []Step{w.AutoStart()}
	case RolloutStatusStarting:
		return []Step{w.ScheduleGroups()}
	case RolloutStatusRunning:
		return []Step{w.EvaluateGroups(), w.FillDynamicGroup()}
	case RolloutStatusStopping:
		return []Step{w.Stop()}
	case RolloutStatusDeleting:
		return []Step{w.Delete()}
	}
	return nil
}

// Run executes one tick: it loads the rollout's status and runs the steps
// that status calls for, stopping at the first failure.
func (w *RolloutWorkflow) Run(runner StepRunner, id RolloutID) (TickReport, error) {
	report := TickReport{Rollout: id}
	status, err := runner.Run(w.LoadStatus(), id)
	if err != nil {
		return report, fmt.Errorf("load rollout %d: %w", id, err)
	}
	report.From, report.To = status, status

	for _, s := range w.stepsFor(status) {
		to, err := runner.Run(s, id)
		if err != nil {
			return report, fmt.Errorf("%s for rollout %d: %w", s.Name, id, err)
		}
		report.Steps = append(report.Steps, s.Name)
		report.To = to
	}
	return report, nil
}
