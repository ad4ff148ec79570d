package domain

import "context"

// Step is one named unit of a rollout tick. It returns the rollout's
// status once it is done. Steps may run more than once for the same
// tick, so each one re-reads the rollout before acting.
type Step struct {
	Name string
	Run  func(ctx context.Context, id RolloutID) (RolloutStatus, error)
}

// StepRunner executes the steps of one tick. Durable engines record the
// result of every completed step and hand it back on replay.
type StepRunner interface {
	ID() string
	Run(step Step, id RolloutID) (RolloutStatus, error)
}

// TickReport summarizes one tick of one rollout.
type TickReport struct {
	Rollout RolloutID     `json:"rollout"`
	From    RolloutStatus `json:"from"`
	To      RolloutStatus `json:"to"`
	Steps   []string      `json:"steps,omitempty"`
}

// Changed reports whether the tick moved the rollout to another status.
func (r TickReport) Changed() bool { return r.From != r.To }

// TickHandle is a handle to a started tick.
type TickHandle interface {
	WorkflowID() string
	AwaitResult(ctx context.Context) (TickReport, error)
}

// RolloutRunner starts rollout ticks.
type RolloutRunner interface {
	Run(ctx context.Context, id RolloutID) (TickHandle, error)
}

// WorkflowEngine turns a [RolloutWorkflow] into a runner. Infrastructure
// packages provide engine-specific implementations.
type WorkflowEngine interface {
	RolloutRunner(wf *RolloutWorkflow) (RolloutRunner, error)
}
