// Package syncworkflow provides a synchronous, in-process [domain.WorkflowEngine].
// A rollout tick runs inline in the caller's goroutine with no persistence
// or replay. Suitable for tests and single-node deployments.
package syncworkflow

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Engine implements [domain.WorkflowEngine] with synchronous execution.
type Engine struct {
	ticks atomic.Int64
}

func (e *Engine) RolloutRunner(wf *domain.RolloutWorkflow) (domain.RolloutRunner, error) {
	if wf == nil || wf.Handler == nil {
		return nil, fmt.Errorf("%w: rollout workflow needs a handler", domain.ErrInvalidArgument)
	}
	return &rolloutRunner{engine: e, wf: wf}, nil
}

type rolloutRunner struct {
	engine *Engine
	wf     *domain.RolloutWorkflow
}

// Run executes the tick before returning; the handle only reports the
// outcome.
func (r *rolloutRunner) Run(ctx context.Context, id domain.RolloutID) (domain.TickHandle, error) {
	tickID := fmt.Sprintf("%s-%d-%d", r.wf.Name(), id, r.engine.ticks.Add(1))
	report, err := r.wf.Run(&inlineRunner{id: tickID, ctx: ctx}, id)
	return &handle{id: tickID, report: report, err: err}, nil
}

type inlineRunner struct {
	id  string
	ctx context.Context
}

func (r *inlineRunner) ID() string { return r.id }

func (r *inlineRunner) Run(step domain.Step, id domain.RolloutID) (domain.RolloutStatus, error) {
	if err := r.ctx.Err(); err != nil {
		return "", err
	}
	return step.Run(r.ctx, id)
}

type handle struct {
	id     string
	report domain.TickReport
	err    error
}

func (h *handle) WorkflowID() string { return h.id }

func (h *handle) AwaitResult(context.Context) (domain.TickReport, error) { return h.report, h.err }
