// Package dbosworkflows implements [domain.WorkflowEngine] using
// the DBOS Transact Go SDK.
package dbosworkflows

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Engine implements [domain.WorkflowEngine] backed by DBOS. Every tick
// step is checkpointed in Postgres, so a recovered tick skips the steps
// it already completed.
//
// The caller must call [dbos.Launch] after creating runners and before
// invoking them.
type Engine struct {
	DBOSCtx dbos.DBOSContext
}

func (e *Engine) RolloutRunner(wf *domain.RolloutWorkflow) (domain.RolloutRunner, error) {
	if wf == nil || wf.Handler == nil {
		return nil, fmt.Errorf("%w: rollout workflow needs a handler", domain.ErrInvalidArgument)
	}
	tick := func(ctx dbos.DBOSContext, id domain.RolloutID) (domain.TickReport, error) {
		return wf.Run(&stepRunner{ctx: ctx}, id)
	}
	dbos.RegisterWorkflow(e.DBOSCtx, tick, dbos.WithWorkflowName(wf.Name()))
	return &rolloutRunner{dbosCtx: e.DBOSCtx, tick: tick}, nil
}

// stepRunner checkpoints each step's resulting status with
// [dbos.RunAsStep].
type stepRunner struct {
	ctx dbos.DBOSContext
}

func (r *stepRunner) ID() string {
	id, _ := dbos.GetWorkflowID(r.ctx)
	return id
}

func (r *stepRunner) Run(step domain.Step, id domain.RolloutID) (domain.RolloutStatus, error) {
	return dbos.RunAsStep(r.ctx, func(ctx context.Context) (domain.RolloutStatus, error) {
		return step.Run(ctx, id)
	}, dbos.WithStepName(step.Name))
}

type rolloutRunner struct {
	dbosCtx dbos.DBOSContext
	tick    dbos.Workflow[domain.RolloutID, domain.TickReport]
}

func (r *rolloutRunner) Run(_ context.Context, id domain.RolloutID) (domain.TickHandle, error) {
	handle, err := dbos.RunWorkflow(r.dbosCtx, r.tick, id)
	if err != nil {
		return nil, fmt.Errorf("run DBOS tick for rollout %d: %w", id, err)
	}
	return &tickHandle{handle: handle}, nil
}

type tickHandle struct {
	handle dbos.WorkflowHandle[domain.TickReport]
}

func (h *tickHandle) WorkflowID() string {
	return h.handle.GetWorkflowID()
}

func (h *tickHandle) AwaitResult(context.Context) (domain.TickReport, error) {
	return h.handle.GetResult()
}
