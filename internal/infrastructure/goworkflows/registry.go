// Package goworkflows implements [domain.WorkflowEngine] using
// cschleiden/go-workflows for durable workflow execution.
package goworkflows

import (
	"context"
	"fmt"
	"time"

	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/registry"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/cschleiden/go-workflows/workflow"
	"github.com/google/uuid"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Engine implements [domain.WorkflowEngine] backed by go-workflows. Each
// tick step runs as an activity, so a tick interrupted by a restart
// resumes after its last completed step.
type Engine struct {
	Worker *worker.Worker
	Client *client.Client
	// Timeout bounds how long AwaitResult waits for one tick.
	Timeout time.Duration
	// StepRetries is the number of attempts per step. Zero uses the
	// go-workflows default.
	StepRetries int
}

func (e *Engine) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 30 * time.Second
}

func (e *Engine) stepOptions() workflow.ActivityOptions {
	opts := workflow.DefaultActivityOptions
	if e.StepRetries > 0 {
		opts.RetryOptions.MaxAttempts = e.StepRetries
	}
	return opts
}

func (e *Engine) RolloutRunner(wf *domain.RolloutWorkflow) (domain.RolloutRunner, error) {
	registered := make(map[string]bool)
	for _, s := range wf.Steps() {
		if err := e.Worker.RegisterActivity(s.Run, registry.WithName(s.Name)); err != nil {
			return nil, fmt.Errorf("register step %q: %w", s.Name, err)
		}
		registered[s.Name] = true
	}

	opts := e.stepOptions()
	tick := func(ctx workflow.Context, id domain.RolloutID) (domain.TickReport, error) {
		return wf.Run(&stepRunner{wfCtx: ctx, registered: registered, opts: opts}, id)
	}
	if err := e.Worker.RegisterWorkflow(tick, registry.WithName(wf.Name())); err != nil {
		return nil, fmt.Errorf("register workflow %q: %w", wf.Name(), err)
	}

	return &rolloutRunner{
		client:  e.Client,
		wfName:  wf.Name(),
		timeout: e.timeout(),
	}, nil
}

// stepRunner schedules steps as activities of the running workflow
// instance. Only steps registered with the worker can run.
type stepRunner struct {
	wfCtx      workflow.Context
	registered map[string]bool
	opts       workflow.ActivityOptions
}

func (r *stepRunner) ID() string {
	return workflow.WorkflowInstance(r.wfCtx).InstanceID
}

func (r *stepRunner) Run(step domain.Step, id domain.RolloutID) (domain.RolloutStatus, error) {
	if !r.registered[step.Name] {
		return "", fmt.Errorf("step %q not registered", step.Name)
	}
	return workflow.ExecuteActivity[domain.RolloutStatus](r.wfCtx, r.opts, step.Name, id).Get(r.wfCtx)
}

type rolloutRunner struct {
	client  *client.Client
	wfName  string
	timeout time.Duration
}

func (r *rolloutRunner) Run(ctx context.Context, id domain.RolloutID) (domain.TickHandle, error) {
	instance, err := r.client.CreateWorkflowInstance(ctx, client.WorkflowInstanceOptions{
		InstanceID: fmt.Sprintf("rollout-%d-%s", id, uuid.NewString()),
	}, r.wfName, id)
	if err != nil {
		return nil, fmt.Errorf("create tick instance for rollout %d: %w", id, err)
	}
	return &tickHandle{client: r.client, instance: instance, timeout: r.timeout}, nil
}

type tickHandle struct {
	client   *client.Client
	instance *workflow.Instance
	timeout  time.Duration
}

func (h *tickHandle) WorkflowID() string {
	return h.instance.InstanceID
}

func (h *tickHandle) AwaitResult(ctx context.Context) (domain.TickReport, error) {
	return client.GetWorkflowResult[domain.TickReport](ctx, h.client, h.instance, h.timeout)
}
