// Package rollouttest provides an end-to-end rollout tick suite for
// [domain.WorkflowEngine] implementations. Every rollout step in the
// suite runs through the engine under test.
package rollouttest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/application"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Harness is one engine under test together with the store it ticks.
type Harness struct {
	Store  domain.Store
	Engine domain.WorkflowEngine
	// Launch is called after the rollout runner was created and before
	// the first tick. Optional.
	Launch func(t *testing.T)
}

// Factory creates a fresh [Harness] for each test invocation.
type Factory func(t *testing.T) Harness

type fixture struct {
	rollouts    *application.RolloutService
	controller  *application.ControllerService
	targets     *application.TargetService
	deployments *application.DeploymentService
	scheduler   *application.RolloutScheduler
	set         domain.DistributionSet
}

func setup(t *testing.T, h Harness, targets int) *fixture {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	executor := &application.RolloutExecutor{Store: h.Store, Now: now}
	runner, err := h.Engine.RolloutRunner(&domain.RolloutWorkflow{Handler: executor})
	if err != nil {
		t.Fatalf("RolloutRunner: %v", err)
	}
	if h.Launch != nil {
		h.Launch(t)
	}

	sets := &application.DistributionSetService{Store: h.Store, Now: now}
	if _, err := sets.CreateType(ctx, domain.DistributionSetType{Key: "os", MandatoryModuleTypes: []string{"os"}}); err != nil {
		t.Fatalf("CreateType: %v", err)
	}
	m, err := sets.CreateModule(ctx, domain.SoftwareModule{Type: "os", Name: "firmware", SoftwareVersion: "2.0"})
	if err != nil {
		t.Fatalf("CreateModule: %v", err)
	}
	ds, err := sets.Create(ctx, application.CreateDistributionSetInput{
		Name: "fw", SoftwareVersion: "2.0", Type: "os", Modules: []domain.SoftwareModuleID{m.ID},
	})
	if err != nil {
		t.Fatalf("Create distribution set: %v", err)
	}

	targetSvc := &application.TargetService{Store: h.Store, Now: now}
	for i := range targets {
		if _, err := targetSvc.Register(ctx, domain.TargetID(fmt.Sprintf("dev-%02d", i)), ""); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	return &fixture{
		rollouts:    &application.RolloutService{Store: h.Store, Now: now},
		controller:  &application.ControllerService{Store: h.Store, Now: now},
		targets:     targetSvc,
		deployments: &application.DeploymentService{Store: h.Store, Now: now},
		scheduler:   &application.RolloutScheduler{Store: h.Store, Runner: runner, Now: now},
		set:         ds,
	}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if err := f.scheduler.HandleAll(context.Background()); err != nil {
		t.Fatalf("HandleAll: %v", err)
	}
}

func (f *fixture) groupStatuses(t *testing.T, id domain.RolloutID) []domain.RolloutGroupStatus {
	t.Helper()
	groups, err := f.rollouts.ListGroups(context.Background(), id)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	out := make([]domain.RolloutGroupStatus, len(groups))
	for i, g := range groups {
		out[i] = g.Status
	}
	return out
}

func (f *fixture) runningActions(t *testing.T, id domain.RolloutID) []domain.ActionID {
	t.Helper()
	groups, err := f.rollouts.ListGroups(context.Background(), id)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	var ids []domain.ActionID
	for _, g := range groups {
		if g.Status != domain.RolloutGroupStatusRunning {
			continue
		}
		members, err := f.rollouts.ListGroupTargets(context.Background(), g.ID, domain.PageRequest{})
		if err != nil {
			t.Fatalf("ListGroupTargets: %v", err)
		}
		for _, target := range members.Items {
			a, ok, err := f.controller.Poll(context.Background(), target)
			if err != nil {
				t.Fatalf("Poll %s: %v", target, err)
			}
			if ok {
				ids = append(ids, a.ID)
			}
		}
	}
	return ids
}

func (f *fixture) start(t *testing.T, in application.CreateRolloutInput) domain.Rollout {
	t.Helper()
	ctx := context.Background()
	r, err := f.rollouts.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create rollout: %v", err)
	}
	f.tick(t)
	if got, _ := f.rollouts.Get(ctx, r.ID); got.Status != domain.RolloutStatusReady {
		t.Fatalf("after first tick: status = %s, want %s", got.Status, domain.RolloutStatusReady)
	}
	if err := f.rollouts.Start(ctx, r.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.tick(t)
	got, err := f.rollouts.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.RolloutStatusRunning {
		t.Fatalf("after start tick: status = %s, want %s", got.Status, domain.RolloutStatusRunning)
	}
	return got
}

func (f *fixture) feedback(t *testing.T, ids []domain.ActionID, status domain.ActionStatus) {
	t.Helper()
	for _, id := range ids {
		if _, err := f.controller.AddFeedback(context.Background(), id, domain.Feedback{Status: status}); err != nil {
			t.Fatalf("AddFeedback %d: %v", id, err)
		}
	}
}

func (f *fixture) status(t *testing.T, id domain.RolloutID) domain.RolloutStatus {
	t.Helper()
	r, err := f.rollouts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return r.Status
}

func (f *fixture) members(t *testing.T, id domain.RolloutID, position int) []domain.TargetID {
	t.Helper()
	groups, err := f.rollouts.ListGroups(context.Background(), id)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	for _, g := range groups {
		if g.Position != position {
			continue
		}
		page, err := f.rollouts.ListGroupTargets(context.Background(), g.ID, domain.PageRequest{})
		if err != nil {
			t.Fatalf("ListGroupTargets: %v", err)
		}
		return page.Items
	}
	t.Fatalf("rollout %d has no group at position %d", id, position)
	return nil
}

func ptr[T any](v T) *T { return &v }

// Run exercises rollout ticks through the engine produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GroupAdvancesOnSuccessThreshold", func(t *testing.T) {
		f := setup(t, factory(t), 10)
		ctx := context.Background()
		r := f.start(t, application.CreateRolloutInput{
			Name:         "wave",
			TargetFilter: "id==dev-*",
			SetID:        f.set.ID,
			Amount:       5,
			Conditions:   &domain.GroupConditions{SuccessThreshold: 50, ErrorThreshold: ptr(80.0), ErrorAction: domain.GroupErrorActionPause},
		})

		counts, err := f.rollouts.TotalTargetCount(ctx, r.ID)
		if err != nil {
			t.Fatalf("TotalTargetCount: %v", err)
		}
		if counts.ByStatus[domain.TargetCountRunning] != 2 || counts.ByStatus[domain.TargetCountScheduled] != 8 {
			t.Fatalf("counts = %v, want 2 running and 8 scheduled", counts.ByStatus)
		}

		running := f.runningActions(t, r.ID)
		if len(running) != 2 {
			t.Fatalf("running actions = %d, want 2", len(running))
		}
		if _, err := f.controller.AddFeedback(ctx, running[0], domain.Feedback{Status: domain.ActionStatusFinished}); err != nil {
			t.Fatalf("AddFeedback: %v", err)
		}
		f.tick(t)

		got := f.groupStatuses(t, r.ID)
		want := []domain.RolloutGroupStatus{
			domain.RolloutGroupStatusFinished,
			domain.RolloutGroupStatusRunning,
			domain.RolloutGroupStatusScheduled,
			domain.RolloutGroupStatusScheduled,
			domain.RolloutGroupStatusScheduled,
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("group statuses = %v, want %v", got, want)
		}
	})

	t.Run("ErrorThresholdPausesRollout", func(t *testing.T) {
		f := setup(t, factory(t), 4)
		ctx := context.Background()
		r := f.start(t, application.CreateRolloutInput{
			Name:         "risky",
			TargetFilter: "",
			SetID:        f.set.ID,
			Amount:       2,
			Conditions:   &domain.GroupConditions{SuccessThreshold: 100, ErrorThreshold: ptr(50.0), ErrorAction: domain.GroupErrorActionPause},
		})

		running := f.runningActions(t, r.ID)
		if len(running) != 2 {
			t.Fatalf("running actions = %d, want 2", len(running))
		}
		if _, err := f.controller.AddFeedback(ctx, running[0], domain.Feedback{Status: domain.ActionStatusError}); err != nil {
			t.Fatalf("AddFeedback: %v", err)
		}
		f.tick(t)

		got, err := f.rollouts.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != domain.RolloutStatusPaused {
			t.Errorf("status = %s, want %s", got.Status, domain.RolloutStatusPaused)
		}
		if s := f.groupStatuses(t, r.ID); s[0] != domain.RolloutGroupStatusError || s[1] != domain.RolloutGroupStatusScheduled {
			t.Errorf("group statuses = %v, want [ERROR SCHEDULED]", s)
		}
	})

	t.Run("ErroredGroupDoesNotBlockCompletion", func(t *testing.T) {
		f := setup(t, factory(t), 4)
		ctx := context.Background()
		r := f.start(t, application.CreateRolloutInput{
			Name:       "recovering",
			SetID:      f.set.ID,
			Amount:     2,
			Conditions: &domain.GroupConditions{SuccessThreshold: 100, ErrorThreshold: ptr(50.0), ErrorAction: domain.GroupErrorActionPause},
		})

		first := f.runningActions(t, r.ID)
		if len(first) != 2 {
			t.Fatalf("running actions = %d, want 2", len(first))
		}
		f.feedback(t, first[:1], domain.ActionStatusError)
		f.tick(t)
		if got := f.status(t, r.ID); got != domain.RolloutStatusPaused {
			t.Fatalf("status = %s, want %s", got, domain.RolloutStatusPaused)
		}

		if err := f.rollouts.Resume(ctx, r.ID); err != nil {
			t.Fatalf("Resume: %v", err)
		}
		f.tick(t)
		if s := f.groupStatuses(t, r.ID); fmt.Sprint(s) != fmt.Sprint([]domain.RolloutGroupStatus{domain.RolloutGroupStatusError, domain.RolloutGroupStatusRunning}) {
			t.Fatalf("group statuses after resume = %v, want [ERROR RUNNING]", s)
		}

		second := f.runningActions(t, r.ID)
		if len(second) != 2 {
			t.Fatalf("running actions of second group = %d, want 2", len(second))
		}
		f.feedback(t, second, domain.ActionStatusFinished)
		f.tick(t)

		if got := f.status(t, r.ID); got != domain.RolloutStatusFinished {
			t.Errorf("status = %s, want %s", got, domain.RolloutStatusFinished)
		}
		want := []domain.RolloutGroupStatus{domain.RolloutGroupStatusError, domain.RolloutGroupStatusFinished}
		if s := f.groupStatuses(t, r.ID); fmt.Sprint(s) != fmt.Sprint(want) {
			t.Errorf("group statuses = %v, want %v", s, want)
		}
	})

	t.Run("DynamicGroupTakesOnlyNewTargets", func(t *testing.T) {
		f := setup(t, factory(t), 2)
		ctx := context.Background()
		r := f.start(t, application.CreateRolloutInput{
			Name:            "fleet",
			SetID:           f.set.ID,
			Amount:          1,
			DynamicTemplate: &domain.DynamicGroupTemplate{NameSuffix: "-dynamic", TargetCount: 2},
		})
		if got := f.members(t, r.ID, 1); fmt.Sprint(got) != "[dev-00 dev-01]" {
			t.Fatalf("static members = %v, want [dev-00 dev-01]", got)
		}

		f.feedback(t, f.runningActions(t, r.ID), domain.ActionStatusFinished)
		f.tick(t)
		want := []domain.RolloutGroupStatus{domain.RolloutGroupStatusFinished, domain.RolloutGroupStatusRunning}
		if s := f.groupStatuses(t, r.ID); fmt.Sprint(s) != fmt.Sprint(want) {
			t.Fatalf("group statuses = %v, want %v", s, want)
		}
		if got := f.members(t, r.ID, 2); len(got) != 0 {
			t.Fatalf("dynamic members before new targets = %v, want none", got)
		}

		for _, id := range []domain.TargetID{"dev-02", "dev-03"} {
			if _, err := f.targets.Register(ctx, id, ""); err != nil {
				t.Fatalf("Register %s: %v", id, err)
			}
		}
		f.tick(t)

		groups, err := f.rollouts.ListGroups(ctx, r.ID)
		if err != nil {
			t.Fatalf("ListGroups: %v", err)
		}
		if len(groups) != 2 || groups[1].Name != "group-2-dynamic" || groups[1].Status != domain.RolloutGroupStatusRunning {
			t.Fatalf("groups = %+v, want group-2-dynamic running", groups)
		}
		if got := f.members(t, r.ID, 2); fmt.Sprint(got) != "[dev-02 dev-03]" {
			t.Errorf("dynamic members = %v, want [dev-02 dev-03]", got)
		}
		if got := f.runningActions(t, r.ID); len(got) != 2 {
			t.Errorf("running actions = %d, want 2", len(got))
		}
		for _, id := range []domain.TargetID{"dev-00", "dev-01"} {
			n, err := f.deployments.CountActionsByTarget(ctx, id)
			if err != nil {
				t.Fatalf("CountActionsByTarget %s: %v", id, err)
			}
			if n != 1 {
				t.Errorf("%s has %d actions, want 1", id, n)
			}
		}

		// The full group stays running and the next target opens a new one.
		if _, err := f.targets.Register(ctx, "dev-04", ""); err != nil {
			t.Fatalf("Register dev-04: %v", err)
		}
		f.tick(t)
		want = []domain.RolloutGroupStatus{domain.RolloutGroupStatusFinished, domain.RolloutGroupStatusRunning, domain.RolloutGroupStatusScheduled}
		if s := f.groupStatuses(t, r.ID); fmt.Sprint(s) != fmt.Sprint(want) {
			t.Errorf("group statuses = %v, want %v", s, want)
		}
		if got := f.members(t, r.ID, 3); fmt.Sprint(got) != "[dev-04]" {
			t.Errorf("third group members = %v, want [dev-04]", got)
		}
		if got := f.status(t, r.ID); got != domain.RolloutStatusRunning {
			t.Errorf("status = %s, want %s", got, domain.RolloutStatusRunning)
		}
	})

	t.Run("DeleteRunningRolloutKeepsItMarkedDeleted", func(t *testing.T) {
		f := setup(t, factory(t), 4)
		ctx := context.Background()
		r := f.start(t, application.CreateRolloutInput{
			Name:   "doomed",
			SetID:  f.set.ID,
			Amount: 2,
		})
		if err := f.rollouts.Delete(ctx, r.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		f.tick(t)

		got, err := f.rollouts.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != domain.RolloutStatusDeleted || !got.Deleted {
			t.Errorf("rollout = %s deleted=%v, want %s deleted=true", got.Status, got.Deleted, domain.RolloutStatusDeleted)
		}
		counts, err := f.rollouts.TotalTargetCount(ctx, r.ID)
		if err != nil {
			t.Fatalf("TotalTargetCount: %v", err)
		}
		if counts.ByStatus[domain.TargetCountCancelled] != 2 || counts.ByStatus[domain.TargetCountScheduled] != 0 {
			t.Errorf("counts = %v, want 2 cancelled and no scheduled", counts.ByStatus)
		}
	})
}
