package application_test

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetshift/fleetshift-rollouts/internal/application"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/sqlite"
)

// tenantConfig is a mutable config source; tests flip switches between
// calls.
type tenantConfig struct {
	cfg domain.TenantConfig
}

func (c *tenantConfig) Snapshot(context.Context) (domain.TenantConfig, error) {
	return c.cfg, nil
}

type testHarness struct {
	cfg           *tenantConfig
	quotas        *application.QuotaGuard
	sets          *application.DistributionSetService
	targets       *application.TargetService
	deployments   *application.DeploymentService
	controller    *application.ControllerService
	confirmations *application.ConfirmationService
	rollouts      *application.RolloutService
	executor      *application.RolloutExecutor
}

func setup(t *testing.T) *testHarness {
	t.Helper()
	store := sqlite.OpenTestStore(t)
	now := func() time.Time { return time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC) }
	cfg := &tenantConfig{cfg: domain.DefaultTenantConfig()}
	quotas := &application.QuotaGuard{Limits: domain.DefaultQuotas()}

	executor := &application.RolloutExecutor{Store: store, Config: cfg, Quotas: quotas, Now: now}
	return &testHarness{
		cfg:           cfg,
		quotas:        quotas,
		sets:          &application.DistributionSetService{Store: store, Now: now},
		targets:       &application.TargetService{Store: store, Quotas: quotas, Now: now},
		deployments:   &application.DeploymentService{Store: store, Config: cfg, Quotas: quotas, Now: now},
		controller:    &application.ControllerService{Store: store, Config: cfg, Quotas: quotas, Now: now},
		confirmations: &application.ConfirmationService{Store: store, Quotas: quotas, Now: now},
		rollouts:      &application.RolloutService{Store: store, Quotas: quotas, Executor: executor, Now: now},
		executor:      executor,
	}
}

func (h *testHarness) newSet(t *testing.T, name string) domain.DistributionSet {
	t.Helper()
	ctx := context.Background()
	if _, err := h.sets.CreateType(ctx, domain.DistributionSetType{Key: "os", MandatoryModuleTypes: []string{"os"}}); err != nil {
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
	}
	m, err := h.sets.CreateModule(ctx, domain.SoftwareModule{Type: "os", Name: name, SoftwareVersion: "1.0"})
	require.NoError(t, err)
	ds, err := h.sets.Create(ctx, application.CreateDistributionSetInput{
		Name: name, SoftwareVersion: "1.0", Type: "os", Modules: []domain.SoftwareModuleID{m.ID},
	})
	require.NoError(t, err)
	return ds
}

func (h *testHarness) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.targets.Register(context.Background(), domain.TargetID(id), "")
		require.NoError(t, err)
	}
}

func (h *testHarness) assign(t *testing.T, target string, ds domain.DistributionSet) domain.Action {
	t.Helper()
	res, err := h.deployments.Assign(context.Background(), []domain.DeploymentRequest{
		{TargetID: domain.TargetID(target), SetID: ds.ID},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Actions, 1)
	return res[0].Actions[0]
}

func (h *testHarness) history(t *testing.T, id domain.ActionID) []domain.ActionStatus {
	t.Helper()
	page, err := h.deployments.FindActionStatusHistory(context.Background(), id, domain.PageRequest{})
	require.NoError(t, err)
	var out []domain.ActionStatus
	for _, e := range page.Items {
		out = append(out, e.Status)
	}
	return out
}

func TestRegister_IsIdempotent(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	first, err := h.targets.Register(ctx, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetUpdateStatusRegistered, first.UpdateStatus)
	assert.Equal(t, "dev-1", first.Name)

	again, err := h.targets.Register(ctx, "dev-1", "other")
	require.NoError(t, err)
	assert.Equal(t, first.Name, again.Name)
}

func TestUpdateAttributes_Modes(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.register(t, "dev-1")

	got, err := h.targets.UpdateAttributes(ctx, "dev-1", map[string]string{"a": "1", "b": "2"}, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got.Attributes)

	got, err = h.targets.UpdateAttributes(ctx, "dev-1", map[string]string{"a": "x"}, application.AttributesRemove)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, got.Attributes)

	got, err = h.targets.UpdateAttributes(ctx, "dev-1", map[string]string{"c": "3"}, application.AttributesReplace)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c": "3"}, got.Attributes)

	h.quotas.Limits.MaxAttributeEntriesPerTarget = 1
	_, err = h.targets.UpdateAttributes(ctx, "dev-1", map[string]string{"d": "4"}, application.AttributesMerge)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestAssign_FinishedFeedbackBringsTargetInSync(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")

	a := h.assign(t, "dev-1", ds)
	assert.Equal(t, domain.ActionStatusRunning, a.Status)

	target, err := h.targets.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetUpdateStatusPending, target.UpdateStatus)
	require.NotNil(t, target.AssignedSet)
	assert.Equal(t, ds.ID, *target.AssignedSet)

	polled, ok, err := h.controller.Poll(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, polled.ID)

	closed, err := h.controller.AddFeedback(ctx, a.ID, domain.Feedback{Status: domain.ActionStatusFinished, Messages: []string{"installed"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusFinished, closed.Status)
	assert.False(t, closed.Active)

	target, err = h.targets.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetUpdateStatusInSync, target.UpdateStatus)
	require.NotNil(t, target.InstalledSet)
	assert.Equal(t, ds.ID, *target.InstalledSet)
	assert.True(t, target.RequestAttributes)

	_, ok, err = h.controller.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Reassigning the installed set is a no-op.
	res, err := h.deployments.Assign(ctx, []domain.DeploymentRequest{{TargetID: "dev-1", SetID: ds.ID}})
	require.NoError(t, err)
	assert.Equal(t, 0, res[0].Assigned)
	assert.Equal(t, 1, res[0].AlreadyAssigned)
}

func TestAssign_LocksDistributionSet(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	extra, err := h.sets.CreateModule(ctx, domain.SoftwareModule{Type: "os", Name: "extra", SoftwareVersion: "1.0"})
	require.NoError(t, err)
	h.register(t, "dev-1")

	h.assign(t, "dev-1", ds)

	got, err := h.sets.Get(ctx, ds.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked)
	_, err = h.sets.AssignModules(ctx, ds.ID, []domain.SoftwareModuleID{extra.ID})
	require.ErrorIs(t, err, domain.ErrLocked)
}

func TestAssign_MultiAssignmentRequired(t *testing.T) {
	h := setup(t)
	a, b := h.newSet(t, "a"), h.newSet(t, "b")
	h.register(t, "dev-1")

	_, err := h.deployments.Assign(context.Background(), []domain.DeploymentRequest{
		{TargetID: "dev-1", SetID: a.ID},
		{TargetID: "dev-1", SetID: b.ID},
	})
	require.ErrorIs(t, err, domain.ErrMultiAssignmentRequired)
}

func TestAssign_IncompatibleTargetTypeRejectsBatch(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	_, err := h.targets.CreateType(ctx, domain.TargetType{Name: "gateway", CompatibleSetTypes: []string{"app"}})
	require.NoError(t, err)
	h.register(t, "dev-1")
	_, err = h.targets.Create(ctx, domain.Target{ID: "gw-1", TypeName: "gateway"})
	require.NoError(t, err)

	_, err = h.deployments.Assign(ctx, []domain.DeploymentRequest{
		{TargetID: "dev-1", SetID: ds.ID},
		{TargetID: "gw-1", SetID: ds.ID},
	})
	require.ErrorIs(t, err, domain.ErrIncompatible)

	n, err := h.deployments.CountActionsByTarget(ctx, "dev-1")
	require.NoError(t, err)
	assert.Zero(t, n, "rejected batch must not create actions")
}

func TestPoll_HighestWeightWins(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.cfg.cfg.MultiAssignmentsEnabled = true
	h.register(t, "dev-1")

	weights := []*int{ptr(500), ptr(500), ptr(1000), nil}
	var ids []domain.ActionID
	for i, w := range weights {
		ds := h.newSet(t, fmt.Sprintf("set-%d", i))
		res, err := h.deployments.Assign(ctx, []domain.DeploymentRequest{{TargetID: "dev-1", SetID: ds.ID, Weight: w}})
		require.NoError(t, err)
		ids = append(ids, res[0].Actions[0].ID)
	}

	a, ok, err := h.controller.Poll(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, ok)
	// The absent weight counts as the maximum; ties go to the older action.
	assert.Equal(t, ids[2], a.ID)

	h.cfg.cfg.ActionWeightIfAbsent = 0
	a, _, err = h.controller.Poll(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, ids[2], a.ID)
}

func TestOfflineAssign_PurgesOldestClosedActions(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.quotas.Limits.MaxActionsPerTarget = 20
	h.register(t, "dev-1")
	a, b := h.newSet(t, "a"), h.newSet(t, "b")

	var ids []domain.ActionID
	for i := range 20 {
		ds := a
		if i%2 == 1 {
			ds = b
		}
		res, err := h.deployments.OfflineAssign(ctx, []domain.DeploymentRequest{{TargetID: "dev-1", SetID: ds.ID}})
		require.NoError(t, err)
		ids = append(ids, res[0].Actions[0].ID)
	}
	n, err := h.deployments.CountActionsByTarget(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, 20, n)

	_, err = h.deployments.OfflineAssign(ctx, []domain.DeploymentRequest{{TargetID: "dev-1", SetID: a.ID}})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// ceil(20 * 25%) = 5 of the oldest closed actions make room.
	h.cfg.cfg.PurgeOnQuotaPercentage = 25
	res, err := h.deployments.OfflineAssign(ctx, []domain.DeploymentRequest{{TargetID: "dev-1", SetID: a.ID}})
	require.NoError(t, err)

	page, err := h.deployments.FindActionsByTarget(ctx, "dev-1", domain.PageRequest{})
	require.NoError(t, err)
	var got []domain.ActionID
	for _, act := range page.Items {
		got = append(got, act.ID)
	}
	want := append(slices.Clone(ids[5:]), res[0].Actions[0].ID)
	assert.Len(t, got, 16)
	assert.Equal(t, want, got)
}

func TestCancel_RejectedThenFinished(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")
	a := h.assign(t, "dev-1", ds)

	canceling, err := h.deployments.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusCanceling, canceling.Status)

	back, err := h.controller.AddFeedback(ctx, a.ID, domain.Feedback{Status: domain.ActionStatusCancelRejected})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusRunning, back.Status)
	assert.True(t, back.Active)

	_, err = h.deployments.Cancel(ctx, a.ID)
	require.NoError(t, err)
	done, err := h.controller.AddFeedback(ctx, a.ID, domain.Feedback{Status: domain.ActionStatusFinished})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusFinished, done.Status)
	assert.False(t, done.Active)

	target, err := h.targets.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetUpdateStatusInSync, target.UpdateStatus)
}

func TestForceQuit_RequiresCanceling(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")
	a := h.assign(t, "dev-1", ds)

	_, err := h.deployments.ForceQuit(ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrForceQuitNotAllowed)

	_, err = h.deployments.Cancel(ctx, a.ID)
	require.NoError(t, err)
	quit, err := h.deployments.ForceQuit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusCanceled, quit.Status)
	assert.False(t, quit.Active)
}

func TestConfirmation_ConfirmAndDeny(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.cfg.cfg.ConfirmationFlowEnabled = true
	ds, other := h.newSet(t, "fw"), h.newSet(t, "other")
	h.register(t, "dev-1", "dev-2")

	a := h.assign(t, "dev-1", ds)
	require.Equal(t, domain.ActionStatusWaitForConfirmation, a.Status)

	before := h.history(t, a.ID)
	confirmed, err := h.confirmations.Confirm(ctx, a.ID, "alice", "go ahead")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusRunning, confirmed.Status)
	after := h.history(t, a.ID)
	require.Len(t, after, len(before)+1)
	assert.Equal(t, domain.ActionStatusRunning, after[len(after)-1])
	assert.NotContains(t, before, domain.ActionStatusRunning)
	_, err = h.confirmations.Confirm(ctx, a.ID, "alice", "")
	require.ErrorIs(t, err, domain.ErrNotAwaitingConfirmation)

	b := h.assign(t, "dev-2", other)
	denied, err := h.confirmations.Deny(ctx, b.ID, "bob", "not now")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusWaitForConfirmation, denied.Status)
	assert.NotContains(t, h.history(t, b.ID), domain.ActionStatusRunning)
}

func TestAutoConfirmation_ConfirmsWaitingActions(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.cfg.cfg.ConfirmationFlowEnabled = true
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")
	a := h.assign(t, "dev-1", ds)

	status, err := h.confirmations.ActivateAutoConfirmation(ctx, "dev-1", "ops", "fleet policy")
	require.NoError(t, err)
	assert.Equal(t, "ops", status.Initiator)

	got, err := h.deployments.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusRunning, got.Status)

	_, err = h.confirmations.ActivateAutoConfirmation(ctx, "dev-1", "ops", "")
	require.ErrorIs(t, err, domain.ErrAutoConfirmationActive)

	require.NoError(t, h.confirmations.DeactivateAutoConfirmation(ctx, "dev-1"))
	require.NoError(t, h.confirmations.DeactivateAutoConfirmation(ctx, "dev-1"))
	current, err := h.confirmations.AutoConfirmationStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestFeedback_ClosedActionPolicy(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")
	a := h.assign(t, "dev-1", ds)

	_, err := h.controller.AddFeedback(ctx, a.ID, domain.Feedback{Status: domain.ActionStatusError})
	require.NoError(t, err)
	before := len(h.history(t, a.ID))

	_, err = h.controller.AddFeedback(ctx, a.ID, domain.Feedback{Status: domain.ActionStatusRunning, Messages: []string{"late"}})
	require.NoError(t, err)
	assert.Len(t, h.history(t, a.ID), before+1)

	h.cfg.cfg.RejectFeedbackAfterClose = true
	_, err = h.controller.AddFeedback(ctx, a.ID, domain.Feedback{Status: domain.ActionStatusRunning})
	require.NoError(t, err)
	assert.Len(t, h.history(t, a.ID), before+1)

	target, err := h.targets.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetUpdateStatusError, target.UpdateStatus)
}

func TestFeedback_MessageQuota(t *testing.T) {
	h := setup(t)
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")
	a := h.assign(t, "dev-1", ds)
	h.quotas.Limits.MaxMessagesPerStatusEntry = 1

	_, err := h.controller.AddFeedback(context.Background(), a.ID, domain.Feedback{
		Status:   domain.ActionStatusRunning,
		Messages: []string{"one", "two"},
	})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestRollout_SplitsTargetsIntoGroups(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	for i := range 10 {
		h.register(t, fmt.Sprintf("dev-%02d", i))
	}

	r, err := h.rollouts.Create(ctx, application.CreateRolloutInput{
		Name:       "wave",
		SetID:      ds.ID,
		Amount:     5,
		Conditions: &domain.GroupConditions{SuccessThreshold: 50, ErrorThreshold: ptr(80.0), ErrorAction: domain.GroupErrorActionPause},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutStatusCreating, r.Status)
	assert.Equal(t, 10, r.TotalTargets)

	require.NoError(t, h.executor.FillGroups(ctx, r.ID))
	groups, err := h.rollouts.ListGroups(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, groups, 5)
	seen := map[domain.TargetID]bool{}
	for _, g := range groups {
		assert.Equal(t, domain.RolloutGroupStatusReady, g.Status)
		assert.Equal(t, 2, g.TotalTargets, "group %s", g.Name)
		members, err := h.rollouts.ListGroupTargets(ctx, g.ID, domain.PageRequest{})
		require.NoError(t, err)
		for _, m := range members.Items {
			assert.False(t, seen[m], "target %s in two groups", m)
			seen[m] = true
		}
	}
	assert.Len(t, seen, 10)

	require.NoError(t, h.rollouts.Start(ctx, r.ID))
	got, err := h.rollouts.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutStatusRunning, got.Status)

	counts, err := h.rollouts.TotalTargetCount(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.ByStatus[domain.TargetCountRunning])
	assert.Equal(t, 8, counts.ByStatus[domain.TargetCountScheduled])

	// Manual trigger starts the next group while the first keeps running.
	require.NoError(t, h.rollouts.TriggerNextGroup(ctx, r.ID))
	statuses := groupStatuses(t, h, r.ID)
	assert.Equal(t, []domain.RolloutGroupStatus{
		domain.RolloutGroupStatusRunning,
		domain.RolloutGroupStatusRunning,
		domain.RolloutGroupStatusScheduled,
		domain.RolloutGroupStatusScheduled,
		domain.RolloutGroupStatusScheduled,
	}, statuses)
}

func TestRollout_PauseResumeStop(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1", "dev-2")

	r, err := h.rollouts.Create(ctx, application.CreateRolloutInput{Name: "r", SetID: ds.ID, Amount: 2})
	require.NoError(t, err)
	require.ErrorIs(t, h.rollouts.Pause(ctx, r.ID), domain.ErrIllegalState)

	require.NoError(t, h.executor.FillGroups(ctx, r.ID))
	require.NoError(t, h.rollouts.Start(ctx, r.ID))
	require.NoError(t, h.rollouts.Pause(ctx, r.ID))
	require.NoError(t, h.rollouts.Resume(ctx, r.ID))
	require.NoError(t, h.rollouts.Stop(ctx, r.ID))

	got, err := h.rollouts.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutStatusStopped, got.Status)
	for _, s := range groupStatuses(t, h, r.ID) {
		assert.Equal(t, domain.RolloutGroupStatusFinished, s)
	}
	counts, err := h.rollouts.TotalTargetCount(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, counts.ByStatus[domain.TargetCountScheduled])

	// The started action waits for the device to acknowledge the cancel.
	var canceling int
	for _, id := range []domain.TargetID{"dev-1", "dev-2"} {
		a, ok, err := h.controller.Poll(ctx, id)
		require.NoError(t, err)
		if ok {
			assert.Equal(t, domain.ActionStatusCanceling, a.Status)
			canceling++
		}
	}
	assert.Equal(t, 1, canceling)
}

func TestRollout_DeleteBeforeStartIsHard(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")

	r, err := h.rollouts.Create(ctx, application.CreateRolloutInput{Name: "r", SetID: ds.ID, Amount: 1})
	require.NoError(t, err)
	require.NoError(t, h.executor.FillGroups(ctx, r.ID))
	require.NoError(t, h.rollouts.Delete(ctx, r.ID))

	_, err = h.rollouts.Get(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRollout_ApprovalGate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.cfg.cfg.RolloutApprovalEnabled = true
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")

	r, err := h.rollouts.Create(ctx, application.CreateRolloutInput{Name: "r", SetID: ds.ID, Amount: 1})
	require.NoError(t, err)
	require.NoError(t, h.executor.FillGroups(ctx, r.ID))

	got, err := h.rollouts.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RolloutStatusWaitingForApproval, got.Status)
	require.ErrorIs(t, h.rollouts.Start(ctx, r.ID), domain.ErrIllegalState)

	require.NoError(t, h.rollouts.Approve(ctx, r.ID, true, "looks good"))
	got, err = h.rollouts.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutStatusReady, got.Status)
}

func TestRollout_CreateValidation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")

	tests := []struct {
		name string
		in   application.CreateRolloutInput
	}{
		{"missing name", application.CreateRolloutInput{SetID: ds.ID, Amount: 1}},
		{"no groups", application.CreateRolloutInput{Name: "r", SetID: ds.ID}},
		{"bad filter", application.CreateRolloutInput{Name: "r", SetID: ds.ID, Amount: 1, TargetFilter: "colour==red"}},
		{"weight out of range", application.CreateRolloutInput{Name: "r", SetID: ds.ID, Amount: 1, Weight: ptr(1001)}},
		{"timeforced without time", application.CreateRolloutInput{Name: "r", SetID: ds.ID, Amount: 1, ActionType: domain.ActionTypeTimeForced}},
		{"no matching targets", application.CreateRolloutInput{Name: "r", SetID: ds.ID, Amount: 1, TargetFilter: "id==nobody"}},
		{"percentages leave targets out", application.CreateRolloutInput{Name: "r", SetID: ds.ID, Groups: []application.GroupDefinition{{TargetPercentage: 40}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.rollouts.Create(ctx, tt.in)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func groupStatuses(t *testing.T, h *testHarness, id domain.RolloutID) []domain.RolloutGroupStatus {
	t.Helper()
	groups, err := h.rollouts.ListGroups(context.Background(), id)
	require.NoError(t, err)
	slices.SortFunc(groups, func(a, b domain.RolloutGroup) int { return a.Position - b.Position })
	out := make([]domain.RolloutGroupStatus, len(groups))
	for i, g := range groups {
		out[i] = g.Status
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestFindActiveActionWithHighestWeight_Order(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.cfg.cfg.MultiAssignmentsEnabled = true
	h.cfg.cfg.ActionWeightIfAbsent = 0
	h.register(t, "dev-1")

	var ids []domain.ActionID
	for i, w := range []*int{nil, ptr(500), ptr(500), ptr(1000)} {
		ds := h.newSet(t, fmt.Sprintf("set-%d", i))
		res, err := h.deployments.Assign(ctx, []domain.DeploymentRequest{{TargetID: "dev-1", SetID: ds.ID, Weight: w}})
		require.NoError(t, err)
		ids = append(ids, res[0].Actions[0].ID)
	}

	for _, want := range []domain.ActionID{ids[3], ids[1], ids[2], ids[0]} {
		a, ok, err := h.deployments.FindActiveActionWithHighestWeight(ctx, "dev-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, a.ID)
		_, err = h.controller.AddFeedback(ctx, a.ID, domain.Feedback{Status: domain.ActionStatusFinished})
		require.NoError(t, err)
	}

	_, ok, err := h.deployments.FindActiveActionWithHighestWeight(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := h.deployments.CountActionsByTarget(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestInvalidate_CancelsActions(t *testing.T) {
	tests := []struct {
		name       string
		cancel     application.CancelationType
		wantStatus domain.ActionStatus
		wantActive bool
	}{
		{"none", application.CancelationNone, domain.ActionStatusRunning, true},
		{"soft", application.CancelationSoft, domain.ActionStatusCanceling, true},
		{"force", application.CancelationForce, domain.ActionStatusCanceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			ds := h.newSet(t, "fw")
			h.register(t, "dev-1")
			a := h.assign(t, "dev-1", ds)

			require.NoError(t, h.sets.Invalidate(ctx, ds.ID, application.InvalidateOptions{Cancelation: tt.cancel}))

			got, err := h.deployments.GetAction(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantActive, got.Active)

			set, err := h.sets.Get(ctx, ds.ID)
			require.NoError(t, err)
			assert.False(t, set.Valid)

			h.register(t, "dev-2")
			_, err = h.deployments.Assign(ctx, []domain.DeploymentRequest{{TargetID: "dev-2", SetID: ds.ID}})
			assert.ErrorIs(t, err, domain.ErrIncompatible)
		})
	}
}

func TestDeleteDistributionSet_SoftOnceReferenced(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	unused := h.newSet(t, "unused")
	used := h.newSet(t, "used")
	h.register(t, "dev-1")
	h.assign(t, "dev-1", used)

	require.NoError(t, h.sets.Delete(ctx, unused.ID))
	_, err := h.sets.Get(ctx, unused.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.sets.Delete(ctx, used.ID))
	got, err := h.sets.Get(ctx, used.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestTargetMetadata_QuotaAndDelete(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.quotas.Limits.MaxMetadataEntriesPerEntity = 2
	h.register(t, "dev-1")

	_, err := h.targets.SetMetadata(ctx, "dev-1", map[string]string{"owner": "ops", "site": "b1"})
	require.NoError(t, err)
	_, err = h.targets.SetMetadata(ctx, "dev-1", map[string]string{"rack": "7"})
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	tgt, err := h.targets.DeleteMetadata(ctx, "dev-1", "site")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"owner": "ops"}, tgt.Metadata)
}

func TestAssignType_GatesCompatibleSets(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")

	_, err := h.targets.AssignType(ctx, "dev-1", "gateway")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.targets.CreateType(ctx, domain.TargetType{Name: "gateway", CompatibleSetTypes: []string{"os"}})
	require.NoError(t, err)
	tgt, err := h.targets.AssignType(ctx, "dev-1", "gateway")
	require.NoError(t, err)
	assert.Equal(t, "gateway", tgt.TypeName)
	h.assign(t, "dev-1", ds)

	tgt, err = h.targets.UnassignType(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, tgt.TypeName)
}

func TestDeleteTarget_RemovesActions(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ds := h.newSet(t, "fw")
	h.register(t, "dev-1")
	a := h.assign(t, "dev-1", ds)

	require.NoError(t, h.targets.Delete(ctx, "dev-1"))
	_, err := h.targets.Get(ctx, "dev-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.deployments.GetAction(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// conflictingStore fails the first conflicts units of work with a write
// conflict before delegating.
type conflictingStore struct {
	domain.Store
	conflicts int
	calls     int
}

func (s *conflictingStore) Transact(ctx context.Context, fn func(context.Context, domain.Tx) error) error {
	s.calls++
	if s.calls <= s.conflicts {
		return fmt.Errorf("update target: %w", domain.ErrConflict)
	}
	return s.Store.Transact(ctx, fn)
}

func TestUpdateAttributes_RetriesWriteConflicts(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		wantErr   error
		wantCalls int
	}{
		{"recovers within budget", 2, nil, 3},
		{"surfaces conflict after budget", 3, domain.ErrConflict, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &conflictingStore{Store: sqlite.OpenTestStore(t)}
			svc := &application.TargetService{Store: store, Retries: 3}
			_, err := svc.Register(context.Background(), "dev-1", "")
			require.NoError(t, err)
			store.calls, store.conflicts = 0, tt.conflicts

			tgt, err := svc.UpdateAttributes(context.Background(), "dev-1", map[string]string{"hw": "rev2"}, application.AttributesMerge)
			assert.Equal(t, tt.wantCalls, store.calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "rev2", tgt.Attributes["hw"])
		})
	}
}
