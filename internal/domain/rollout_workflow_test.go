package domain_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// recordingRunner runs steps inline and records their names in order.
type recordingRunner struct {
	ctx   context.Context
	names []string
}

func (r *recordingRunner) ID() string { return "test-tick" }

func (r *recordingRunner) Run(step domain.Step, id domain.RolloutID) (domain.RolloutStatus, error) {
	r.names = append(r.names, step.Name)
	return step.Run(r.ctx, id)
}

// stubHandler reports a fixed status and records the steps it ran.
type stubHandler struct {
	status  domain.RolloutStatus
	failOn  string
	calls   []string
	rollout domain.RolloutID
}

func (s *stubHandler) record(name string, id domain.RolloutID) error {
	s.calls = append(s.calls, name)
	s.rollout = id
	if name == s.failOn {
		return errors.New("boom")
	}
	return nil
}

func (s *stubHandler) Status(_ context.Context, id domain.RolloutID) (domain.RolloutStatus, error) {
	if s.status == "" {
		return "", domain.ErrNotFound
	}
	return s.status, nil
}

func (s *stubHandler) FillGroups(_ context.Context, id domain.RolloutID) error {
	return s.record("fill", id)
}
func (s *stubHandler) AutoStart(_ context.Context, id domain.RolloutID) error {
	return s.record("autostart", id)
}
func (s *stubHandler) ScheduleGroups(_ context.Context, id domain.RolloutID) error {
	return s.record("schedule", id)
}
func (s *stubHandler) FillDynamicGroup(_ context.Context, id domain.RolloutID) error {
	return s.record("dynamic", id)
}
func (s *stubHandler) EvaluateGroups(_ context.Context, id domain.RolloutID) error {
	return s.record("evaluate", id)
}
func (s *stubHandler) Stop(_ context.Context, id domain.RolloutID) error {
	return s.record("stop", id)
}
func (s *stubHandler) Delete(_ context.Context, id domain.RolloutID) error {
	return s.record("delete", id)
}

func TestRolloutWorkflow_DispatchesOnStatus(t *testing.T) {
	tests := []struct {
		status domain.RolloutStatus
		want   []string
	}{
		{domain.RolloutStatusCreating, []string{"fill"}},
		{domain.RolloutStatusReady, []string{"autostart"}},
		{domain.RolloutStatusStarting, []string{"schedule"}},
		{domain.RolloutStatusRunning, []string{"evaluate", "dynamic"}},
		{domain.RolloutStatusStopping, []string{"stop"}},
		{domain.RolloutStatusDeleting, []string{"delete"}},
		{domain.RolloutStatusPaused, nil},
		{domain.RolloutStatusWaitingForApproval, nil},
		{domain.RolloutStatusFinished, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h := &stubHandler{status: tt.status}
			wf := &domain.RolloutWorkflow{Handler: h}
			ctx := context.Background()
			recorder := &recordingRunner{ctx: ctx}

			report, err := wf.Run(recorder, 42)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !slices.Equal(h.calls, tt.want) {
				t.Errorf("calls = %v, want %v", h.calls, tt.want)
			}
			if recorder.names[0] != "load-rollout-status" {
				t.Errorf("first activity = %q, want load-rollout-status", recorder.names[0])
			}
			if len(recorder.names) != len(tt.want)+1 {
				t.Errorf("activities = %v, want every step to run as an activity", recorder.names)
			}
			if report.From != tt.status || !slices.Equal(report.Steps, recorder.names[1:]) {
				t.Errorf("report = %+v, want from %s with the recorded steps", report, tt.status)
			}
			if len(tt.want) > 0 && h.rollout != 42 {
				t.Errorf("rollout = %d, want 42", h.rollout)
			}
		})
	}
}

func TestRolloutWorkflow_StopsOnStepError(t *testing.T) {
	h := &stubHandler{status: domain.RolloutStatusRunning, failOn: "evaluate"}
	wf := &domain.RolloutWorkflow{Handler: h}
	report, err := wf.Run(&recordingRunner{ctx: context.Background()}, 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(report.Steps) != 0 {
		t.Errorf("steps = %v, want the failed step left out", report.Steps)
	}
	if !slices.Equal(h.calls, []string{"evaluate"}) {
		t.Errorf("calls = %v, want dynamic fill skipped after failure", h.calls)
	}
}

func TestRolloutWorkflow_MissingRollout(t *testing.T) {
	wf := &domain.RolloutWorkflow{Handler: &stubHandler{}}
	_, err := wf.Run(&recordingRunner{ctx: context.Background()}, 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRolloutWorkflow_StepNamesAreUnique(t *testing.T) {
	wf := &domain.RolloutWorkflow{Handler: &stubHandler{}}
	seen := map[string]bool{}
	for _, s := range wf.Steps() {
		if seen[s.Name] {
			t.Fatalf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
	}
}

// deletingHandler hard-deletes the rollout in its Delete step.
type deletingHandler struct {
	stubHandler
}

func (h *deletingHandler) Delete(_ context.Context, id domain.RolloutID) error {
	h.status = ""
	return h.record("delete", id)
}

func TestRolloutWorkflow_ReportsStatusAfterSteps(t *testing.T) {
	h := &deletingHandler{stubHandler{status: domain.RolloutStatusDeleting}}
	wf := &domain.RolloutWorkflow{Handler: h}

	report, err := wf.Run(&recordingRunner{ctx: context.Background()}, 9)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.From != domain.RolloutStatusDeleting || report.To != domain.RolloutStatusDeleted {
		t.Errorf("report = %+v, want DELETING -> DELETED", report)
	}
	if !report.Changed() {
		t.Error("Changed() = false, want true")
	}
}

func TestRolloutWorkflow_IdleTickReportsNoChange(t *testing.T) {
	wf := &domain.RolloutWorkflow{Handler: &stubHandler{status: domain.RolloutStatusPaused}}
	report, err := wf.Run(&recordingRunner{ctx: context.Background()}, 3)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Changed() || report.Rollout != 3 || report.Steps != nil {
		t.Errorf("report = %+v, want an unchanged paused rollout", report)
	}
}
