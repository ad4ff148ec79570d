package domain_test

import (
	"errors"
	"testing"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

func TestEvenShares_PercentFromRest(t *testing.T) {
	shares := domain.EvenShares(5)
	remaining := 10
	var sizes []int
	for i := range shares {
		n := domain.GroupSize(domain.PercentFromRest(shares, i), remaining)
		sizes = append(sizes, n)
		remaining -= n
	}
	for i, n := range sizes {
		if n != 2 {
			t.Fatalf("group %d size = %d, want 2 (sizes %v)", i+1, n, sizes)
		}
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestPercentFromRest_SeparateFilters(t *testing.T) {
	shares := []domain.GroupShare{
		{TargetPercentage: 50},
		{TargetFilter: "type==gateway", TargetPercentage: 100},
		{TargetPercentage: 50},
	}
	if got := domain.PercentFromRest(shares, 1); got != 100 {
		t.Errorf("group 2 = %v, want 100", got)
	}
	if got := domain.PercentFromRest(shares, 2); got != 100 {
		t.Errorf("group 3 = %v, want 100", got)
	}
}

func TestValidateGroupShares(t *testing.T) {
	tests := []struct {
		name   string
		shares []domain.GroupShare
		ok     bool
	}{
		{"valid", []domain.GroupShare{{TargetPercentage: 40}, {TargetPercentage: 60}}, true},
		{"zero", []domain.GroupShare{{TargetPercentage: 0}}, false},
		{"over 100", []domain.GroupShare{{TargetPercentage: 101}}, false},
		{"sum over 100", []domain.GroupShare{{TargetPercentage: 60}, {TargetPercentage: 60}}, false},
		{"separate filters", []domain.GroupShare{{TargetPercentage: 60}, {TargetFilter: "name==a", TargetPercentage: 60}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := domain.ValidateGroupShares(tt.shares)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, domain.ErrInvalidArgument) {
				t.Fatalf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestRolloutTransitions(t *testing.T) {
	r := domain.Rollout{ID: 1, Status: domain.RolloutStatusReady}
	if err := r.Transition(domain.RolloutStatusPaused); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("READY -> PAUSED: got %v, want ErrIllegalState", err)
	}
	for _, to := range []domain.RolloutStatus{
		domain.RolloutStatusStarting,
		domain.RolloutStatusRunning,
		domain.RolloutStatusPaused,
		domain.RolloutStatusRunning,
		domain.RolloutStatusFinished,
		domain.RolloutStatusDeleting,
		domain.RolloutStatusDeleted,
	} {
		if err := r.Transition(to); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}
	if err := r.Expect(domain.RolloutStatusRunning); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("Expect: got %v, want ErrIllegalState", err)
	}
}

func threshold(v float64) *float64 { return &v }

func TestEvaluateGroup(t *testing.T) {
	g := domain.RolloutGroup{Conditions: domain.GroupConditions{
		SuccessThreshold: 50,
		ErrorThreshold:   threshold(80),
		ErrorAction:      domain.GroupErrorActionPause,
	}}
	tests := []struct {
		name   string
		counts domain.GroupCounts
		want   domain.GroupDecision
	}{
		{"nothing done", domain.GroupCounts{Total: 2}, domain.GroupContinue},
		{"half finished", domain.GroupCounts{Total: 2, Finished: 1, Closed: 1}, domain.GroupSucceeded},
		{"errors over threshold", domain.GroupCounts{Total: 5, Error: 4, Finished: 1, Closed: 5}, domain.GroupFailed},
		{"errors below threshold, all closed", domain.GroupCounts{Total: 5, Error: 3, Closed: 5}, domain.GroupSucceeded},
		{"empty", domain.GroupCounts{}, domain.GroupSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.EvaluateGroup(g, tt.counts); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateGroup_NoErrorCondition(t *testing.T) {
	g := domain.RolloutGroup{Conditions: domain.DefaultGroupConditions()}
	if got := domain.EvaluateGroup(g, domain.GroupCounts{Total: 2, Error: 1, Closed: 1}); got != domain.GroupContinue {
		t.Errorf("got %v, want continue", got)
	}
}

func TestEvaluateGroup_DynamicWaitsUntilFull(t *testing.T) {
	g := domain.RolloutGroup{Dynamic: true, TargetCount: 3, TotalTargets: 1, Conditions: domain.DefaultGroupConditions()}
	if got := domain.EvaluateGroup(g, domain.GroupCounts{Total: 1, Finished: 1, Closed: 1}); got != domain.GroupContinue {
		t.Errorf("got %v, want continue", got)
	}
	g.TotalTargets = 3
	if got := domain.EvaluateGroup(g, domain.GroupCounts{Total: 3, Finished: 3, Closed: 3}); got != domain.GroupSucceeded {
		t.Errorf("got %v, want succeeded", got)
	}
}

func TestNewTotalTargetCount(t *testing.T) {
	got := domain.NewTotalTargetCount(map[domain.ActionStatus]int{
		domain.ActionStatusScheduled:  3,
		domain.ActionStatusRunning:    1,
		domain.ActionStatusCanceling:  1,
		domain.ActionStatusFinished:   2,
		domain.ActionStatusDownloaded: 1,
		domain.ActionStatusError:      1,
	}, 12, domain.ActionTypeDownloadOnly)

	want := map[domain.TargetCountStatus]int{
		domain.TargetCountScheduled:  3,
		domain.TargetCountRunning:    2,
		domain.TargetCountFinished:   3,
		domain.TargetCountError:      1,
		domain.TargetCountCancelled:  0,
		domain.TargetCountNotStarted: 3,
	}
	for k, v := range want {
		if got.ByStatus[k] != v {
			t.Errorf("%s = %d, want %d", k, got.ByStatus[k], v)
		}
	}
}

func TestCountGroup(t *testing.T) {
	c := domain.CountGroup(map[domain.ActionStatus]int{
		domain.ActionStatusRunning:  2,
		domain.ActionStatusFinished: 1,
		domain.ActionStatusError:    1,
		domain.ActionStatusCanceled: 1,
	}, domain.ActionTypeForced)
	if c.Total != 5 || c.Finished != 1 || c.Error != 1 || c.Closed != 3 {
		t.Fatalf("got %+v", c)
	}
}
