package domain_test

import (
	"errors"
	"testing"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

func TestCheckQuota(t *testing.T) {
	if err := domain.CheckQuota(domain.QuotaActionsPerTarget, 20, 19, 1); err != nil {
		t.Fatalf("at limit: %v", err)
	}
	err := domain.CheckQuota(domain.QuotaActionsPerTarget, 20, 20, 1)
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("over limit: got %v, want ErrQuotaExceeded", err)
	}
	var qe *domain.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected *QuotaExceededError, got %T", err)
	}
	if qe.Limit != 20 || qe.Requested != 21 {
		t.Errorf("got limit=%d requested=%d", qe.Limit, qe.Requested)
	}
	if err := domain.CheckQuota(domain.QuotaActionsPerTarget, 0, 1000, 1000); err != nil {
		t.Errorf("disabled quota: %v", err)
	}
}

func TestPurgeCount(t *testing.T) {
	tests := []struct {
		total int
		pct   float64
		want  int
	}{
		{20, 25, 5},
		{10, 25, 3},
		{1, 1, 1},
		{20, 0, 0},
		{0, 50, 0},
	}
	for _, tt := range tests {
		if got := domain.PurgeCount(tt.total, tt.pct); got != tt.want {
			t.Errorf("PurgeCount(%d, %v) = %d, want %d", tt.total, tt.pct, got, tt.want)
		}
	}
}
