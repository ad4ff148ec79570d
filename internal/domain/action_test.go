package domain_test

import (
	"errors"
	"testing"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

func weight(w int) *int { return &w }

func TestHighestWeight_OrdersByWeightThenCreation(t *testing.T) {
	actions := []domain.Action{
		{ID: 1, Active: true},
		{ID: 2, Active: true, Weight: weight(500)},
		{ID: 3, Active: true, Weight: weight(500)},
		{ID: 4, Active: true, Weight: weight(1000)},
	}

	var order []domain.ActionID
	for {
		a, ok := domain.HighestWeight(actions, 1000)
		if !ok {
			break
		}
		order = append(order, a.ID)
		for i := range actions {
			if actions[i].ID == a.ID {
				actions[i].Active = false
			}
		}
	}

	want := []domain.ActionID{1, 4, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestHighestWeight_AbsentWeightDefault(t *testing.T) {
	actions := []domain.Action{
		{ID: 1, Active: true},
		{ID: 2, Active: true, Weight: weight(10)},
	}
	a, ok := domain.HighestWeight(actions, 0)
	if !ok || a.ID != 2 {
		t.Fatalf("got %d, want 2 when absent weight counts as 0", a.ID)
	}
}

func TestValidateWeight(t *testing.T) {
	if err := domain.ValidateWeight(nil); err != nil {
		t.Errorf("nil weight: %v", err)
	}
	if err := domain.ValidateWeight(weight(domain.WeightMax)); err != nil {
		t.Errorf("max weight: %v", err)
	}
	if err := domain.ValidateWeight(weight(domain.WeightMax + 1)); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("too large: got %v, want ErrInvalidArgument", err)
	}
	if err := domain.ValidateWeight(weight(-1)); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("negative: got %v, want ErrInvalidArgument", err)
	}
}
