// Package rolloutrepotest provides contract tests for [domain.RolloutRepository]
// and [domain.RolloutGroupRepository] implementations.
package rolloutrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Factory creates a fresh [domain.Store] for each test invocation.
type Factory func(t *testing.T) domain.Store

func transact(t *testing.T, store domain.Store, fn func(ctx context.Context, tx domain.Tx) error) {
	t.Helper()
	if err := store.Transact(context.Background(), fn); err != nil {
		t.Fatalf("Transact: %v", err)
	}
}

func seedSet(ctx context.Context, tx domain.Tx) (domain.DistributionSet, error) {
	if _, err := tx.DistributionSetTypes().Create(ctx, domain.DistributionSetType{Key: "os", Name: "OS"}); err != nil {
		return domain.DistributionSet{}, err
	}
	return tx.DistributionSets().Create(ctx, domain.DistributionSet{
		Name: "ds", SoftwareVersion: "1.0", Type: "os", Complete: true, Valid: true,
	})
}

func newRollout(name string, ds domain.DistributionSet) domain.Rollout {
	errThreshold := 20.0
	return domain.Rollout{
		Name:         name,
		TargetFilter: "id==*",
		SetID:        ds.ID,
		ActionType:   domain.ActionTypeForced,
		Status:       domain.RolloutStatusCreating,
		DynamicTemplate: &domain.DynamicGroupTemplate{
			NameSuffix:  "-dyn",
			TargetCount: 5,
			Conditions:  domain.GroupConditions{SuccessThreshold: 90, ErrorThreshold: &errThreshold},
		},
		CreatedBy: "tester",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Run exercises the rollout repository contracts.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seedSet(ctx, tx)
			if err != nil {
				return err
			}
			created, err := tx.Rollouts().Create(ctx, newRollout("r1", ds))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := tx.Rollouts().Get(ctx, created.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Name != "r1" || got.Status != domain.RolloutStatusCreating || got.SetID != ds.ID {
				t.Errorf("Get = %+v", got)
			}
			if got.DynamicTemplate == nil || got.DynamicTemplate.TargetCount != 5 ||
				got.DynamicTemplate.Conditions.ErrorThreshold == nil || *got.DynamicTemplate.Conditions.ErrorThreshold != 20 {
				t.Errorf("DynamicTemplate = %+v", got.DynamicTemplate)
			}
			return nil
		})
	})

	t.Run("CreateDuplicateName", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seedSet(ctx, tx)
			if err != nil {
				return err
			}
			if _, err := tx.Rollouts().Create(ctx, newRollout("r1", ds)); err != nil {
				return err
			}
			_, err = tx.Rollouts().Create(ctx, newRollout("r1", ds))
			if !errors.Is(err, domain.ErrAlreadyExists) {
				t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
			}
			return nil
		})
	})

	t.Run("UpdateComparesVersion", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seedSet(ctx, tx)
			if err != nil {
				return err
			}
			r, err := tx.Rollouts().Create(ctx, newRollout("r1", ds))
			if err != nil {
				return err
			}
			stale := r
			r.Status = domain.RolloutStatusReady
			if _, err := tx.Rollouts().Update(ctx, r); err != nil {
				t.Fatalf("Update: %v", err)
			}
			if _, err := tx.Rollouts().Update(ctx, stale); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("stale Update: got %v, want ErrConflict", err)
			}
			return nil
		})
	})

	t.Run("ListFiltersStatusAndDeleted", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seedSet(ctx, tx)
			if err != nil {
				return err
			}
			for i, s := range []domain.RolloutStatus{domain.RolloutStatusRunning, domain.RolloutStatusPaused, domain.RolloutStatusDeleted} {
				r := newRollout(string(rune('a'+i)), ds)
				r.Status = s
				r.Deleted = s == domain.RolloutStatusDeleted
				if _, err := tx.Rollouts().Create(ctx, r); err != nil {
					return err
				}
			}
			visible, err := tx.Rollouts().List(ctx, domain.RolloutQuery{}, domain.PageRequest{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if visible.Total != 2 {
				t.Errorf("visible = %d, want 2", visible.Total)
			}
			running, err := tx.Rollouts().List(ctx, domain.RolloutQuery{Statuses: []domain.RolloutStatus{domain.RolloutStatusRunning}}, domain.PageRequest{})
			if err != nil {
				t.Fatal(err)
			}
			if running.Total != 1 || running.Items[0].Name != "a" {
				t.Errorf("running = %+v", running.Items)
			}
			all, err := tx.Rollouts().List(ctx, domain.RolloutQuery{IncludeDeleted: true, SetID: &ds.ID}, domain.PageRequest{})
			if err != nil {
				t.Fatal(err)
			}
			if all.Total != 3 {
				t.Errorf("all = %d, want 3", all.Total)
			}
			return nil
		})
	})

	t.Run("GroupsAndMembership", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seedSet(ctx, tx)
			if err != nil {
				return err
			}
			for _, id := range []domain.TargetID{"t1", "t2", "t3"} {
				if _, err := tx.Targets().Create(ctx, domain.Target{ID: id, Name: string(id)}); err != nil {
					return err
				}
			}
			r, err := tx.Rollouts().Create(ctx, newRollout("r1", ds))
			if err != nil {
				return err
			}
			var groups []domain.RolloutGroup
			for pos := 2; pos >= 1; pos-- {
				g, err := tx.RolloutGroups().Create(ctx, domain.RolloutGroup{
					RolloutID:        r.ID,
					Name:             "group",
					Position:         pos,
					Status:           domain.RolloutGroupStatusCreating,
					TargetPercentage: 50,
					Conditions:       domain.DefaultGroupConditions(),
				})
				if err != nil {
					t.Fatalf("Create group: %v", err)
				}
				groups = append(groups, g)
			}

			listed, err := tx.RolloutGroups().ListByRollout(ctx, r.ID)
			if err != nil {
				t.Fatalf("ListByRollout: %v", err)
			}
			if len(listed) != 2 || listed[0].Position != 1 || listed[1].Position != 2 {
				t.Fatalf("ListByRollout = %+v, want ordered by position", listed)
			}

			first := listed[0]
			if err := tx.RolloutGroups().AddTargets(ctx, first.ID, []domain.TargetID{"t1", "t2"}); err != nil {
				t.Fatalf("AddTargets: %v", err)
			}
			if err := tx.RolloutGroups().AddTargets(ctx, listed[1].ID, []domain.TargetID{"t3"}); err != nil {
				t.Fatalf("AddTargets: %v", err)
			}
			members, err := tx.RolloutGroups().ListTargets(ctx, first.ID, domain.PageRequest{})
			if err != nil || members.Total != 2 {
				t.Fatalf("ListTargets = %+v, %v", members, err)
			}
			all, err := tx.RolloutGroups().RolloutTargets(ctx, r.ID)
			if err != nil || len(all) != 3 {
				t.Fatalf("RolloutTargets = %v, %v", all, err)
			}

			gid := first.ID
			if _, err := tx.Actions().Create(ctx, domain.Action{
				TargetID: "t1", SetID: ds.ID, Type: domain.ActionTypeForced,
				Status: domain.ActionStatusScheduled, RolloutID: &r.ID, GroupID: &gid,
			}); err != nil {
				return err
			}
			pending, err := tx.RolloutGroups().ListTargetsWithoutAction(ctx, first.ID, 10)
			if err != nil {
				t.Fatalf("ListTargetsWithoutAction: %v", err)
			}
			if len(pending) != 1 || pending[0] != "t2" {
				t.Errorf("pending = %v, want [t2]", pending)
			}

			first.Status = domain.RolloutGroupStatusReady
			first.TotalTargets = 2
			updated, err := tx.RolloutGroups().Update(ctx, first)
			if err != nil {
				t.Fatalf("Update group: %v", err)
			}
			if _, err := tx.RolloutGroups().Update(ctx, first); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("stale group Update: got %v, want ErrConflict", err)
			}
			if updated.TotalTargets != 2 {
				t.Errorf("TotalTargets = %d", updated.TotalTargets)
			}
			return nil
		})
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seedSet(ctx, tx)
			if err != nil {
				return err
			}
			if _, err := tx.Targets().Create(ctx, domain.Target{ID: "t1", Name: "t1"}); err != nil {
				return err
			}
			r, err := tx.Rollouts().Create(ctx, newRollout("r1", ds))
			if err != nil {
				return err
			}
			g, err := tx.RolloutGroups().Create(ctx, domain.RolloutGroup{RolloutID: r.ID, Name: "g", Position: 1, Status: domain.RolloutGroupStatusReady})
			if err != nil {
				return err
			}
			if err := tx.RolloutGroups().AddTargets(ctx, g.ID, []domain.TargetID{"t1"}); err != nil {
				return err
			}
			if err := tx.Rollouts().Delete(ctx, r.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := tx.Rollouts().Get(ctx, r.ID); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("Get rollout: got %v, want ErrNotFound", err)
			}
			if _, err := tx.RolloutGroups().Get(ctx, g.ID); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("Get group: got %v, want ErrNotFound", err)
			}
			if err := tx.Rollouts().Delete(ctx, r.ID); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("second Delete: got %v, want ErrNotFound", err)
			}
			return nil
		})
	})
}
