// Package actionrepotest provides contract tests for [domain.ActionRepository]
// and [domain.ActionStatusRepository] implementations.
package actionrepotest

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

// seed creates a target "t1" and a distribution set and returns the set.
func seed(ctx context.Context, tx domain.Tx) (domain.DistributionSet, error) {
	if _, err := tx.Targets().Create(ctx, domain.Target{ID: "t1", Name: "device"}); err != nil {
		return domain.DistributionSet{}, err
	}
	if _, err := tx.DistributionSetTypes().Create(ctx, domain.DistributionSetType{Key: "os", Name: "OS"}); err != nil {
		return domain.DistributionSet{}, err
	}
	return tx.DistributionSets().Create(ctx, domain.DistributionSet{
		Name: "ds", SoftwareVersion: "1.0", Type: "os", Complete: true, Valid: true,
	})
}

func newAction(ds domain.DistributionSet, status domain.ActionStatus, active bool) domain.Action {
	return domain.Action{
		TargetID:    "t1",
		SetID:       ds.ID,
		Type:        domain.ActionTypeForced,
		Status:      status,
		Active:      active,
		InitiatedBy: "tester",
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Run exercises the action repository contracts.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seed(ctx, tx)
			if err != nil {
				return err
			}
			w := 300
			a := newAction(ds, domain.ActionStatusRunning, true)
			a.Weight = &w
			created, err := tx.Actions().Create(ctx, a)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if created.ID == 0 || created.Version != 1 {
				t.Fatalf("created = %+v, want ID assigned and Version 1", created)
			}
			got, err := tx.Actions().Get(ctx, created.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != domain.ActionStatusRunning || !got.Active || got.Weight == nil || *got.Weight != 300 {
				t.Errorf("Get = %+v", got)
			}
			return nil
		})
	})

	t.Run("GetNotFound", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			_, err := tx.Actions().Get(ctx, 999)
			if !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("Get: got %v, want ErrNotFound", err)
			}
			return nil
		})
	})

	t.Run("UpdateComparesVersion", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seed(ctx, tx)
			if err != nil {
				return err
			}
			a, err := tx.Actions().Create(ctx, newAction(ds, domain.ActionStatusRunning, true))
			if err != nil {
				return err
			}
			stale := a
			a.Status = domain.ActionStatusCanceling
			if _, err := tx.Actions().Update(ctx, a); err != nil {
				t.Fatalf("Update: %v", err)
			}
			stale.Status = domain.ActionStatusFinished
			if _, err := tx.Actions().Update(ctx, stale); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("stale Update: got %v, want ErrConflict", err)
			}
			got, _ := tx.Actions().Get(ctx, a.ID)
			if got.Status != domain.ActionStatusCanceling {
				t.Errorf("Status = %s, want CANCELING", got.Status)
			}
			return nil
		})
	})

	t.Run("ListAndCount", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seed(ctx, tx)
			if err != nil {
				return err
			}
			for _, s := range []domain.ActionStatus{domain.ActionStatusFinished, domain.ActionStatusError, domain.ActionStatusRunning} {
				if _, err := tx.Actions().Create(ctx, newAction(ds, s, s == domain.ActionStatusRunning)); err != nil {
					return err
				}
			}

			all, err := tx.Actions().List(ctx, domain.ActionQuery{TargetID: "t1"}, domain.PageRequest{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if all.Total != 3 || len(all.Items) != 3 {
				t.Fatalf("List = %d of %d, want 3 of 3", len(all.Items), all.Total)
			}
			if all.Items[0].ID > all.Items[1].ID || all.Items[1].ID > all.Items[2].ID {
				t.Errorf("List not ordered by ID: %v %v %v", all.Items[0].ID, all.Items[1].ID, all.Items[2].ID)
			}

			active := true
			act, err := tx.Actions().List(ctx, domain.ActionQuery{TargetID: "t1", Active: &active}, domain.PageRequest{})
			if err != nil {
				t.Fatal(err)
			}
			if act.Total != 1 || act.Items[0].Status != domain.ActionStatusRunning {
				t.Errorf("active = %+v", act.Items)
			}

			closed, err := tx.Actions().List(ctx, domain.ActionQuery{
				Statuses: []domain.ActionStatus{domain.ActionStatusFinished, domain.ActionStatusError},
			}, domain.PageRequest{Limit: 1})
			if err != nil {
				t.Fatal(err)
			}
			if closed.Total != 2 || len(closed.Items) != 1 || closed.Items[0].Status != domain.ActionStatusFinished {
				t.Errorf("closed = %d of %d: %+v", len(closed.Items), closed.Total, closed.Items)
			}

			counts, err := tx.Actions().CountByStatus(ctx, domain.ActionQuery{SetID: &ds.ID})
			if err != nil {
				t.Fatalf("CountByStatus: %v", err)
			}
			if counts[domain.ActionStatusFinished] != 1 || counts[domain.ActionStatusRunning] != 1 {
				t.Errorf("counts = %v", counts)
			}
			return nil
		})
	})

	t.Run("StatusHistory", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seed(ctx, tx)
			if err != nil {
				return err
			}
			a, err := tx.Actions().Create(ctx, newAction(ds, domain.ActionStatusRunning, true))
			if err != nil {
				return err
			}
			code := 200
			for i, s := range []domain.ActionStatus{domain.ActionStatusRunning, domain.ActionStatusDownload, domain.ActionStatusFinished} {
				e := domain.ActionStatusEntry{
					ActionID:   a.ID,
					Status:     s,
					Messages:   []string{string(s)},
					OccurredAt: time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
				}
				if s == domain.ActionStatusFinished {
					e.Code = &code
				}
				if _, err := tx.ActionStatuses().Append(ctx, e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			n, err := tx.ActionStatuses().Count(ctx, a.ID)
			if err != nil || n != 3 {
				t.Fatalf("Count = %d, %v; want 3", n, err)
			}
			page, err := tx.ActionStatuses().List(ctx, a.ID, domain.PageRequest{Offset: 2, Limit: 5})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if page.Total != 3 || len(page.Items) != 1 {
				t.Fatalf("List = %d of %d", len(page.Items), page.Total)
			}
			last := page.Items[0]
			if last.Status != domain.ActionStatusFinished || last.Code == nil || *last.Code != 200 || last.Messages[0] != "FINISHED" {
				t.Errorf("last = %+v", last)
			}
			return nil
		})
	})

	t.Run("DeleteRemovesHistory", func(t *testing.T) {
		store := factory(t)
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			ds, err := seed(ctx, tx)
			if err != nil {
				return err
			}
			a, err := tx.Actions().Create(ctx, newAction(ds, domain.ActionStatusFinished, false))
			if err != nil {
				return err
			}
			if _, err := tx.ActionStatuses().Append(ctx, domain.ActionStatusEntry{ActionID: a.ID, Status: domain.ActionStatusFinished}); err != nil {
				return err
			}
			if err := tx.Actions().Delete(ctx, []domain.ActionID{a.ID}); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := tx.Actions().Get(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
			}
			n, err := tx.ActionStatuses().Count(ctx, a.ID)
			if err != nil || n != 0 {
				t.Fatalf("history Count = %d, %v; want 0", n, err)
			}
			return nil
		})
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		store := factory(t)
		boom := errors.New("boom")
		err := store.Transact(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			if _, err := seed(ctx, tx); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Transact: got %v, want boom", err)
		}
		transact(t, store, func(ctx context.Context, tx domain.Tx) error {
			if _, err := tx.Targets().Get(ctx, "t1"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("Get after rollback: got %v, want ErrNotFound", err)
			}
			return nil
		})
	})
}
