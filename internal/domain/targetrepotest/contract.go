// Package targetrepotest provides contract tests for [domain.TargetRepository]
// implementations.
package targetrepotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// Factory creates a fresh [domain.TargetRepository] for each test invocation.
type Factory func(t *testing.T) domain.TargetRepository

// Run exercises the [domain.TargetRepository] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		target := domain.Target{
			ID:           "t1",
			Name:         "device-a",
			UpdateStatus: domain.TargetUpdateStatusRegistered,
			Attributes:   map[string]string{"region": "us-east"},
			Metadata:     map[string]string{"owner": "ops"},
			AutoConfirmation: &domain.AutoConfirmationStatus{
				Initiator:   "alice",
				ActivatedBy: "bob",
				ActivatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			},
			CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		}

		created, err := repo.Create(ctx, target)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if created.Version != 1 {
			t.Errorf("Version = %d, want 1", created.Version)
		}

		got, err := repo.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name != "device-a" {
			t.Errorf("Name = %q, want %q", got.Name, "device-a")
		}
		if got.Attributes["region"] != "us-east" {
			t.Errorf("Attributes[region] = %q, want %q", got.Attributes["region"], "us-east")
		}
		if got.Metadata["owner"] != "ops" {
			t.Errorf("Metadata[owner] = %q, want %q", got.Metadata["owner"], "ops")
		}
		if got.AutoConfirmation == nil || got.AutoConfirmation.Initiator != "alice" {
			t.Errorf("AutoConfirmation = %+v, want initiator alice", got.AutoConfirmation)
		}
		if !got.CreatedAt.Equal(target.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, target.CreatedAt)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		target := domain.Target{ID: "t1", Name: "device-a"}

		if _, err := repo.Create(ctx, target); err != nil {
			t.Fatalf("first Create: %v", err)
		}
		_, err := repo.Create(ctx, target)
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("second Create: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Get(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get: got %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateComparesVersion", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		created, err := repo.Create(ctx, domain.Target{ID: "t1", Name: "a"})
		if err != nil {
			t.Fatal(err)
		}
		created.UpdateStatus = domain.TargetUpdateStatusPending
		updated, err := repo.Update(ctx, created)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if updated.Version != created.Version+1 {
			t.Errorf("Version = %d, want %d", updated.Version, created.Version+1)
		}

		_, err = repo.Update(ctx, created)
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("stale Update: got %v, want ErrConflict", err)
		}

		got, _ := repo.Get(ctx, "t1")
		if got.UpdateStatus != domain.TargetUpdateStatusPending {
			t.Errorf("UpdateStatus = %q, want PENDING", got.UpdateStatus)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		repo := factory(t)
		_, err := repo.Update(context.Background(), domain.Target{ID: "missing", Version: 1})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Update: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListAndFind", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, tgt := range []domain.Target{
			{ID: "t1", Name: "a", Attributes: map[string]string{"env": "prod"}},
			{ID: "t2", Name: "b", Attributes: map[string]string{"env": "dev"}},
			{ID: "t3", Name: "c", Attributes: map[string]string{"env": "prod"}},
		} {
			if _, err := repo.Create(ctx, tgt); err != nil {
				t.Fatalf("Create %s: %v", tgt.ID, err)
			}
		}

		page, err := repo.List(ctx, domain.PageRequest{Limit: 2})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if page.Total != 3 || len(page.Items) != 2 {
			t.Fatalf("List: got %d items of %d, want 2 of 3", len(page.Items), page.Total)
		}

		filter, err := domain.ParseTargetFilter("attribute.env==prod")
		if err != nil {
			t.Fatal(err)
		}
		found, err := repo.Find(ctx, filter, domain.PageRequest{Offset: 1, Limit: 10})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if found.Total != 2 {
			t.Fatalf("Find total = %d, want 2", found.Total)
		}
		if len(found.Items) != 1 || found.Items[0].ID != "t3" {
			t.Fatalf("Find page = %+v, want [t3]", found.Items)
		}
	})

	t.Run("FindCombinesClauses", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		for _, tgt := range []domain.Target{
			{ID: "edge-1", Name: "edge-1", UpdateStatus: domain.TargetUpdateStatusPending},
			{ID: "edge-2", Name: "edge-2", UpdateStatus: domain.TargetUpdateStatusInSync},
			{ID: "core-1", Name: "core-1", UpdateStatus: domain.TargetUpdateStatusPending},
		} {
			if _, err := repo.Create(ctx, tgt); err != nil {
				t.Fatalf("Create %s: %v", tgt.ID, err)
			}
		}

		filter, err := domain.ParseTargetFilter("name==edge-*;updatestatus!=IN_SYNC")
		if err != nil {
			t.Fatal(err)
		}
		found, err := repo.Find(ctx, filter, domain.PageRequest{Limit: 10})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if found.Total != 1 || found.Items[0].ID != "edge-1" {
			t.Fatalf("Find = %+v, want [edge-1]", found.Items)
		}
	})

	t.Run("UpdateClearsAutoConfirmation", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		created, err := repo.Create(ctx, domain.Target{
			ID:               "t1",
			Name:             "a",
			AutoConfirmation: &domain.AutoConfirmationStatus{Initiator: "alice"},
		})
		if err != nil {
			t.Fatal(err)
		}
		created.AutoConfirmation = nil
		if _, err := repo.Update(ctx, created); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, err := repo.Get(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if got.AutoConfirmation != nil {
			t.Errorf("AutoConfirmation = %+v, want nil", got.AutoConfirmation)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		if _, err := repo.Create(ctx, domain.Target{ID: "t1", Name: "a"}); err != nil {
			t.Fatal(err)
		}
		if err := repo.Delete(ctx, "t1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, err := repo.Get(ctx, "t1")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get after Delete: got %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		repo := factory(t)
		err := repo.Delete(context.Background(), "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Delete: got %v, want ErrNotFound", err)
		}
	})
}
