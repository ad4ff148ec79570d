package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain/actionrepotest"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain/rolloutrepotest"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain/targetrepotest"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/sqlite"
)

func TestTargetRepo(t *testing.T) {
	targetrepotest.Run(t, func(t *testing.T) domain.TargetRepository {
		db := sqlite.OpenTestDB(t)
		return &sqlite.TargetRepo{DB: db}
	})
}

func TestActionRepo(t *testing.T) {
	actionrepotest.Run(t, func(t *testing.T) domain.Store {
		return sqlite.OpenTestStore(t)
	})
}

func TestRolloutRepo(t *testing.T) {
	rolloutrepotest.Run(t, func(t *testing.T) domain.Store {
		return sqlite.OpenTestStore(t)
	})
}

func TestEventOutbox(t *testing.T) {
	store := sqlite.OpenTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	err := store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, kind := range []domain.EventKind{domain.EventTargetCreated, domain.EventTargetAssignment} {
			if err := tx.Events().Append(ctx, domain.Event{
				Kind:       kind,
				EntityID:   "t1",
				Principal:  "alice",
				OccurredAt: at,
				Attributes: map[string]string{"set": "7"},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	var events []domain.Event
	err = store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		events, err = tx.Events().List(ctx, 0, 10)
		return err
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	first := events[0]
	if first.ID == "" || first.Seq == 0 {
		t.Errorf("first = %+v, want ID and Seq assigned", first)
	}
	if first.Kind != domain.EventTargetCreated || first.Principal != "alice" || first.Attributes["set"] != "7" {
		t.Errorf("first = %+v", first)
	}
	if !first.OccurredAt.Equal(at) {
		t.Errorf("OccurredAt = %v, want %v", first.OccurredAt, at)
	}

	var rest []domain.Event
	_ = store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		rest, err = tx.Events().List(ctx, first.Seq, 10)
		return err
	})
	if len(rest) != 1 || rest[0].Kind != domain.EventTargetAssignment {
		t.Fatalf("events after %d = %+v", first.Seq, rest)
	}
}

func TestEventsRollBackWithUnitOfWork(t *testing.T) {
	store := sqlite.OpenTestStore(t)
	ctx := context.Background()

	_ = store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Events().Append(ctx, domain.Event{Kind: domain.EventTargetCreated, EntityID: "t1"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		return domain.ErrConflict
	})

	var n int
	if err := store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("events after rollback = %d, want 0", n)
	}
}

func TestDistributionSetRepo(t *testing.T) {
	store := sqlite.OpenTestStore(t)
	err := store.Transact(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		if _, err := tx.DistributionSetTypes().Create(ctx, domain.DistributionSetType{
			Key: "os", Name: "OS", MandatoryModuleTypes: []string{"firmware"},
		}); err != nil {
			t.Fatalf("Create type: %v", err)
		}
		mod, err := tx.SoftwareModules().Create(ctx, domain.SoftwareModule{Type: "firmware", Name: "fw", SoftwareVersion: "1"})
		if err != nil {
			t.Fatalf("Create module: %v", err)
		}
		ds, err := tx.DistributionSets().Create(ctx, domain.DistributionSet{
			Name: "ds", SoftwareVersion: "1.0", Type: "os",
			Modules: []domain.SoftwareModuleID{mod.ID}, Tags: []string{"beta"}, Valid: true,
		})
		if err != nil {
			t.Fatalf("Create set: %v", err)
		}
		if _, err := tx.DistributionSets().Create(ctx, domain.DistributionSet{Name: "ds", SoftwareVersion: "1.0", Type: "os"}); err == nil {
			t.Fatal("duplicate Create: want ErrAlreadyExists")
		}

		ds.Locked = true
		if _, err := tx.DistributionSets().Update(ctx, ds); err != nil {
			t.Fatalf("Update set: %v", err)
		}
		got, err := tx.DistributionSets().Get(ctx, ds.ID)
		if err != nil {
			t.Fatalf("Get set: %v", err)
		}
		if !got.Locked || got.Version != 2 || len(got.Modules) != 1 || got.Tags[0] != "beta" {
			t.Errorf("Get = %+v", got)
		}
		typ, err := tx.DistributionSetTypes().Get(ctx, "os")
		if err != nil || len(typ.MandatoryModuleTypes) != 1 {
			t.Errorf("Get type = %+v, %v", typ, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
