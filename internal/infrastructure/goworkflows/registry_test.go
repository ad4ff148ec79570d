package goworkflows_test

import (
	"context"
	"testing"
	"time"

	"github.com/cschleiden/go-workflows/backend"
	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"

	"github.com/fleetshift/fleetshift-rollouts/internal/application/rollouttest"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/goworkflows"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/sqlite"
)

func startWorker(t *testing.T, b backend.Backend) *worker.Worker {
	t.Helper()
	w := worker.New(b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.WaitForCompletion()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	return w
}

func TestRolloutTicks_GoWorkflows(t *testing.T) {
	rollouttest.Run(t, func(t *testing.T) rollouttest.Harness {
		b := wfsqlite.NewInMemoryBackend()
		w := startWorker(t, b)
		return rollouttest.Harness{
			Store:  sqlite.OpenTestStore(t),
			Engine: &goworkflows.Engine{Worker: w, Client: client.New(b), Timeout: 10 * time.Second},
		}
	})
}
