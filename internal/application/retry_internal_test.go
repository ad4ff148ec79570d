package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

func TestWithConflictRetry(t *testing.T) {
	conflict := fmt.Errorf("update target: %w", domain.ErrConflict)
	other := errors.New("disk full")

	tests := []struct {
		name      string
		attempts  int
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{"succeeds first time", 3, nil, 1, nil},
		{"succeeds after conflicts", 3, []error{conflict, conflict}, 3, nil},
		{"returns last conflict unchanged", 3, []error{conflict, conflict, conflict, conflict}, 3, conflict},
		{"other errors are not retried", 3, []error{other}, 1, other},
		{"conflict then other error", 3, []error{conflict, other}, 2, other},
		{"zero attempts uses default", 0, []error{conflict, conflict, conflict, conflict}, defaultConflictRetries, conflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := withConflictRetry(context.Background(), tt.attempts, func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Same(t, tt.wantErr, err)
			}
		})
	}
}

func TestWithConflictRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withConflictRetry(ctx, 5, func() error {
		calls++
		return domain.ErrConflict
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRolloutLocks_SerializeOneRollout(t *testing.T) {
	var (
		locks   rolloutLocks
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(1)
			defer unlock()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load(), "two holders of the same rollout lock")
	assert.Zero(t, locks.held())
}

func TestRolloutLocks_OtherRolloutsProceed(t *testing.T) {
	var locks rolloutLocks
	unlock := locks.lock(1)
	defer unlock()

	done := make(chan struct{})
	go func() {
		locks.lock(2)()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on rollout 2 waited for rollout 1")
	}
	require.Equal(t, 1, locks.held())
}

func TestRolloutExecutor_StepWaitsForManualOperation(t *testing.T) {
	e := &RolloutExecutor{Store: failingStore{}}
	unlock := e.locks.lock(7)

	stepDone := make(chan error, 1)
	go func() { stepDone <- e.EvaluateGroups(context.Background(), 7) }()

	select {
	case <-stepDone:
		t.Fatal("step ran while the rollout was locked")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case err := <-stepDone:
		assert.ErrorIs(t, err, domain.ErrNotFound)
	case <-time.After(time.Second):
		t.Fatal("step still blocked after unlock")
	}
}

// failingStore fails every unit of work with ErrNotFound.
type failingStore struct{}

func (failingStore) Transact(context.Context, func(context.Context, domain.Tx) error) error {
	return domain.ErrNotFound
}
