package application

import (
	"sync"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// rolloutLocks is a keyed mutex serializing the work done on one rollout
// in this process: tick steps run by any engine and the manual
// operations of [RolloutService] that act on groups and actions.
// Entries are dropped once nobody holds or waits for them.
type rolloutLocks struct {
	mu    sync.Mutex
	locks map[domain.RolloutID]*rolloutLock
}

type rolloutLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the rollout is free and returns its unlock function.
func (l *rolloutLocks) lock(id domain.RolloutID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[domain.RolloutID]*rolloutLock)
	}
	rl, ok := l.locks[id]
	if !ok {
		rl = &rolloutLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *rolloutLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
