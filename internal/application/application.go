// Package application holds the services that drive assignments, device
// feedback, confirmations and rollouts through units of work on a
// [domain.Store].
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

const (
	defaultChunkSize       = 100
	defaultConflictRetries = 3
	conflictBackoff        = 10 * time.Millisecond
)

var tracer = otel.Tracer("github.com/fleetshift/fleetshift-rollouts/internal/application")

// Metrics receives counters from the services. A nil Metrics records
// nothing.
type Metrics interface {
	ActionsCreated(source string, n int)
	FeedbackRecorded(status domain.ActionStatus)
	ActionsPurged(n int)
	RolloutTick(d time.Duration, err error)
	GroupDecided(decision domain.GroupDecision)
}

// Action sources reported to [Metrics.ActionsCreated].
const (
	SourceManual  = "manual"
	SourceOffline = "offline"
	SourceRollout = "rollout"
)

type noopMetrics struct{}

func (noopMetrics) ActionsCreated(string, int)           {}
func (noopMetrics) FeedbackRecorded(domain.ActionStatus) {}
func (noopMetrics) ActionsPurged(int)                    {}
func (noopMetrics) RolloutTick(time.Duration, error)     {}
func (noopMetrics) GroupDecided(domain.GroupDecision)    {}

func metricsOr(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func nowOr(fn func() time.Time) time.Time {
	if fn == nil {
		return time.Now().UTC()
	}
	return fn().UTC()
}

func chunkSizeOr(n int) int {
	if n <= 0 {
		return defaultChunkSize
	}
	return n
}

func snapshot(ctx context.Context, src domain.TenantConfigSource) (domain.TenantConfig, error) {
	if src == nil {
		return domain.DefaultTenantConfig(), nil
	}
	cfg, err := src.Snapshot(ctx)
	if err != nil {
		return domain.TenantConfig{}, fmt.Errorf("tenant config: %w", err)
	}
	return cfg, nil
}

// withConflictRetry runs fn until it succeeds, fails with an error other
// than [domain.ErrConflict], or the attempts are used up. The last error
// is returned unchanged.
func withConflictRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = defaultConflictRetries
	}
	var err error
	for i := range attempts {
		if err = fn(); !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * conflictBackoff):
		}
	}
	return err
}

// read runs fn in a unit of work and returns its result.
func read[T any](ctx context.Context, store domain.Store, fn func(ctx context.Context, tx domain.Tx) (T, error)) (T, error) {
	var out T
	err := store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	return out, err
}

func emit(ctx context.Context, tx domain.Tx, now time.Time, kind domain.EventKind, entityID string, attrs map[string]string) error {
	err := tx.Events().Append(ctx, domain.Event{
		Kind:       kind,
		EntityID:   entityID,
		Principal:  domain.PrincipalFrom(ctx),
		OccurredAt: now,
		Attributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	return nil
}

func chunks[T any](items []T, size int) [][]T {
	size = chunkSizeOr(size)
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func idString[T ~int64](id T) string { return strconv.FormatInt(int64(id), 10) }
