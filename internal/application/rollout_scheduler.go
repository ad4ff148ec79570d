package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

const defaultTickParallelism = 4

var tickStatuses = []domain.RolloutStatus{
	domain.RolloutStatusCreating,
	domain.RolloutStatusReady,
	domain.RolloutStatusStarting,
	domain.RolloutStatusRunning,
	domain.RolloutStatusStopping,
	domain.RolloutStatusDeleting,
}

// RolloutScheduler runs rollout ticks. Ticks of distinct rollouts run in
// parallel; concurrent ticks of one rollout share a single execution.
type RolloutScheduler struct {
	Store  domain.Store
	Runner domain.RolloutRunner
	// Parallelism bounds the ticks HandleAll runs at once.
	Parallelism int
	Metrics     Metrics
	Logger      *slog.Logger
	Now         func() time.Time

	group singleflight.Group
}

// HandleAll runs one tick for every rollout that has pending work. A
// failing tick is logged and does not stop the others; the first error
// is returned.
func (s *RolloutScheduler) HandleAll(ctx context.Context) error {
	var ids []domain.RolloutID
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		page, err := read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.Rollout], error) {
			return tx.Rollouts().List(ctx, domain.RolloutQuery{Statuses: tickStatuses}, domain.PageRequest{Offset: offset, Limit: pageSize})
		})
		if err != nil {
			return fmt.Errorf("list rollouts: %w", err)
		}
		for _, r := range page.Items {
			ids = append(ids, r.ID)
		}
		if len(page.Items) < pageSize {
			break
		}
	}

	parallelism := s.Parallelism
	if parallelism <= 0 {
		parallelism = defaultTickParallelism
	}
	var g errgroup.Group
	g.SetLimit(parallelism)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Tick(ctx, id); err != nil {
				loggerOr(s.Logger).Error("rollout tick failed", "rollout", id, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Tick runs the tick workflow of one rollout and waits for it.
func (s *RolloutScheduler) Tick(ctx context.Context, id domain.RolloutID) error {
	_, err, shared := s.group.Do(idString(id), func() (any, error) {
		return nil, s.tick(ctx, id)
	})
	if shared {
		loggerOr(s.Logger).Debug("rollout tick shared with concurrent caller", "rollout", id)
	}
	return err
}

func (s *RolloutScheduler) tick(ctx context.Context, id domain.RolloutID) (err error) {
	ctx, span := tracer.Start(ctx, "RolloutScheduler.Tick", trace.WithAttributes(attribute.Int64("rollout.id", int64(id))))
	start := nowOr(s.Now)
	defer func() {
		endSpan(span, err)
		metricsOr(s.Metrics).RolloutTick(nowOr(s.Now).Sub(start), err)
	}()

	handle, err := s.Runner.Run(ctx, id)
	if err != nil {
		return fmt.Errorf("start tick workflow for rollout %d: %w", id, err)
	}
	report, err := handle.AwaitResult(ctx)
	if err != nil {
		return fmt.Errorf("tick workflow %s: %w", handle.WorkflowID(), err)
	}
	span.SetAttributes(attribute.String("rollout.status", string(report.To)))
	if report.Changed() {
		loggerOr(s.Logger).Info("rollout status changed", "rollout", id, "from", report.From, "to", report.To, "steps", report.Steps)
	} else if len(report.Steps) > 0 {
		loggerOr(s.Logger).Debug("rollout ticked", "rollout", id, "status", report.To, "steps", report.Steps)
	}
	return nil
}
