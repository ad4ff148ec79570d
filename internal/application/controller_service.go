package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// ControllerService handles calls made by devices: polls and status
// feedback on their actions.
type ControllerService struct {
	Store   domain.Store
	Config  domain.TenantConfigSource
	Quotas  *QuotaGuard
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Poll returns the action the device should work on, if any.
func (s *ControllerService) Poll(ctx context.Context, target domain.TargetID) (domain.Action, bool, error) {
	cfg, err := snapshot(ctx, s.Config)
	if err != nil {
		return domain.Action{}, false, err
	}
	now := nowOr(s.Now)
	active, err := read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) ([]domain.Action, error) {
		if _, err := tx.Targets().Get(ctx, target); err != nil {
			return nil, fmt.Errorf("target %q: %w", target, err)
		}
		if err := emit(ctx, tx, now, domain.EventTargetPolled, string(target), nil); err != nil {
			return nil, err
		}
		return activeActions(ctx, tx, target)
	})
	if err != nil {
		return domain.Action{}, false, err
	}
	a, ok := domain.HighestWeight(active, cfg.ActionWeightIfAbsent)
	return a, ok, nil
}

// AddFeedback applies a device-reported status to an action. Feedback on
// a closed action is stored or dropped per tenant policy and never fails.
func (s *ControllerService) AddFeedback(ctx context.Context, id domain.ActionID, fb domain.Feedback) (a domain.Action, err error) {
	ctx, span := tracer.Start(ctx, "ControllerService.AddFeedback", trace.WithAttributes(
		attribute.Int64("action.id", int64(id)),
		attribute.String("action.status", string(fb.Status)),
	))
	defer func() { endSpan(span, err) }()

	cfg, err := snapshot(ctx, s.Config)
	if err != nil {
		return domain.Action{}, err
	}
	if err := s.Quotas.CheckMessages(fb.Messages); err != nil {
		return domain.Action{}, err
	}
	now := nowOr(s.Now)
	if fb.OccurredAt.IsZero() {
		fb.OccurredAt = now
	}

	var recorded bool
	a, err = read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Action, error) {
		recorded = false
		current, err := tx.Actions().Get(ctx, id)
		if err != nil {
			return domain.Action{}, err
		}
		out, err := domain.ApplyFeedback(current, fb, cfg.RejectFeedbackAfterClose)
		if err != nil {
			return domain.Action{}, err
		}
		if !out.Record {
			return current, nil
		}
		if !out.Closes && out.Effect == domain.TargetEffectNone {
			if err := s.Quotas.CheckStatusEntries(ctx, tx, id, 1); err != nil {
				return domain.Action{}, err
			}
		}

		next := out.Action
		if out.Changed {
			next.UpdatedAt = now
			if next, err = tx.Actions().Update(ctx, next); err != nil {
				return domain.Action{}, err
			}
		}
		_, err = tx.ActionStatuses().Append(ctx, domain.ActionStatusEntry{
			ActionID:   id,
			Status:     fb.Status,
			Messages:   fb.Messages,
			Code:       fb.Code,
			OccurredAt: fb.OccurredAt,
		})
		if err != nil {
			return domain.Action{}, fmt.Errorf("append %s to action %d: %w", fb.Status, id, err)
		}
		if err := applyTargetEffect(ctx, tx, next, out.Effect, now); err != nil {
			return domain.Action{}, err
		}
		if out.Changed {
			if err := emit(ctx, tx, now, domain.EventActionUpdated, idString(id),
				map[string]string{"status": string(next.Status)}); err != nil {
				return domain.Action{}, err
			}
		}
		recorded = true
		return next, nil
	})
	if err != nil {
		return domain.Action{}, err
	}

	if !recorded {
		loggerOr(s.Logger).Debug("feedback on closed action dropped", "action", id, "status", fb.Status)
		return a, nil
	}
	metricsOr(s.Metrics).FeedbackRecorded(fb.Status)
	if a.IsClosed() {
		loggerOr(s.Logger).Info("action closed by device", "action", id, "target", a.TargetID, "status", a.Status)
	}
	return a, nil
}
