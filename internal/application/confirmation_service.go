package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// ConfirmationService lets operators and devices confirm or deny actions
// that wait for confirmation, and manages auto-confirmation of targets.
type ConfirmationService struct {
	Store  domain.Store
	Quotas *QuotaGuard
	Logger *slog.Logger
	Now    func() time.Time
}

func withRemark(msg, remark string) []string {
	if remark == "" {
		return []string{msg}
	}
	return []string{msg, "Remark: " + remark}
}

// Confirm moves a waiting action to RUNNING.
func (s *ConfirmationService) Confirm(ctx context.Context, id domain.ActionID, initiator, remark string) (domain.Action, error) {
	now := nowOr(s.Now)
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Action, error) {
		a, err := tx.Actions().Get(ctx, id)
		if err != nil {
			return domain.Action{}, err
		}
		if a, err = domain.ConfirmAction(a); err != nil {
			return domain.Action{}, err
		}
		if err := s.Quotas.CheckStatusEntries(ctx, tx, id, 1); err != nil {
			return domain.Action{}, err
		}
		a.UpdatedAt = now
		if a, err = tx.Actions().Update(ctx, a); err != nil {
			return domain.Action{}, err
		}
		if err := appendHistory(ctx, tx, id, domain.ActionStatusRunning, now, withRemark(msgConfirmedBy(initiator), remark)...); err != nil {
			return domain.Action{}, err
		}
		return a, emit(ctx, tx, now, domain.EventActionUpdated, idString(id), map[string]string{"status": string(a.Status)})
	})
}

// Deny records that the action was not confirmed. The action keeps
// waiting.
func (s *ConfirmationService) Deny(ctx context.Context, id domain.ActionID, initiator, remark string) (domain.Action, error) {
	now := nowOr(s.Now)
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Action, error) {
		a, err := tx.Actions().Get(ctx, id)
		if err != nil {
			return domain.Action{}, err
		}
		if err := domain.CheckDeniable(a); err != nil {
			return domain.Action{}, err
		}
		if err := s.Quotas.CheckStatusEntries(ctx, tx, id, 1); err != nil {
			return domain.Action{}, err
		}
		msg := fmt.Sprintf("Assignment denied by initiator [%s].", initiator)
		return a, appendHistory(ctx, tx, id, domain.ActionStatusWaitForConfirmation, now, withRemark(msg, remark)...)
	})
}

// ActivateAutoConfirmation attaches an auto-confirmation status to the
// target and confirms every action of it that is waiting.
func (s *ConfirmationService) ActivateAutoConfirmation(ctx context.Context, target domain.TargetID, initiator, remark string) (domain.AutoConfirmationStatus, error) {
	now := nowOr(s.Now)
	status := domain.AutoConfirmationStatus{
		Initiator:   initiator,
		Remark:      remark,
		ActivatedBy: domain.PrincipalFrom(ctx),
		ActivatedAt: now,
	}
	confirmed := 0
	err := s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		confirmed = 0
		t, err := tx.Targets().Get(ctx, target)
		if err != nil {
			return err
		}
		if t.AutoConfirmation != nil {
			return fmt.Errorf("target %q: %w", target, domain.ErrAutoConfirmationActive)
		}
		t.AutoConfirmation = &status
		if _, err := tx.Targets().Update(ctx, t); err != nil {
			return err
		}
		if err := emit(ctx, tx, now, domain.EventTargetUpdated, string(target), nil); err != nil {
			return err
		}

		active := true
		waiting, err := tx.Actions().List(ctx, domain.ActionQuery{
			TargetID: target,
			Active:   &active,
			Statuses: []domain.ActionStatus{domain.ActionStatusWaitForConfirmation},
		}, domain.PageRequest{})
		if err != nil {
			return err
		}
		for _, a := range waiting.Items {
			if a, err = domain.ConfirmAction(a); err != nil {
				return err
			}
			a.UpdatedAt = now
			if _, err := tx.Actions().Update(ctx, a); err != nil {
				return err
			}
			if err := appendHistory(ctx, tx, a.ID, domain.ActionStatusRunning, now, status.ActionMessage()); err != nil {
				return err
			}
			if err := emit(ctx, tx, now, domain.EventActionUpdated, idString(a.ID), nil); err != nil {
				return err
			}
			confirmed++
		}
		return nil
	})
	if err != nil {
		return domain.AutoConfirmationStatus{}, err
	}
	loggerOr(s.Logger).Info("auto-confirmation activated", "target", target, "initiator", initiator, "confirmed", confirmed)
	return status, nil
}

// DeactivateAutoConfirmation removes the auto-confirmation status. It is
// a no-op when none is active.
func (s *ConfirmationService) DeactivateAutoConfirmation(ctx context.Context, target domain.TargetID) error {
	now := nowOr(s.Now)
	return s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		t, err := tx.Targets().Get(ctx, target)
		if err != nil {
			return err
		}
		if t.AutoConfirmation == nil {
			return nil
		}
		t.AutoConfirmation = nil
		if _, err := tx.Targets().Update(ctx, t); err != nil {
			return err
		}
		return emit(ctx, tx, now, domain.EventTargetUpdated, string(target), nil)
	})
}

func (s *ConfirmationService) AutoConfirmationStatus(ctx context.Context, target domain.TargetID) (*domain.AutoConfirmationStatus, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (*domain.AutoConfirmationStatus, error) {
		t, err := tx.Targets().Get(ctx, target)
		if err != nil {
			return nil, err
		}
		return t.AutoConfirmation, nil
	})
}
