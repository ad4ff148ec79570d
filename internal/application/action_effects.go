package application

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// History messages written by the server.
const (
	msgWaitingForConfirmation = "Waiting for the confirmation by the device before processing with the deployment"
	msgCancelRequested        = "manual cancelation requested"
	msgForceQuit              = "A force quit has been performed."
	msgAlreadyAssigned        = "Distribution Set is already assigned. Skipping this action."
	msgCloseObsolete          = "close obsolete action due to new update"
	msgCancelObsolete         = "cancel obsolete action due to new update"
)

func msgInitiatedBy(principal string) string {
	return fmt.Sprintf("Assignment initiated by user '%s'", principal)
}

func msgConfirmedBy(initiator string) string {
	return fmt.Sprintf("Assignment confirmed by initiator [%s].", initiator)
}

func appendHistory(ctx context.Context, tx domain.Tx, id domain.ActionID, status domain.ActionStatus, at time.Time, msgs ...string) error {
	_, err := tx.ActionStatuses().Append(ctx, domain.ActionStatusEntry{
		ActionID:   id,
		Status:     status,
		Messages:   msgs,
		OccurredAt: at,
	})
	if err != nil {
		return fmt.Errorf("append %s to action %d: %w", status, id, err)
	}
	return nil
}

// initialEntry builds the first history entry of an action that was just
// activated, and the messages explaining how it got past confirmation.
func initialEntry(cfg domain.TenantConfig, a domain.Action, t domain.Target, requested bool, first string) (domain.ActionStatus, []string) {
	msgs := []string{first}
	if !cfg.ConfirmationFlowEnabled {
		return a.Status, msgs
	}
	switch {
	case a.Status == domain.ActionStatusWaitForConfirmation:
		msgs = append(msgs, msgWaitingForConfirmation)
	case !requested:
		msgs = append(msgs, msgConfirmedBy(a.InitiatedBy))
	case t.AutoConfirmation != nil:
		msgs = append(msgs, t.AutoConfirmation.ActionMessage())
	}
	return domain.ActionStatusWaitForConfirmation, msgs
}

func awaitsConfirmation(cfg domain.TenantConfig, requested bool, t domain.Target) bool {
	return cfg.ConfirmationFlowEnabled && requested && t.AutoConfirmation == nil
}

func activeActions(ctx context.Context, tx domain.Tx, target domain.TargetID) ([]domain.Action, error) {
	active := true
	page, err := tx.Actions().List(ctx, domain.ActionQuery{TargetID: target, Active: &active}, domain.PageRequest{})
	if err != nil {
		return nil, fmt.Errorf("list active actions of target %q: %w", target, err)
	}
	return page.Items, nil
}

// supersedeActiveActions closes or cancels the target's active actions
// ahead of a new assignment.
func supersedeActiveActions(ctx context.Context, tx domain.Tx, target domain.TargetID, autoclose bool, now time.Time) error {
	actions, err := activeActions(ctx, tx, target)
	if err != nil {
		return err
	}
	for _, a := range actions {
		var (
			next   domain.Action
			status domain.ActionStatus
			msg    string
			kind   = domain.EventActionUpdated
		)
		switch {
		case autoclose:
			next, err = domain.CloseAction(a)
			status, msg = domain.ActionStatusCanceled, msgCloseObsolete
		case a.IsCanceling():
			continue
		default:
			next, err = domain.CancelAction(a)
			status, msg = domain.ActionStatusCanceling, msgCancelObsolete
			kind = domain.EventCancelTargetAssignment
		}
		if err != nil {
			return err
		}
		next.UpdatedAt = now
		if _, err := tx.Actions().Update(ctx, next); err != nil {
			return fmt.Errorf("supersede action %d: %w", a.ID, err)
		}
		if err := appendHistory(ctx, tx, a.ID, status, now, msg); err != nil {
			return err
		}
		if err := emit(ctx, tx, now, kind, idString(a.ID), map[string]string{"target": string(target)}); err != nil {
			return err
		}
	}
	return nil
}

// cancelScheduledActions withdraws the target's scheduled actions.
func cancelScheduledActions(ctx context.Context, tx domain.Tx, target domain.TargetID, now time.Time) error {
	inactive := false
	page, err := tx.Actions().List(ctx, domain.ActionQuery{
		TargetID: target,
		Active:   &inactive,
		Statuses: []domain.ActionStatus{domain.ActionStatusScheduled},
	}, domain.PageRequest{})
	if err != nil {
		return fmt.Errorf("list scheduled actions of target %q: %w", target, err)
	}
	for _, a := range page.Items {
		next, err := domain.CloseAction(a)
		if err != nil {
			return err
		}
		next.UpdatedAt = now
		if _, err := tx.Actions().Update(ctx, next); err != nil {
			return fmt.Errorf("cancel scheduled action %d: %w", a.ID, err)
		}
		if err := emit(ctx, tx, now, domain.EventActionUpdated, idString(a.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// applyTargetEffect updates the action's target after a transition.
func applyTargetEffect(ctx context.Context, tx domain.Tx, a domain.Action, effect domain.TargetEffect, now time.Time) error {
	if effect == domain.TargetEffectNone {
		return nil
	}
	t, err := tx.Targets().Get(ctx, a.TargetID)
	if err != nil {
		return fmt.Errorf("get target %q: %w", a.TargetID, err)
	}

	switch effect {
	case domain.TargetEffectInstalled:
		set := a.SetID
		t.InstalledSet = &set
		t.InstalledAt = &now
		if a.IsDownloadOnly() {
			t.AssignedSet = &set
		}
		if t.InSync() {
			t.UpdateStatus = domain.TargetUpdateStatusInSync
		}
		t.RequestAttributes = true
	case domain.TargetEffectDownloaded:
		t.UpdateStatus = domain.TargetUpdateStatusInSync
		t.RequestAttributes = true
	case domain.TargetEffectFailed:
		t.UpdateStatus = domain.TargetUpdateStatusError
		t.AssignedSet = nil
	case domain.TargetEffectCanceled:
		others, err := activeActions(ctx, tx, a.TargetID)
		if err != nil {
			return err
		}
		var next *domain.Action
		for i := range others {
			if others[i].ID != a.ID {
				next = &others[i]
				break
			}
		}
		switch {
		case next != nil:
			set := next.SetID
			t.AssignedSet = &set
		case t.InstalledSet != nil:
			set := *t.InstalledSet
			t.AssignedSet = &set
			t.UpdateStatus = domain.TargetUpdateStatusInSync
		default:
			t.AssignedSet = nil
			t.UpdateStatus = domain.TargetUpdateStatusRegistered
		}
	}

	if _, err := tx.Targets().Update(ctx, t); err != nil {
		return fmt.Errorf("update target %q: %w", t.ID, err)
	}
	return emit(ctx, tx, now, domain.EventTargetUpdated, string(t.ID), nil)
}
