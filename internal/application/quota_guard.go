package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// QuotaGuard enforces the admission limits before a change is written. A
// nil guard enforces [domain.DefaultQuotas].
type QuotaGuard struct {
	Limits    domain.Quotas
	ChunkSize int
	Metrics   Metrics
	Logger    *slog.Logger
}

func (g *QuotaGuard) limits() domain.Quotas {
	if g == nil {
		return domain.DefaultQuotas()
	}
	return g.Limits
}

// CheckStatusEntries fails when the action's history cannot take
// requested more entries.
func (g *QuotaGuard) CheckStatusEntries(ctx context.Context, tx domain.Tx, id domain.ActionID, requested int) error {
	limit := g.limits().MaxStatusEntriesPerAction
	if limit <= 0 {
		return nil
	}
	n, err := tx.ActionStatuses().Count(ctx, id)
	if err != nil {
		return fmt.Errorf("count status entries of action %d: %w", id, err)
	}
	return domain.CheckQuota(domain.QuotaStatusEntriesPerAction, limit, n, requested)
}

func (g *QuotaGuard) CheckMessages(msgs []string) error {
	return domain.CheckQuota(domain.QuotaMessagesPerStatusEntry, g.limits().MaxMessagesPerStatusEntry, 0, len(msgs))
}

// CheckAttributes checks the attribute count a target would end up with.
func (g *QuotaGuard) CheckAttributes(total int) error {
	return domain.CheckQuota(domain.QuotaAttributeEntriesPerTarget, g.limits().MaxAttributeEntriesPerTarget, 0, total)
}

// CheckMetadata checks the metadata count an entity would end up with.
func (g *QuotaGuard) CheckMetadata(total int) error {
	return domain.CheckQuota(domain.QuotaMetadataEntriesPerEntity, g.limits().MaxMetadataEntriesPerEntity, 0, total)
}

func (g *QuotaGuard) CheckGroups(total int) error {
	return domain.CheckQuota(domain.QuotaRolloutGroupsPerRollout, g.limits().MaxRolloutGroupsPerRollout, 0, total)
}

func (g *QuotaGuard) CheckGroupTargets(total int) error {
	return domain.CheckQuota(domain.QuotaTargetsPerRolloutGroup, g.limits().MaxTargetsPerRolloutGroup, 0, total)
}

func (g *QuotaGuard) CheckManualAssignment(requested int) error {
	return domain.CheckQuota(domain.QuotaTargetsPerManualAssignment, g.limits().MaxTargetsPerManualAssignment, 0, requested)
}

// AdmitActions checks that target can hold requested more actions. When
// it cannot and purgePercentage is positive, the oldest closed actions of
// the target are deleted, at most purgePercentage of its actions, and the
// check runs once more. If that still fails the original error is
// returned and the caller's unit of work must be rolled back.
func (g *QuotaGuard) AdmitActions(ctx context.Context, tx domain.Tx, target domain.TargetID, requested int, purgePercentage float64) error {
	limit := g.limits().MaxActionsPerTarget
	if limit <= 0 {
		return nil
	}
	current, err := countActions(ctx, tx, target)
	if err != nil {
		return err
	}
	qerr := domain.CheckQuota(domain.QuotaActionsPerTarget, limit, current, requested)
	if qerr == nil || purgePercentage <= 0 {
		return qerr
	}

	purged, err := g.purge(ctx, tx, target, domain.PurgeCount(current, purgePercentage))
	if err != nil {
		return err
	}
	if purged == 0 {
		return qerr
	}
	if domain.CheckQuota(domain.QuotaActionsPerTarget, limit, current-purged, requested) != nil {
		return qerr
	}
	return nil
}

func countActions(ctx context.Context, tx domain.Tx, target domain.TargetID) (int, error) {
	counts, err := tx.Actions().CountByStatus(ctx, domain.ActionQuery{TargetID: target})
	if err != nil {
		return 0, fmt.Errorf("count actions of target %q: %w", target, err)
	}
	n := 0
	for _, c := range counts {
		n += c
	}
	return n, nil
}

// purge deletes up to n of the target's oldest closed actions.
func (g *QuotaGuard) purge(ctx context.Context, tx domain.Tx, target domain.TargetID, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	inactive := false
	page, err := tx.Actions().List(ctx, domain.ActionQuery{TargetID: target, Active: &inactive}, domain.PageRequest{})
	if err != nil {
		return 0, fmt.Errorf("list closed actions of target %q: %w", target, err)
	}
	ids := make([]domain.ActionID, 0, n)
	for _, a := range page.Items {
		if len(ids) == n {
			break
		}
		if a.IsClosed() {
			ids = append(ids, a.ID)
		}
	}
	var chunkSize int
	if g != nil {
		chunkSize = g.ChunkSize
	}
	for _, chunk := range chunks(ids, chunkSize) {
		if err := tx.Actions().Delete(ctx, chunk); err != nil {
			return 0, fmt.Errorf("purge actions of target %q: %w", target, err)
		}
	}
	if len(ids) > 0 && g != nil {
		loggerOr(g.Logger).Info("purged closed actions to admit assignment", "target", target, "purged", len(ids))
		metricsOr(g.Metrics).ActionsPurged(len(ids))
	}
	return len(ids), nil
}
