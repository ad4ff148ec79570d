package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

const msgRolloutStopped = "rollout was stopped"

func msgInitiatedByRollout(name string) string {
	return fmt.Sprintf("Assignment initiated by rollout '%s'", name)
}

// RolloutExecutor implements the steps of a rollout tick. Every step
// re-reads the rollout and returns without effect when the rollout is no
// longer in the status the step handles.
type RolloutExecutor struct {
	Store   domain.Store
	Config  domain.TenantConfigSource
	Quotas  *QuotaGuard
	Metrics Metrics
	// ChunkSize bounds the targets or actions handled per unit of work.
	ChunkSize int
	// DynamicFillInterval throttles how often dynamic groups look for
	// newly matching targets.
	DynamicFillInterval time.Duration
	Logger              *slog.Logger
	Now                 func() time.Time

	locks rolloutLocks
}

var _ domain.RolloutHandler = (*RolloutExecutor)(nil)

// The handler steps hold the rollout's lock, so a step never overlaps
// another step or a manual operation on the same rollout.

func (e *RolloutExecutor) FillGroups(ctx context.Context, id domain.RolloutID) error {
	defer e.locks.lock(id)()
	return e.fillGroups(ctx, id)
}

func (e *RolloutExecutor) AutoStart(ctx context.Context, id domain.RolloutID) error {
	defer e.locks.lock(id)()
	return e.autoStart(ctx, id)
}

func (e *RolloutExecutor) ScheduleGroups(ctx context.Context, id domain.RolloutID) error {
	defer e.locks.lock(id)()
	return e.scheduleGroups(ctx, id)
}

func (e *RolloutExecutor) EvaluateGroups(ctx context.Context, id domain.RolloutID) error {
	defer e.locks.lock(id)()
	return e.evaluateGroups(ctx, id)
}

func (e *RolloutExecutor) FillDynamicGroup(ctx context.Context, id domain.RolloutID) error {
	defer e.locks.lock(id)()
	return e.fillDynamicGroup(ctx, id)
}

func (e *RolloutExecutor) Stop(ctx context.Context, id domain.RolloutID) error {
	defer e.locks.lock(id)()
	return e.stop(ctx, id)
}

func (e *RolloutExecutor) Delete(ctx context.Context, id domain.RolloutID) error {
	defer e.locks.lock(id)()
	return e.delete(ctx, id)
}

func (e *RolloutExecutor) Status(ctx context.Context, id domain.RolloutID) (domain.RolloutStatus, error) {
	return read(ctx, e.Store, func(ctx context.Context, tx domain.Tx) (domain.RolloutStatus, error) {
		r, err := tx.Rollouts().Get(ctx, id)
		if err != nil {
			return "", err
		}
		return r.Status, nil
	})
}

// load returns the rollout when it is in one of the given statuses.
func (e *RolloutExecutor) load(ctx context.Context, id domain.RolloutID, statuses ...domain.RolloutStatus) (domain.Rollout, bool, error) {
	r, err := read(ctx, e.Store, func(ctx context.Context, tx domain.Tx) (domain.Rollout, error) {
		return tx.Rollouts().Get(ctx, id)
	})
	if err != nil {
		return domain.Rollout{}, false, err
	}
	return r, r.Expect(statuses...) == nil, nil
}

// transition moves the rollout from one status to another in its own
// unit of work. It reports false when the rollout is no longer in from.
func (e *RolloutExecutor) transition(ctx context.Context, id domain.RolloutID, from, to domain.RolloutStatus, mutate func(*domain.Rollout)) (bool, error) {
	moved := false
	err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		moved = false
		r, err := tx.Rollouts().Get(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != from {
			return nil
		}
		if err := r.Transition(to); err != nil {
			return err
		}
		if mutate != nil {
			mutate(&r)
		}
		if _, err := tx.Rollouts().Update(ctx, r); err != nil {
			return err
		}
		moved = true
		return emit(ctx, tx, nowOr(e.Now), domain.EventRolloutUpdated, idString(id), map[string]string{"status": string(to)})
	})
	return moved, err
}

func setGroupStatus(ctx context.Context, tx domain.Tx, g domain.RolloutGroup, to domain.RolloutGroupStatus, now time.Time) (domain.RolloutGroup, error) {
	if g.Status == to {
		return g, nil
	}
	if err := g.Transition(to); err != nil {
		return g, err
	}
	g, err := tx.RolloutGroups().Update(ctx, g)
	if err != nil {
		return g, fmt.Errorf("update rollout group %d: %w", g.ID, err)
	}
	return g, emit(ctx, tx, now, domain.EventRolloutGroupUpdated, idString(g.ID), map[string]string{"status": string(to)})
}

// eachMatchingTarget pages through the targets accepted by the rollout
// filter whose type accepts the distribution set, in creation order. It
// stops early when fn returns false.
func eachMatchingTarget(ctx context.Context, tx domain.Tx, query string, ds domain.DistributionSet, pageSize int, fn func(domain.Target) bool) error {
	f, err := domain.ParseTargetFilter(query)
	if err != nil {
		return err
	}
	types := make(map[string]bool)
	for offset := 0; ; offset += pageSize {
		page, err := tx.Targets().Find(ctx, f, domain.PageRequest{Offset: offset, Limit: pageSize})
		if err != nil {
			return fmt.Errorf("find targets: %w", err)
		}
		for _, t := range page.Items {
			if t.TypeName != "" {
				ok, seen := types[t.TypeName]
				if !seen {
					tt, err := tx.TargetTypes().Get(ctx, t.TypeName)
					if err != nil {
						return fmt.Errorf("target type %q: %w", t.TypeName, err)
					}
					ok = domain.CheckTargetCompatible(&tt, ds) == nil
					types[t.TypeName] = ok
				}
				if !ok {
					continue
				}
			}
			if !fn(t) {
				return nil
			}
		}
		if len(page.Items) < pageSize || offset+pageSize >= page.Total {
			return nil
		}
	}
}

// matchingTargets collects every target [eachMatchingTarget] visits.
func matchingTargets(ctx context.Context, tx domain.Tx, query string, ds domain.DistributionSet) ([]domain.Target, error) {
	var out []domain.Target
	err := eachMatchingTarget(ctx, tx, query, ds, defaultChunkSize, func(t domain.Target) bool {
		out = append(out, t)
		return true
	})
	return out, err
}

// planGroups partitions candidates into the static groups. Each group
// takes its percentage of the targets that match its sub-filter and were
// not taken by an earlier group.
func planGroups(candidates []domain.Target, shares []domain.GroupShare, taken map[domain.TargetID]bool) ([][]domain.TargetID, error) {
	plan := make([][]domain.TargetID, len(shares))
	for i, s := range shares {
		f, err := domain.ParseTargetFilter(s.TargetFilter)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i+1, err)
		}
		var pool []domain.TargetID
		for _, t := range candidates {
			if !taken[t.ID] && f.Matches(t) {
				pool = append(pool, t.ID)
			}
		}
		n := domain.GroupSize(domain.PercentFromRest(shares, i), len(pool))
		plan[i] = pool[:n]
		for _, id := range plan[i] {
			taken[id] = true
		}
	}
	return plan, nil
}

func staticShares(groups []domain.RolloutGroup) []domain.GroupShare {
	var shares []domain.GroupShare
	for _, g := range groups {
		if !g.Dynamic {
			shares = append(shares, domain.GroupShare{TargetFilter: g.TargetFilter, TargetPercentage: g.TargetPercentage})
		}
	}
	return shares
}

// fillGroups materializes group membership and makes the rollout ready,
// or waiting for approval.
func (e *RolloutExecutor) fillGroups(ctx context.Context, id domain.RolloutID) error {
	r, ok, err := e.load(ctx, id, domain.RolloutStatusCreating)
	if err != nil || !ok {
		return err
	}
	cfg, err := snapshot(ctx, e.Config)
	if err != nil {
		return err
	}
	now := nowOr(e.Now)

	type fill struct {
		group   domain.RolloutGroup
		members []domain.TargetID
	}
	fills, err := read(ctx, e.Store, func(ctx context.Context, tx domain.Tx) ([]fill, error) {
		ds, err := tx.DistributionSets().Get(ctx, r.SetID)
		if err != nil {
			return nil, err
		}
		groups, err := tx.RolloutGroups().ListByRollout(ctx, id)
		if err != nil {
			return nil, err
		}
		candidates, err := matchingTargets(ctx, tx, r.TargetFilter, ds)
		if err != nil {
			return nil, err
		}
		plan, err := planGroups(candidates, staticShares(groups), make(map[domain.TargetID]bool))
		if err != nil {
			return nil, err
		}
		var out []fill
		i := 0
		for _, g := range groups {
			if g.Dynamic {
				out = append(out, fill{group: g})
				continue
			}
			if err := e.Quotas.CheckGroupTargets(len(plan[i])); err != nil {
				return nil, fmt.Errorf("group %q: %w", g.Name, err)
			}
			out = append(out, fill{group: g, members: plan[i]})
			i++
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	total := 0
	for _, f := range fills {
		total += len(f.members)
		if f.group.Status != domain.RolloutGroupStatusCreating {
			continue
		}
		for _, chunk := range chunks(f.members, chunkSizeOr(e.ChunkSize)) {
			err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
				return tx.RolloutGroups().AddTargets(ctx, f.group.ID, chunk)
			})
			if err != nil {
				return fmt.Errorf("fill group %q: %w", f.group.Name, err)
			}
		}
		err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			g, err := tx.RolloutGroups().Get(ctx, f.group.ID)
			if err != nil {
				return err
			}
			g.TotalTargets = len(f.members)
			_, err = setGroupStatus(ctx, tx, g, domain.RolloutGroupStatusReady, now)
			return err
		})
		if err != nil {
			return err
		}
	}

	next := domain.RolloutStatusReady
	if cfg.RolloutApprovalEnabled {
		next = domain.RolloutStatusWaitingForApproval
	}
	moved, err := e.transition(ctx, id, domain.RolloutStatusCreating, next, func(r *domain.Rollout) {
		r.TotalTargets = total
	})
	if moved {
		loggerOr(e.Logger).Info("rollout groups filled", "rollout", id, "targets", total, "status", next)
	}
	return err
}

// autoStart starts a ready rollout whose start time has passed.
func (e *RolloutExecutor) autoStart(ctx context.Context, id domain.RolloutID) error {
	r, ok, err := e.load(ctx, id, domain.RolloutStatusReady)
	if err != nil || !ok {
		return err
	}
	if r.StartAt == nil || r.StartAt.After(nowOr(e.Now)) {
		return nil
	}
	moved, err := e.transition(ctx, id, domain.RolloutStatusReady, domain.RolloutStatusStarting, nil)
	if err != nil || !moved {
		return err
	}
	loggerOr(e.Logger).Info("rollout auto-started", "rollout", id)
	return e.scheduleGroups(ctx, id)
}

// createScheduledAction creates the inactive action of a group member.
// In single-assignment mode it withdraws the target's other scheduled
// actions first.
func (e *RolloutExecutor) createScheduledAction(ctx context.Context, tx domain.Tx, r domain.Rollout, groupID domain.RolloutGroupID, target domain.TargetID, cfg domain.TenantConfig, now time.Time) error {
	if err := e.Quotas.AdmitActions(ctx, tx, target, 1, cfg.PurgeOnQuotaPercentage); err != nil {
		return fmt.Errorf("target %q: %w", target, err)
	}
	if !cfg.MultiAssignmentsEnabled {
		if err := cancelScheduledActions(ctx, tx, target, now); err != nil {
			return err
		}
	}
	rolloutID, gid := r.ID, groupID
	a, err := tx.Actions().Create(ctx, domain.Action{
		TargetID:    target,
		SetID:       r.SetID,
		Type:        r.ActionType,
		ForcedTime:  r.ForcedTime,
		Status:      domain.ActionStatusScheduled,
		Weight:      r.Weight,
		RolloutID:   &rolloutID,
		GroupID:     &gid,
		InitiatedBy: r.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("create scheduled action for %q: %w", target, err)
	}
	return emit(ctx, tx, now, domain.EventActionCreated, idString(a.ID),
		map[string]string{"target": string(target), "rollout": idString(r.ID)})
}

// scheduleGroup creates the scheduled actions of every member of g that
// has none yet.
func (e *RolloutExecutor) scheduleGroup(ctx context.Context, r domain.Rollout, g domain.RolloutGroup, cfg domain.TenantConfig) (int, error) {
	created := 0
	for {
		n := 0
		err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			now := nowOr(e.Now)
			targets, err := tx.RolloutGroups().ListTargetsWithoutAction(ctx, g.ID, chunkSizeOr(e.ChunkSize))
			if err != nil {
				return err
			}
			for _, t := range targets {
				if err := e.createScheduledAction(ctx, tx, r, g.ID, t, cfg, now); err != nil {
					return err
				}
			}
			n = len(targets)
			return nil
		})
		if err != nil {
			return created, fmt.Errorf("schedule group %q: %w", g.Name, err)
		}
		if n == 0 {
			return created, nil
		}
		created += n
	}
}

// scheduleGroups creates the scheduled actions of a starting rollout,
// starts its first group and marks it running.
func (e *RolloutExecutor) scheduleGroups(ctx context.Context, id domain.RolloutID) error {
	r, ok, err := e.load(ctx, id, domain.RolloutStatusStarting)
	if err != nil || !ok {
		return err
	}
	cfg, err := snapshot(ctx, e.Config)
	if err != nil {
		return err
	}
	groups, err := e.groups(ctx, id)
	if err != nil {
		return err
	}

	created := 0
	for i, g := range groups {
		n, err := e.scheduleGroup(ctx, r, g, cfg)
		if err != nil {
			return err
		}
		created += n
		err = e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			current, err := tx.RolloutGroups().Get(ctx, g.ID)
			if err != nil {
				return err
			}
			if current.Status == domain.RolloutGroupStatusReady {
				current, err = setGroupStatus(ctx, tx, current, domain.RolloutGroupStatusScheduled, nowOr(e.Now))
			}
			groups[i] = current
			return err
		})
		if err != nil {
			return err
		}
	}
	metricsOr(e.Metrics).ActionsCreated(SourceRollout, created)

	if len(groups) > 0 && groups[0].Status == domain.RolloutGroupStatusScheduled {
		if err := e.startGroup(ctx, r, groups[0], cfg); err != nil {
			return err
		}
	}
	moved, err := e.transition(ctx, id, domain.RolloutStatusStarting, domain.RolloutStatusRunning, nil)
	if moved {
		loggerOr(e.Logger).Info("rollout started", "rollout", id, "groups", len(groups), "actions", created)
	}
	return err
}

func (e *RolloutExecutor) groups(ctx context.Context, id domain.RolloutID) ([]domain.RolloutGroup, error) {
	return read(ctx, e.Store, func(ctx context.Context, tx domain.Tx) ([]domain.RolloutGroup, error) {
		return tx.RolloutGroups().ListByRollout(ctx, id)
	})
}

// startGroup activates the scheduled actions of g and marks it running.
// Actions whose set the target already has are closed as satisfied.
func (e *RolloutExecutor) startGroup(ctx context.Context, r domain.Rollout, g domain.RolloutGroup, cfg domain.TenantConfig) error {
	gid := g.ID
	inactive := false
	q := domain.ActionQuery{GroupID: &gid, Active: &inactive, Statuses: []domain.ActionStatus{domain.ActionStatusScheduled}}
	started, skipped := 0, 0
	for {
		n := 0
		err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			now := nowOr(e.Now)
			page, err := tx.Actions().List(ctx, q, domain.PageRequest{Limit: chunkSizeOr(e.ChunkSize)})
			if err != nil {
				return err
			}
			for _, a := range page.Items {
				ok, err := e.startAction(ctx, tx, r, g, a, cfg, now)
				if err != nil {
					return err
				}
				if ok {
					started++
				} else {
					skipped++
				}
			}
			n = len(page.Items)
			return nil
		})
		if err != nil {
			return fmt.Errorf("start group %q: %w", g.Name, err)
		}
		if n == 0 {
			break
		}
	}

	err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.RolloutGroups().Get(ctx, g.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.RolloutGroupStatusScheduled {
			_, err = setGroupStatus(ctx, tx, current, domain.RolloutGroupStatusRunning, nowOr(e.Now))
		}
		return err
	})
	if err != nil {
		return err
	}
	log := loggerOr(e.Logger)
	if g.Status == domain.RolloutGroupStatusScheduled {
		log.Info("rollout group started", "rollout", r.ID, "group", g.Name, "started", started, "skipped", skipped)
	} else {
		log.Debug("rollout group actions started", "rollout", r.ID, "group", g.Name, "started", started, "skipped", skipped)
	}
	return nil
}

func (e *RolloutExecutor) startAction(ctx context.Context, tx domain.Tx, r domain.Rollout, g domain.RolloutGroup, a domain.Action, cfg domain.TenantConfig, now time.Time) (bool, error) {
	t, err := tx.Targets().Get(ctx, a.TargetID)
	if err != nil {
		return false, fmt.Errorf("target %q: %w", a.TargetID, err)
	}
	already, err := alreadyAssigned(ctx, tx, t, a.SetID, cfg, false)
	if err != nil {
		return false, err
	}
	if already {
		if a, err = domain.SkipAction(a); err != nil {
			return false, err
		}
		a.UpdatedAt = now
		if _, err := tx.Actions().Update(ctx, a); err != nil {
			return false, err
		}
		if err := appendHistory(ctx, tx, a.ID, domain.ActionStatusFinished, now, msgAlreadyAssigned); err != nil {
			return false, err
		}
		return false, emit(ctx, tx, now, domain.EventActionUpdated, idString(a.ID), map[string]string{"status": string(a.Status)})
	}

	if !cfg.MultiAssignmentsEnabled {
		if err := supersedeActiveActions(ctx, tx, t.ID, cfg.ActionsAutocloseEnabled, now); err != nil {
			return false, err
		}
	}
	if a, err = domain.StartAction(a, awaitsConfirmation(cfg, g.ConfirmationRequired, t)); err != nil {
		return false, err
	}
	a.UpdatedAt = now
	if a, err = tx.Actions().Update(ctx, a); err != nil {
		return false, err
	}
	status, msgs := initialEntry(cfg, a, t, g.ConfirmationRequired, msgInitiatedByRollout(r.Name))
	if err := appendHistory(ctx, tx, a.ID, status, now, msgs...); err != nil {
		return false, err
	}

	set := a.SetID
	t.AssignedSet = &set
	t.UpdateStatus = domain.TargetUpdateStatusPending
	if _, err := tx.Targets().Update(ctx, t); err != nil {
		return false, fmt.Errorf("update target %q: %w", t.ID, err)
	}
	attrs := map[string]string{"target": string(t.ID), "set": idString(set), "rollout": idString(r.ID)}
	if err := emit(ctx, tx, now, domain.EventActionUpdated, idString(a.ID), map[string]string{"status": string(a.Status)}); err != nil {
		return false, err
	}
	if err := emit(ctx, tx, now, domain.EventTargetAssignment, string(t.ID), attrs); err != nil {
		return false, err
	}
	return true, emit(ctx, tx, now, domain.EventTargetUpdated, string(t.ID), nil)
}

// evaluateGroups applies the conditions of every running group. A failed
// group pauses the rollout; a succeeded group starts its successor.
func (e *RolloutExecutor) evaluateGroups(ctx context.Context, id domain.RolloutID) error {
	r, ok, err := e.load(ctx, id, domain.RolloutStatusRunning)
	if err != nil || !ok {
		return err
	}
	cfg, err := snapshot(ctx, e.Config)
	if err != nil {
		return err
	}
	groups, err := e.groups(ctx, id)
	if err != nil {
		return err
	}

	var toStart []domain.RolloutGroup
	for i, g := range groups {
		if g.Status != domain.RolloutGroupStatusRunning {
			continue
		}
		var decision domain.GroupDecision
		err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			gid := g.ID
			byStatus, err := tx.Actions().CountByStatus(ctx, domain.ActionQuery{GroupID: &gid})
			if err != nil {
				return err
			}
			decision = domain.EvaluateGroup(g, domain.CountGroup(byStatus, r.ActionType))
			now := nowOr(e.Now)
			switch decision {
			case domain.GroupFailed:
				if groups[i], err = setGroupStatus(ctx, tx, g, domain.RolloutGroupStatusError, now); err != nil {
					return err
				}
				ro, err := tx.Rollouts().Get(ctx, id)
				if err != nil {
					return err
				}
				if err := ro.Transition(domain.RolloutStatusPaused); err != nil {
					return err
				}
				if _, err := tx.Rollouts().Update(ctx, ro); err != nil {
					return err
				}
				return emit(ctx, tx, now, domain.EventRolloutUpdated, idString(id), map[string]string{"status": string(ro.Status)})
			case domain.GroupSucceeded:
				groups[i], err = setGroupStatus(ctx, tx, g, domain.RolloutGroupStatusFinished, now)
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("evaluate group %q: %w", g.Name, err)
		}
		metricsOr(e.Metrics).GroupDecided(decision)

		switch decision {
		case domain.GroupFailed:
			loggerOr(e.Logger).Warn("rollout paused: group exceeded error threshold", "rollout", id, "group", g.Name)
			return nil
		case domain.GroupSucceeded:
			loggerOr(e.Logger).Info("rollout group finished", "rollout", id, "group", g.Name)
			if i+1 < len(groups) && groups[i+1].Status == domain.RolloutGroupStatusScheduled {
				toStart = append(toStart, groups[i+1])
			}
		}
	}

	running := slices.ContainsFunc(groups, func(g domain.RolloutGroup) bool {
		return g.Status == domain.RolloutGroupStatusRunning
	})
	if len(toStart) == 0 && !running {
		if i := slices.IndexFunc(groups, func(g domain.RolloutGroup) bool {
			return g.Status == domain.RolloutGroupStatusScheduled
		}); i >= 0 {
			toStart = append(toStart, groups[i])
		}
	}
	for _, g := range toStart {
		if err := e.startGroup(ctx, r, g, cfg); err != nil {
			return err
		}
	}
	if len(toStart) > 0 || running || r.Dynamic {
		return nil
	}

	// Errored groups stay ERROR; the rollout is complete once no group is
	// left to run.
	done := !slices.ContainsFunc(groups, func(g domain.RolloutGroup) bool {
		return g.Status == domain.RolloutGroupStatusRunning || g.Status == domain.RolloutGroupStatusScheduled
	})
	if !done {
		return nil
	}
	moved, err := e.transition(ctx, id, domain.RolloutStatusRunning, domain.RolloutStatusFinished, nil)
	if moved {
		loggerOr(e.Logger).Info("rollout finished", "rollout", id)
	}
	return err
}

func dynamicGroupName(tmpl domain.DynamicGroupTemplate, position int) string {
	suffix := tmpl.NameSuffix
	if suffix == "" {
		suffix = "-dynamic"
	}
	return fmt.Sprintf("group-%d%s", position, suffix)
}

func newDynamicGroup(r domain.Rollout, position int, status domain.RolloutGroupStatus) domain.RolloutGroup {
	tmpl := *r.DynamicTemplate
	return domain.RolloutGroup{
		RolloutID:            r.ID,
		Name:                 dynamicGroupName(tmpl, position),
		Position:             position,
		Status:               status,
		TargetPercentage:     100,
		ConfirmationRequired: tmpl.ConfirmationRequired,
		Conditions:           tmpl.Conditions,
		Dynamic:              true,
		TargetCount:          tmpl.TargetCount,
	}
}

// fillDynamicGroup adds targets that started matching the filter since
// the last fill to the trailing dynamic group, appending a new group when
// it is full. Targets already in any group of the rollout never return.
func (e *RolloutExecutor) fillDynamicGroup(ctx context.Context, id domain.RolloutID) error {
	r, ok, err := e.load(ctx, id, domain.RolloutStatusRunning)
	if err != nil || !ok || !r.Dynamic || r.DynamicTemplate == nil {
		return err
	}
	now := nowOr(e.Now)
	if r.LastDynamicFillAt != nil && now.Sub(*r.LastDynamicFillAt) < e.DynamicFillInterval {
		return nil
	}
	cfg, err := snapshot(ctx, e.Config)
	if err != nil {
		return err
	}

	var (
		group domain.RolloutGroup
		added int
	)
	err = e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		added = 0
		ro, err := tx.Rollouts().Get(ctx, id)
		if err != nil {
			return err
		}
		groups, err := tx.RolloutGroups().ListByRollout(ctx, id)
		if err != nil {
			return err
		}
		if len(groups) == 0 || !groups[len(groups)-1].Dynamic {
			return nil
		}
		group = groups[len(groups)-1]
		if group.IsFull() {
			if err := e.Quotas.CheckGroups(len(groups) + 1); err != nil {
				return err
			}
			next := newDynamicGroup(ro, group.Position+1, domain.RolloutGroupStatusScheduled)
			if group, err = tx.RolloutGroups().Create(ctx, next); err != nil {
				return err
			}
			if err := emit(ctx, tx, now, domain.EventRolloutGroupCreated, idString(group.ID), nil); err != nil {
				return err
			}
		}

		ds, err := tx.DistributionSets().Get(ctx, ro.SetID)
		if err != nil {
			return err
		}
		covered, err := tx.RolloutGroups().RolloutTargets(ctx, id)
		if err != nil {
			return err
		}
		members := make(map[domain.TargetID]struct{}, len(covered))
		for _, t := range covered {
			members[t] = struct{}{}
		}
		room := min(group.TargetCount-group.TotalTargets, chunkSizeOr(e.ChunkSize))
		var fresh []domain.TargetID
		if room > 0 {
			err = eachMatchingTarget(ctx, tx, ro.TargetFilter, ds, chunkSizeOr(e.ChunkSize), func(t domain.Target) bool {
				if _, ok := members[t.ID]; !ok {
					fresh = append(fresh, t.ID)
				}
				return len(fresh) < room
			})
			if err != nil {
				return err
			}
		}
		if err := e.Quotas.CheckGroupTargets(group.TotalTargets + len(fresh)); err != nil {
			return err
		}

		if len(fresh) > 0 {
			if err := tx.RolloutGroups().AddTargets(ctx, group.ID, fresh); err != nil {
				return err
			}
			group.TotalTargets += len(fresh)
			if group, err = tx.RolloutGroups().Update(ctx, group); err != nil {
				return err
			}
			for _, t := range fresh {
				if err := e.createScheduledAction(ctx, tx, ro, group.ID, t, cfg, now); err != nil {
					return err
				}
			}
			ro.TotalTargets += len(fresh)
		}
		ro.LastDynamicFillAt = &now
		if _, err := tx.Rollouts().Update(ctx, ro); err != nil {
			return err
		}
		added = len(fresh)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fill dynamic group: %w", err)
	}
	if added == 0 {
		return nil
	}
	metricsOr(e.Metrics).ActionsCreated(SourceRollout, added)
	loggerOr(e.Logger).Info("dynamic group filled", "rollout", id, "group", group.Name, "added", added)
	if group.Status == domain.RolloutGroupStatusRunning {
		return e.startGroup(ctx, r, group, cfg)
	}
	return nil
}

// deleteScheduledActions removes the rollout's actions that never
// started, one chunk per unit of work.
func (e *RolloutExecutor) deleteScheduledActions(ctx context.Context, id domain.RolloutID) error {
	rid := id
	inactive := false
	q := domain.ActionQuery{RolloutID: &rid, Active: &inactive, Statuses: []domain.ActionStatus{domain.ActionStatusScheduled}}
	for {
		n := 0
		err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			page, err := tx.Actions().List(ctx, q, domain.PageRequest{Limit: chunkSizeOr(e.ChunkSize)})
			if err != nil {
				return err
			}
			ids := make([]domain.ActionID, len(page.Items))
			for i, a := range page.Items {
				ids[i] = a.ID
			}
			n = len(ids)
			if n == 0 {
				return nil
			}
			return tx.Actions().Delete(ctx, ids)
		})
		if err != nil {
			return fmt.Errorf("delete scheduled actions of rollout %d: %w", id, err)
		}
		if n == 0 {
			return nil
		}
	}
}

// cancelActiveActions cancels the rollout's active actions, and closes
// them right away when force is set.
func (e *RolloutExecutor) cancelActiveActions(ctx context.Context, id domain.RolloutID, force bool) error {
	rid := id
	active := true
	ids, err := read(ctx, e.Store, func(ctx context.Context, tx domain.Tx) ([]domain.ActionID, error) {
		page, err := tx.Actions().List(ctx, domain.ActionQuery{RolloutID: &rid, Active: &active}, domain.PageRequest{})
		if err != nil {
			return nil, err
		}
		ids := make([]domain.ActionID, len(page.Items))
		for i, a := range page.Items {
			ids[i] = a.ID
		}
		return ids, nil
	})
	if err != nil {
		return err
	}
	for _, chunk := range chunks(ids, chunkSizeOr(e.ChunkSize)) {
		err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			now := nowOr(e.Now)
			for _, aid := range chunk {
				a, err := tx.Actions().Get(ctx, aid)
				if err != nil {
					return err
				}
				if !a.Active {
					continue
				}
				if !a.IsCanceling() {
					if a, err = domain.CancelAction(a); err != nil {
						return err
					}
					a.UpdatedAt = now
					if a, err = tx.Actions().Update(ctx, a); err != nil {
						return err
					}
					if err := appendHistory(ctx, tx, a.ID, domain.ActionStatusCanceling, now, msgRolloutStopped); err != nil {
						return err
					}
					if err := emit(ctx, tx, now, domain.EventCancelTargetAssignment, idString(a.ID),
						map[string]string{"target": string(a.TargetID)}); err != nil {
						return err
					}
				}
				if force {
					if err := forceQuit(ctx, tx, a, now); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("cancel actions of rollout %d: %w", id, err)
		}
	}
	return nil
}

// closeGroups finishes every open group and moves the rollout from one
// status to its terminal one.
func (e *RolloutExecutor) closeGroups(ctx context.Context, id domain.RolloutID, from, to domain.RolloutStatus, mutate func(*domain.Rollout)) (bool, error) {
	err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		groups, err := tx.RolloutGroups().ListByRollout(ctx, id)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if g.IsOpen() {
				if _, err := setGroupStatus(ctx, tx, g, domain.RolloutGroupStatusFinished, nowOr(e.Now)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return e.transition(ctx, id, from, to, mutate)
}

// stop deletes the scheduled actions of a stopping rollout, cancels its
// active ones and marks it stopped.
func (e *RolloutExecutor) stop(ctx context.Context, id domain.RolloutID) error {
	if _, ok, err := e.load(ctx, id, domain.RolloutStatusStopping); err != nil || !ok {
		return err
	}
	if err := e.deleteScheduledActions(ctx, id); err != nil {
		return err
	}
	if err := e.cancelActiveActions(ctx, id, false); err != nil {
		return err
	}
	moved, err := e.closeGroups(ctx, id, domain.RolloutStatusStopping, domain.RolloutStatusStopped, nil)
	if moved {
		loggerOr(e.Logger).Info("rollout stopped", "rollout", id)
	}
	return err
}

// delete removes a deleting rollout. A rollout that never started an
// action is removed with its groups; otherwise its scheduled actions are
// deleted, active ones force-quit and the rollout kept as deleted.
func (e *RolloutExecutor) delete(ctx context.Context, id domain.RolloutID) error {
	if _, ok, err := e.load(ctx, id, domain.RolloutStatusDeleting); err != nil || !ok {
		return err
	}
	rid := id
	counts, err := read(ctx, e.Store, func(ctx context.Context, tx domain.Tx) (map[domain.ActionStatus]int, error) {
		return tx.Actions().CountByStatus(ctx, domain.ActionQuery{RolloutID: &rid})
	})
	if err != nil {
		return err
	}
	started := false
	for s, n := range counts {
		if s != domain.ActionStatusScheduled && n > 0 {
			started = true
		}
	}

	log := loggerOr(e.Logger)
	if !started {
		err := e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			if err := tx.Rollouts().Delete(ctx, id); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil
				}
				return err
			}
			return emit(ctx, tx, nowOr(e.Now), domain.EventRolloutDeleted, idString(id), nil)
		})
		if err == nil {
			log.Info("rollout deleted", "rollout", id)
		}
		return err
	}

	if err := e.deleteScheduledActions(ctx, id); err != nil {
		return err
	}
	if err := e.cancelActiveActions(ctx, id, true); err != nil {
		return err
	}
	moved, err := e.closeGroups(ctx, id, domain.RolloutStatusDeleting, domain.RolloutStatusDeleted, func(r *domain.Rollout) {
		r.Deleted = true
	})
	if err != nil {
		return err
	}
	if moved {
		err = e.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			return emit(ctx, tx, nowOr(e.Now), domain.EventRolloutDeleted, idString(id), nil)
		})
		log.Info("rollout marked deleted", "rollout", id)
	}
	return err
}
