package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// DeploymentService assigns distribution sets to targets and administers
// the resulting actions.
type DeploymentService struct {
	Store  domain.Store
	Config domain.TenantConfigSource
	Quotas *QuotaGuard
	// SkipLockTags lists distribution set tags that suppress the implicit
	// lock on assignment.
	SkipLockTags []string
	ChunkSize    int
	Metrics      Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Assign creates actions for the requests. Every request is validated
// before anything is written; a rejected batch leaves no trace. Results
// are grouped per distribution set in order of first appearance.
func (s *DeploymentService) Assign(ctx context.Context, reqs []domain.DeploymentRequest) (results []domain.AssignmentResult, err error) {
	ctx, span := tracer.Start(ctx, "DeploymentService.Assign", trace.WithAttributes(attribute.Int("requests", len(reqs))))
	defer func() { endSpan(span, err) }()
	return s.assign(ctx, reqs, false)
}

// OfflineAssign records installations that happened out of band. The
// targets end up in sync with the set and the actions are closed as
// FINISHED.
func (s *DeploymentService) OfflineAssign(ctx context.Context, reqs []domain.DeploymentRequest) (results []domain.AssignmentResult, err error) {
	ctx, span := tracer.Start(ctx, "DeploymentService.OfflineAssign", trace.WithAttributes(attribute.Int("requests", len(reqs))))
	defer func() { endSpan(span, err) }()
	return s.assign(ctx, reqs, true)
}

func (s *DeploymentService) assign(ctx context.Context, reqs []domain.DeploymentRequest, offline bool) ([]domain.AssignmentResult, error) {
	cfg, err := snapshot(ctx, s.Config)
	if err != nil {
		return nil, err
	}
	reqs, err = s.prepare(reqs, cfg)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}

	var sets map[domain.DistributionSetID]domain.DistributionSet
	err = s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		sets, err = s.validate(ctx, tx, reqs, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := nowOr(s.Now)
	var (
		order []domain.DistributionSetID
		bySet = make(map[domain.DistributionSetID][]domain.DeploymentRequest)
	)
	for _, r := range reqs {
		if _, ok := bySet[r.SetID]; !ok {
			order = append(order, r.SetID)
		}
		bySet[r.SetID] = append(bySet[r.SetID], r)
	}

	source := SourceManual
	if offline {
		source = SourceOffline
	}
	results := make([]domain.AssignmentResult, 0, len(order))
	for _, setID := range order {
		if ds := sets[setID]; !ds.Locked && !ds.SkipsImplicitLock(s.SkipLockTags) {
			err := s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
				return lockDistributionSet(ctx, tx, setID, now)
			})
			if err != nil {
				return nil, fmt.Errorf("lock distribution set %d: %w", setID, err)
			}
		}

		res := domain.AssignmentResult{SetID: setID}
		for _, chunk := range chunks(bySet[setID], s.ChunkSize) {
			var created []domain.Action
			already := 0
			err := s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
				created, already = nil, 0
				for _, r := range chunk {
					a, ok, err := s.assignOne(ctx, tx, r, cfg, offline, now)
					if err != nil {
						return err
					}
					if !ok {
						already++
						continue
					}
					created = append(created, a)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("assign distribution set %d: %w", setID, err)
			}
			res.Actions = append(res.Actions, created...)
			res.Assigned += len(created)
			res.AlreadyAssigned += already
		}
		metricsOr(s.Metrics).ActionsCreated(source, res.Assigned)
		loggerOr(s.Logger).Info("distribution set assigned",
			"set", setID, "assigned", res.Assigned, "alreadyAssigned", res.AlreadyAssigned, "offline", offline)
		results = append(results, res)
	}
	return results, nil
}

// prepare validates the requests on their own and collapses duplicates.
func (s *DeploymentService) prepare(in []domain.DeploymentRequest, cfg domain.TenantConfig) ([]domain.DeploymentRequest, error) {
	reqs := make([]domain.DeploymentRequest, 0, len(in))
	for _, r := range in {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.ActionType == "" {
			r.ActionType = domain.ActionTypeForced
		}
		reqs = append(reqs, r)
	}

	if cfg.MultiAssignmentsEnabled {
		reqs = domain.DistinctRequests(reqs)
	} else {
		type pair struct {
			target domain.TargetID
			set    domain.DistributionSetID
		}
		seen := make(map[pair]bool, len(reqs))
		reqs = slices.DeleteFunc(reqs, func(r domain.DeploymentRequest) bool {
			p := pair{r.TargetID, r.SetID}
			if seen[p] {
				return true
			}
			seen[p] = true
			return false
		})
		if err := domain.CheckSingleAssignment(reqs); err != nil {
			return nil, err
		}
	}
	if err := s.Quotas.CheckManualAssignment(len(reqs)); err != nil {
		return nil, err
	}
	return reqs, nil
}

// validate checks sets, targets, type compatibility and the per-target
// action quota. A purge run by the quota check commits with it.
func (s *DeploymentService) validate(ctx context.Context, tx domain.Tx, reqs []domain.DeploymentRequest, cfg domain.TenantConfig) (map[domain.DistributionSetID]domain.DistributionSet, error) {
	sets := make(map[domain.DistributionSetID]domain.DistributionSet)
	types := make(map[string]domain.TargetType)
	perTarget := make(map[domain.TargetID]int)
	var targets []domain.TargetID

	for _, r := range reqs {
		ds, ok := sets[r.SetID]
		if !ok {
			var err error
			if ds, err = tx.DistributionSets().Get(ctx, r.SetID); err != nil {
				return nil, fmt.Errorf("distribution set %d: %w", r.SetID, err)
			}
			if err := ds.CheckAssignable(); err != nil {
				return nil, err
			}
			sets[r.SetID] = ds
		}

		t, err := tx.Targets().Get(ctx, r.TargetID)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", r.TargetID, err)
		}
		if t.TypeName != "" {
			tt, ok := types[t.TypeName]
			if !ok {
				if tt, err = tx.TargetTypes().Get(ctx, t.TypeName); err != nil {
					return nil, fmt.Errorf("target type %q: %w", t.TypeName, err)
				}
				types[t.TypeName] = tt
			}
			if err := domain.CheckTargetCompatible(&tt, ds); err != nil {
				return nil, fmt.Errorf("target %q: %w", t.ID, err)
			}
		}

		if perTarget[r.TargetID] == 0 {
			targets = append(targets, r.TargetID)
		}
		perTarget[r.TargetID]++
	}

	for _, id := range targets {
		if err := s.Quotas.AdmitActions(ctx, tx, id, perTarget[id], cfg.PurgeOnQuotaPercentage); err != nil {
			return nil, fmt.Errorf("target %q: %w", id, err)
		}
	}
	return sets, nil
}

// assignOne applies one validated request. It reports false when the
// target already has the set assigned.
func (s *DeploymentService) assignOne(ctx context.Context, tx domain.Tx, r domain.DeploymentRequest, cfg domain.TenantConfig, offline bool, now time.Time) (domain.Action, bool, error) {
	t, err := tx.Targets().Get(ctx, r.TargetID)
	if err != nil {
		return domain.Action{}, false, fmt.Errorf("target %q: %w", r.TargetID, err)
	}
	already, err := alreadyAssigned(ctx, tx, t, r.SetID, cfg, offline)
	if err != nil || already {
		return domain.Action{}, false, err
	}

	if !cfg.MultiAssignmentsEnabled {
		if err := supersedeActiveActions(ctx, tx, t.ID, cfg.ActionsAutocloseEnabled || offline, now); err != nil {
			return domain.Action{}, false, err
		}
		if err := cancelScheduledActions(ctx, tx, t.ID, now); err != nil {
			return domain.Action{}, false, err
		}
	}

	principal := domain.PrincipalFrom(ctx)
	a := domain.Action{
		TargetID:    t.ID,
		SetID:       r.SetID,
		Type:        r.ActionType,
		ForcedTime:  r.ForcedTime,
		Weight:      r.Weight,
		ExternalRef: r.ExternalRef,
		InitiatedBy: principal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entryStatus := domain.ActionStatusFinished
	msgs := []string{msgInitiatedBy(principal)}
	if offline {
		a.Status, a.Active = domain.ActionStatusFinished, false
	} else {
		a.Status, a.Active = domain.ActionStatusRunning, true
		if awaitsConfirmation(cfg, r.RequiresConfirmation(), t) {
			a.Status = domain.ActionStatusWaitForConfirmation
		}
		entryStatus, msgs = initialEntry(cfg, a, t, r.RequiresConfirmation(), msgs[0])
	}

	created, err := tx.Actions().Create(ctx, a)
	if err != nil {
		return domain.Action{}, false, fmt.Errorf("create action: %w", err)
	}
	if err := appendHistory(ctx, tx, created.ID, entryStatus, now, msgs...); err != nil {
		return domain.Action{}, false, err
	}

	set := r.SetID
	t.AssignedSet = &set
	if offline {
		installed := set
		t.InstalledSet = &installed
		t.InstalledAt = &now
		t.UpdateStatus = domain.TargetUpdateStatusInSync
	} else {
		t.UpdateStatus = domain.TargetUpdateStatusPending
	}
	if _, err := tx.Targets().Update(ctx, t); err != nil {
		return domain.Action{}, false, fmt.Errorf("update target %q: %w", t.ID, err)
	}

	attrs := map[string]string{"target": string(t.ID), "set": idString(set)}
	if err := emit(ctx, tx, now, domain.EventActionCreated, idString(created.ID), attrs); err != nil {
		return domain.Action{}, false, err
	}
	if !offline {
		if err := emit(ctx, tx, now, domain.EventTargetAssignment, string(t.ID), attrs); err != nil {
			return domain.Action{}, false, err
		}
	}
	if err := emit(ctx, tx, now, domain.EventTargetUpdated, string(t.ID), nil); err != nil {
		return domain.Action{}, false, err
	}
	return created, true, nil
}

// alreadyAssigned reports whether a new action for set would duplicate
// what the target already has. With multi-assignment only an active
// action for the same set counts.
func alreadyAssigned(ctx context.Context, tx domain.Tx, t domain.Target, set domain.DistributionSetID, cfg domain.TenantConfig, offline bool) (bool, error) {
	switch {
	case offline:
		return t.HasInstalled(set) && t.InSync(), nil
	case !cfg.MultiAssignmentsEnabled:
		return t.HasAssigned(set), nil
	}
	active, err := activeActions(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(active, func(a domain.Action) bool { return a.SetID == set }), nil
}

// Cancel asks the device to abort an active action.
func (s *DeploymentService) Cancel(ctx context.Context, id domain.ActionID) (domain.Action, error) {
	now := nowOr(s.Now)
	a, err := read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Action, error) {
		a, err := tx.Actions().Get(ctx, id)
		if err != nil {
			return domain.Action{}, err
		}
		if a, err = domain.CancelAction(a); err != nil {
			return domain.Action{}, err
		}
		a.UpdatedAt = now
		if a, err = tx.Actions().Update(ctx, a); err != nil {
			return domain.Action{}, err
		}
		if err := appendHistory(ctx, tx, id, domain.ActionStatusCanceling, now, msgCancelRequested); err != nil {
			return domain.Action{}, err
		}
		return a, emit(ctx, tx, now, domain.EventCancelTargetAssignment, idString(id),
			map[string]string{"target": string(a.TargetID)})
	})
	if err != nil {
		return domain.Action{}, err
	}
	loggerOr(s.Logger).Info("action cancelation requested", "action", id, "target", a.TargetID)
	return a, nil
}

// ForceQuit closes a canceling action without waiting for the device.
func (s *DeploymentService) ForceQuit(ctx context.Context, id domain.ActionID) (domain.Action, error) {
	now := nowOr(s.Now)
	a, err := read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Action, error) {
		a, err := tx.Actions().Get(ctx, id)
		if err != nil {
			return domain.Action{}, err
		}
		if err := forceQuit(ctx, tx, a, now); err != nil {
			return domain.Action{}, err
		}
		return tx.Actions().Get(ctx, id)
	})
	if err != nil {
		return domain.Action{}, err
	}
	loggerOr(s.Logger).Warn("action force quit", "action", id, "target", a.TargetID)
	return a, nil
}

func forceQuit(ctx context.Context, tx domain.Tx, a domain.Action, now time.Time) error {
	next, err := domain.ForceQuitAction(a)
	if err != nil {
		return err
	}
	next.UpdatedAt = now
	if next, err = tx.Actions().Update(ctx, next); err != nil {
		return err
	}
	if err := appendHistory(ctx, tx, a.ID, domain.ActionStatusCanceled, now, msgForceQuit); err != nil {
		return err
	}
	if err := applyTargetEffect(ctx, tx, next, domain.TargetEffectCanceled, now); err != nil {
		return err
	}
	return emit(ctx, tx, now, domain.EventActionUpdated, idString(a.ID), nil)
}

// FindActiveActionWithHighestWeight returns the action the target should
// work on next. The boolean is false when the target has no active action.
func (s *DeploymentService) FindActiveActionWithHighestWeight(ctx context.Context, target domain.TargetID) (domain.Action, bool, error) {
	cfg, err := snapshot(ctx, s.Config)
	if err != nil {
		return domain.Action{}, false, err
	}
	active, err := read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) ([]domain.Action, error) {
		return activeActions(ctx, tx, target)
	})
	if err != nil {
		return domain.Action{}, false, err
	}
	a, ok := domain.HighestWeight(active, cfg.ActionWeightIfAbsent)
	return a, ok, nil
}

func (s *DeploymentService) GetAction(ctx context.Context, id domain.ActionID) (domain.Action, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Action, error) {
		return tx.Actions().Get(ctx, id)
	})
}

func (s *DeploymentService) FindActionsByTarget(ctx context.Context, target domain.TargetID, page domain.PageRequest) (domain.Page[domain.Action], error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.Action], error) {
		return tx.Actions().List(ctx, domain.ActionQuery{TargetID: target}, page)
	})
}

// FindActionStatusHistory returns the history of an action, oldest first.
func (s *DeploymentService) FindActionStatusHistory(ctx context.Context, id domain.ActionID, page domain.PageRequest) (domain.Page[domain.ActionStatusEntry], error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.ActionStatusEntry], error) {
		if _, err := tx.Actions().Get(ctx, id); err != nil {
			return domain.Page[domain.ActionStatusEntry]{}, err
		}
		return tx.ActionStatuses().List(ctx, id, page)
	})
}

func (s *DeploymentService) CountActionsByTarget(ctx context.Context, target domain.TargetID) (int, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (int, error) {
		return countActions(ctx, tx, target)
	})
}
