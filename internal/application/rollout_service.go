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

// GroupDefinition declares one static group of a rollout.
type GroupDefinition struct {
	Name        string
	Description string
	// TargetFilter narrows the rollout filter for this group. Empty means
	// no narrowing.
	TargetFilter string
	// TargetPercentage is the group's share of the rollout's targets.
	TargetPercentage float64
	// ConfirmationRequired overrides the rollout's setting when set.
	ConfirmationRequired *bool
	// Conditions default to [domain.DefaultGroupConditions].
	Conditions *domain.GroupConditions
}

// CreateRolloutInput describes a new rollout. Either Groups or Amount
// defines its static groups.
type CreateRolloutInput struct {
	Name         string
	Description  string
	TargetFilter string
	SetID        domain.DistributionSetID
	ActionType   domain.ActionType
	ForcedTime   *time.Time
	Weight       *int
	StartAt      *time.Time
	// ConfirmationRequired defaults to true.
	ConfirmationRequired *bool
	Groups               []GroupDefinition
	// Amount splits the rollout into groups of equal percentage.
	Amount int
	// Conditions apply to groups created from Amount.
	Conditions *domain.GroupConditions
	// DynamicTemplate makes the rollout dynamic.
	DynamicTemplate *domain.DynamicGroupTemplate
}

// RolloutService manages rollouts on behalf of operators. Lifecycle
// calls record the requested status and, when an executor is set, run
// the matching step right away instead of leaving it to the next tick.
type RolloutService struct {
	Store        domain.Store
	Quotas       *QuotaGuard
	Executor     *RolloutExecutor
	SkipLockTags []string
	Logger       *slog.Logger
	Now          func() time.Time
}

type plannedGroup struct {
	domain.RolloutGroup
	size int
}

func (in CreateRolloutInput) groups() ([]plannedGroup, error) {
	confirm := in.ConfirmationRequired == nil || *in.ConfirmationRequired
	var out []plannedGroup
	switch {
	case len(in.Groups) > 0:
		for i, d := range in.Groups {
			g := domain.RolloutGroup{
				Name:                 d.Name,
				Description:          d.Description,
				Position:             i + 1,
				TargetFilter:         d.TargetFilter,
				TargetPercentage:     d.TargetPercentage,
				ConfirmationRequired: confirm,
				Conditions:           domain.DefaultGroupConditions(),
			}
			if g.Name == "" {
				g.Name = fmt.Sprintf("group-%d", i+1)
			}
			if d.ConfirmationRequired != nil {
				g.ConfirmationRequired = *d.ConfirmationRequired
			}
			if d.Conditions != nil {
				g.Conditions = *d.Conditions
			}
			out = append(out, plannedGroup{RolloutGroup: g})
		}
	case in.Amount > 0:
		conds := domain.DefaultGroupConditions()
		if in.Conditions != nil {
			conds = *in.Conditions
		}
		for i, s := range domain.EvenShares(in.Amount) {
			out = append(out, plannedGroup{RolloutGroup: domain.RolloutGroup{
				Name:                 fmt.Sprintf("group-%d", i+1),
				Position:             i + 1,
				TargetPercentage:     s.TargetPercentage,
				ConfirmationRequired: confirm,
				Conditions:           conds,
			}})
		}
	case in.DynamicTemplate == nil:
		return nil, fmt.Errorf("%w: rollout needs groups or a group amount", domain.ErrInvalidArgument)
	}
	for _, g := range out {
		if err := g.Conditions.Validate(); err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
	}
	return out, nil
}

func (in CreateRolloutInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: rollout name is required", domain.ErrInvalidArgument)
	}
	if !in.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action type %q", domain.ErrInvalidArgument, in.ActionType)
	}
	if in.ActionType == domain.ActionTypeTimeForced && in.ForcedTime == nil {
		return fmt.Errorf("%w: %s requires a forced time", domain.ErrInvalidArgument, domain.ActionTypeTimeForced)
	}
	if t := in.DynamicTemplate; t != nil {
		if t.TargetCount <= 0 {
			return fmt.Errorf("%w: dynamic group target count must be positive", domain.ErrInvalidArgument)
		}
		if err := t.Conditions.Validate(); err != nil {
			return fmt.Errorf("dynamic group: %w", err)
		}
	}
	if _, err := domain.ParseTargetFilter(in.TargetFilter); err != nil {
		return err
	}
	return domain.ValidateWeight(in.Weight)
}

// Create validates the rollout against the current targets and stores it
// as CREATING. Group membership is materialized by the next tick.
func (s *RolloutService) Create(ctx context.Context, in CreateRolloutInput) (r domain.Rollout, err error) {
	ctx, span := tracer.Start(ctx, "RolloutService.Create", trace.WithAttributes(attribute.String("rollout.name", in.Name)))
	defer func() { endSpan(span, err) }()

	if in.ActionType == "" {
		in.ActionType = domain.ActionTypeForced
	}
	if in.DynamicTemplate != nil {
		tmpl := *in.DynamicTemplate
		if tmpl.Conditions == (domain.GroupConditions{}) {
			tmpl.Conditions = domain.DefaultGroupConditions()
		}
		in.DynamicTemplate = &tmpl
	}
	if err := in.validate(); err != nil {
		return domain.Rollout{}, err
	}
	groups, err := in.groups()
	if err != nil {
		return domain.Rollout{}, err
	}
	dynamic := in.DynamicTemplate != nil
	total := len(groups)
	if dynamic {
		total++
	}
	if err := s.Quotas.CheckGroups(total); err != nil {
		return domain.Rollout{}, err
	}
	shares := make([]domain.GroupShare, len(groups))
	for i, g := range groups {
		shares[i] = domain.GroupShare{TargetFilter: g.TargetFilter, TargetPercentage: g.TargetPercentage}
	}
	if err := domain.ValidateGroupShares(shares); err != nil {
		return domain.Rollout{}, err
	}

	now := nowOr(s.Now)
	principal := domain.PrincipalFrom(ctx)
	r, err = read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Rollout, error) {
		ds, err := tx.DistributionSets().Get(ctx, in.SetID)
		if err != nil {
			return domain.Rollout{}, fmt.Errorf("distribution set %d: %w", in.SetID, err)
		}
		if err := ds.CheckAssignable(); err != nil {
			return domain.Rollout{}, err
		}
		candidates, err := matchingTargets(ctx, tx, in.TargetFilter, ds)
		if err != nil {
			return domain.Rollout{}, err
		}
		if len(candidates) == 0 && !dynamic {
			return domain.Rollout{}, fmt.Errorf("%w: filter %q matches no targets", domain.ErrInvalidArgument, in.TargetFilter)
		}
		taken := make(map[domain.TargetID]bool, len(candidates))
		plan, err := planGroups(candidates, shares, taken)
		if err != nil {
			return domain.Rollout{}, err
		}
		grouped := 0
		for i := range groups {
			groups[i].size = len(plan[i])
			grouped += groups[i].size
			if err := s.Quotas.CheckGroupTargets(groups[i].size); err != nil {
				return domain.Rollout{}, fmt.Errorf("group %q: %w", groups[i].Name, err)
			}
		}
		if !dynamic && grouped < len(candidates) {
			return domain.Rollout{}, fmt.Errorf("%w: groups cover %d of %d matching targets",
				domain.ErrInvalidArgument, grouped, len(candidates))
		}

		if !ds.Locked && !ds.SkipsImplicitLock(s.SkipLockTags) {
			if err := lockDistributionSet(ctx, tx, ds.ID, now); err != nil {
				return domain.Rollout{}, err
			}
		}

		r, err := tx.Rollouts().Create(ctx, domain.Rollout{
			Name:                 in.Name,
			Description:          in.Description,
			TargetFilter:         in.TargetFilter,
			SetID:                in.SetID,
			ActionType:           in.ActionType,
			ForcedTime:           in.ForcedTime,
			Weight:               in.Weight,
			StartAt:              in.StartAt,
			Dynamic:              dynamic,
			DynamicTemplate:      in.DynamicTemplate,
			ConfirmationRequired: in.ConfirmationRequired == nil || *in.ConfirmationRequired,
			Status:               domain.RolloutStatusCreating,
			TotalTargets:         grouped,
			CreatedBy:            principal,
			CreatedAt:            now,
		})
		if err != nil {
			return domain.Rollout{}, err
		}
		if err := emit(ctx, tx, now, domain.EventRolloutCreated, idString(r.ID), map[string]string{"set": idString(r.SetID)}); err != nil {
			return domain.Rollout{}, err
		}

		rows := make([]domain.RolloutGroup, 0, total)
		for _, g := range groups {
			g.RolloutID = r.ID
			g.Status = domain.RolloutGroupStatusCreating
			rows = append(rows, g.RolloutGroup)
		}
		if dynamic {
			rows = append(rows, newDynamicGroup(r, len(groups)+1, domain.RolloutGroupStatusCreating))
		}
		for _, g := range rows {
			created, err := tx.RolloutGroups().Create(ctx, g)
			if err != nil {
				return domain.Rollout{}, fmt.Errorf("create group %q: %w", g.Name, err)
			}
			if err := emit(ctx, tx, now, domain.EventRolloutGroupCreated, idString(created.ID),
				map[string]string{"rollout": idString(r.ID)}); err != nil {
				return domain.Rollout{}, err
			}
		}
		return r, nil
	})
	if err != nil {
		return domain.Rollout{}, err
	}
	loggerOr(s.Logger).Info("rollout created", "rollout", r.ID, "name", r.Name, "targets", r.TotalTargets, "groups", total)
	return r, nil
}

func (s *RolloutService) Get(ctx context.Context, id domain.RolloutID) (domain.Rollout, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Rollout, error) {
		return tx.Rollouts().Get(ctx, id)
	})
}

// List returns rollouts that are not deleted.
func (s *RolloutService) List(ctx context.Context, page domain.PageRequest) (domain.Page[domain.Rollout], error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.Rollout], error) {
		return tx.Rollouts().List(ctx, domain.RolloutQuery{}, page)
	})
}

// Update changes name and description of a rollout that is not finished,
// stopped or deleted.
func (s *RolloutService) Update(ctx context.Context, id domain.RolloutID, name, description string) (domain.Rollout, error) {
	return s.mutate(ctx, id, func(r *domain.Rollout) error {
		if r.Deleted {
			return fmt.Errorf("rollout %d: %w", id, domain.ErrNotFound)
		}
		if err := r.Expect(domain.RolloutStatusCreating, domain.RolloutStatusWaitingForApproval, domain.RolloutStatusReady,
			domain.RolloutStatusStarting, domain.RolloutStatusRunning, domain.RolloutStatusPaused); err != nil {
			return err
		}
		if name != "" {
			r.Name = name
		}
		r.Description = description
		return nil
	})
}

// mutate applies fn to the stored rollout in one unit of work.
func (s *RolloutService) mutate(ctx context.Context, id domain.RolloutID, fn func(*domain.Rollout) error) (domain.Rollout, error) {
	now := nowOr(s.Now)
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Rollout, error) {
		r, err := tx.Rollouts().Get(ctx, id)
		if err != nil {
			return domain.Rollout{}, err
		}
		if err := fn(&r); err != nil {
			return domain.Rollout{}, err
		}
		if r, err = tx.Rollouts().Update(ctx, r); err != nil {
			return domain.Rollout{}, err
		}
		return r, emit(ctx, tx, now, domain.EventRolloutUpdated, idString(id), map[string]string{"status": string(r.Status)})
	})
}

func (s *RolloutService) moveTo(ctx context.Context, id domain.RolloutID, from, to domain.RolloutStatus) (domain.Rollout, error) {
	return s.mutate(ctx, id, func(r *domain.Rollout) error {
		if err := r.Expect(from); err != nil {
			return err
		}
		return r.Transition(to)
	})
}

// Start schedules the actions of a ready rollout and starts its first
// group.
func (s *RolloutService) Start(ctx context.Context, id domain.RolloutID) error {
	if _, err := s.moveTo(ctx, id, domain.RolloutStatusReady, domain.RolloutStatusStarting); err != nil {
		return err
	}
	loggerOr(s.Logger).Info("rollout start requested", "rollout", id, "by", domain.PrincipalFrom(ctx))
	if s.Executor == nil {
		return nil
	}
	return s.Executor.ScheduleGroups(ctx, id)
}

func (s *RolloutService) Pause(ctx context.Context, id domain.RolloutID) error {
	_, err := s.moveTo(ctx, id, domain.RolloutStatusRunning, domain.RolloutStatusPaused)
	if err == nil {
		loggerOr(s.Logger).Info("rollout paused", "rollout", id)
	}
	return err
}

func (s *RolloutService) Resume(ctx context.Context, id domain.RolloutID) error {
	_, err := s.moveTo(ctx, id, domain.RolloutStatusPaused, domain.RolloutStatusRunning)
	if err == nil {
		loggerOr(s.Logger).Info("rollout resumed", "rollout", id)
	}
	return err
}

// Approve decides on a rollout waiting for approval.
func (s *RolloutService) Approve(ctx context.Context, id domain.RolloutID, approved bool, remark string) error {
	to := domain.RolloutStatusApprovalDenied
	if approved {
		to = domain.RolloutStatusReady
	}
	_, err := s.mutate(ctx, id, func(r *domain.Rollout) error {
		if err := r.Expect(domain.RolloutStatusWaitingForApproval); err != nil {
			return err
		}
		r.ApprovalDecidedBy = domain.PrincipalFrom(ctx)
		r.ApprovalRemark = remark
		return r.Transition(to)
	})
	if err == nil {
		loggerOr(s.Logger).Info("rollout approval decided", "rollout", id, "status", to)
	}
	return err
}

// TriggerNextGroup starts the first scheduled group regardless of the
// conditions of the running ones.
func (s *RolloutService) TriggerNextGroup(ctx context.Context, id domain.RolloutID) error {
	if s.Executor == nil {
		return fmt.Errorf("%w: no rollout executor configured", domain.ErrIllegalState)
	}
	defer s.Executor.locks.lock(id)()

	type next struct {
		rollout domain.Rollout
		group   domain.RolloutGroup
	}
	n, err := read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (next, error) {
		r, err := tx.Rollouts().Get(ctx, id)
		if err != nil {
			return next{}, err
		}
		if err := r.Expect(domain.RolloutStatusRunning); err != nil {
			return next{}, err
		}
		groups, err := tx.RolloutGroups().ListByRollout(ctx, id)
		if err != nil {
			return next{}, err
		}
		for _, g := range groups {
			if g.Status == domain.RolloutGroupStatusScheduled {
				return next{rollout: r, group: g}, nil
			}
		}
		return next{}, fmt.Errorf("rollout %d: %w: no scheduled group left", id, domain.ErrIllegalState)
	})
	if err != nil {
		return err
	}
	cfg, err := snapshot(ctx, s.Executor.Config)
	if err != nil {
		return err
	}
	loggerOr(s.Logger).Info("next rollout group triggered", "rollout", id, "group", n.group.Name)
	return s.Executor.startGroup(ctx, n.rollout, n.group, cfg)
}

// Stop cancels the rollout's remaining work and ends it as STOPPED.
func (s *RolloutService) Stop(ctx context.Context, id domain.RolloutID) error {
	_, err := s.mutate(ctx, id, func(r *domain.Rollout) error {
		if err := r.Expect(domain.RolloutStatusRunning, domain.RolloutStatusPaused); err != nil {
			return err
		}
		return r.Transition(domain.RolloutStatusStopping)
	})
	if err != nil || s.Executor == nil {
		return err
	}
	return s.Executor.Stop(ctx, id)
}

// Delete removes the rollout, or marks it deleted when it already
// started actions.
func (s *RolloutService) Delete(ctx context.Context, id domain.RolloutID) error {
	_, err := s.mutate(ctx, id, func(r *domain.Rollout) error {
		if r.Deleted {
			return fmt.Errorf("rollout %d: %w", id, domain.ErrNotFound)
		}
		if r.Status == domain.RolloutStatusDeleting {
			return nil
		}
		return r.Transition(domain.RolloutStatusDeleting)
	})
	if err != nil || s.Executor == nil {
		return err
	}
	return s.Executor.Delete(ctx, id)
}

func (s *RolloutService) ListGroups(ctx context.Context, id domain.RolloutID) ([]domain.RolloutGroup, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) ([]domain.RolloutGroup, error) {
		if _, err := tx.Rollouts().Get(ctx, id); err != nil {
			return nil, err
		}
		return tx.RolloutGroups().ListByRollout(ctx, id)
	})
}

func (s *RolloutService) GetGroup(ctx context.Context, id domain.RolloutGroupID) (domain.RolloutGroup, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.RolloutGroup, error) {
		return tx.RolloutGroups().Get(ctx, id)
	})
}

func (s *RolloutService) ListGroupTargets(ctx context.Context, id domain.RolloutGroupID, page domain.PageRequest) (domain.Page[domain.TargetID], error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.TargetID], error) {
		if _, err := tx.RolloutGroups().Get(ctx, id); err != nil {
			return domain.Page[domain.TargetID]{}, err
		}
		return tx.RolloutGroups().ListTargets(ctx, id, page)
	})
}

// TotalTargetCount summarizes the rollout's targets by action status.
func (s *RolloutService) TotalTargetCount(ctx context.Context, id domain.RolloutID) (domain.TotalTargetCount, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.TotalTargetCount, error) {
		r, err := tx.Rollouts().Get(ctx, id)
		if err != nil {
			return domain.TotalTargetCount{}, err
		}
		rid := id
		byStatus, err := tx.Actions().CountByStatus(ctx, domain.ActionQuery{RolloutID: &rid})
		if err != nil {
			return domain.TotalTargetCount{}, err
		}
		return domain.NewTotalTargetCount(byStatus, r.TotalTargets, r.ActionType), nil
	})
}

// GroupTotalTargetCount summarizes one group's targets by action status.
func (s *RolloutService) GroupTotalTargetCount(ctx context.Context, id domain.RolloutGroupID) (domain.TotalTargetCount, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.TotalTargetCount, error) {
		g, err := tx.RolloutGroups().Get(ctx, id)
		if err != nil {
			return domain.TotalTargetCount{}, err
		}
		r, err := tx.Rollouts().Get(ctx, g.RolloutID)
		if err != nil {
			return domain.TotalTargetCount{}, err
		}
		gid := id
		byStatus, err := tx.Actions().CountByStatus(ctx, domain.ActionQuery{GroupID: &gid})
		if err != nil {
			return domain.TotalTargetCount{}, err
		}
		return domain.NewTotalTargetCount(byStatus, g.TotalTargets, r.ActionType), nil
	})
}
