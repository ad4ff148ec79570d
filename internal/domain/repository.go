package domain

import "context"

// Store runs units of work. Every change made through the [Tx] passed to
// fn commits together, or not at all when fn returns an error.
type Store interface {
	Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Targets() TargetRepository
	TargetTypes() TargetTypeRepository
	SoftwareModules() SoftwareModuleRepository
	DistributionSetTypes() DistributionSetTypeRepository
	DistributionSets() DistributionSetRepository
	Actions() ActionRepository
	ActionStatuses() ActionStatusRepository
	Rollouts() RolloutRepository
	RolloutGroups() RolloutGroupRepository
	Events() EventSink
}

// Update methods of every repository compare the entity's Version with the
// stored one, fail with [ErrConflict] on mismatch and return the entity
// with its incremented Version.

// TargetRepository persists targets.
type TargetRepository interface {
	Create(ctx context.Context, t Target) (Target, error)
	Get(ctx context.Context, id TargetID) (Target, error)
	Update(ctx context.Context, t Target) (Target, error)
	Delete(ctx context.Context, id TargetID) error
	List(ctx context.Context, page PageRequest) (Page[Target], error)
	// Find returns the targets accepted by m, ordered by creation.
	Find(ctx context.Context, m TargetMatcher, page PageRequest) (Page[Target], error)
}

// TargetTypeRepository persists target types.
type TargetTypeRepository interface {
	Create(ctx context.Context, t TargetType) (TargetType, error)
	Get(ctx context.Context, name string) (TargetType, error)
}

// SoftwareModuleRepository persists software modules.
type SoftwareModuleRepository interface {
	Create(ctx context.Context, m SoftwareModule) (SoftwareModule, error)
	Get(ctx context.Context, id SoftwareModuleID) (SoftwareModule, error)
	Update(ctx context.Context, m SoftwareModule) (SoftwareModule, error)
}

// DistributionSetTypeRepository persists distribution set types.
type DistributionSetTypeRepository interface {
	Create(ctx context.Context, t DistributionSetType) (DistributionSetType, error)
	Get(ctx context.Context, key string) (DistributionSetType, error)
}

// DistributionSetRepository persists distribution sets.
type DistributionSetRepository interface {
	Create(ctx context.Context, ds DistributionSet) (DistributionSet, error)
	Get(ctx context.Context, id DistributionSetID) (DistributionSet, error)
	Update(ctx context.Context, ds DistributionSet) (DistributionSet, error)
	Delete(ctx context.Context, id DistributionSetID) error
}

// ActionQuery selects actions. Zero-valued fields do not constrain.
type ActionQuery struct {
	TargetID  TargetID
	SetID     *DistributionSetID
	RolloutID *RolloutID
	GroupID   *RolloutGroupID
	Statuses  []ActionStatus
	Active    *bool
}

// ActionRepository persists actions. Results are ordered by ID.
type ActionRepository interface {
	Create(ctx context.Context, a Action) (Action, error)
	Get(ctx context.Context, id ActionID) (Action, error)
	Update(ctx context.Context, a Action) (Action, error)
	// Delete removes actions together with their status history.
	Delete(ctx context.Context, ids []ActionID) error
	// List returns matching actions. A zero page limit returns all.
	List(ctx context.Context, q ActionQuery, page PageRequest) (Page[Action], error)
	CountByStatus(ctx context.Context, q ActionQuery) (map[ActionStatus]int, error)
}

// ActionStatusRepository persists the status history of actions.
type ActionStatusRepository interface {
	Append(ctx context.Context, e ActionStatusEntry) (ActionStatusEntry, error)
	// List returns entries oldest first.
	List(ctx context.Context, id ActionID, page PageRequest) (Page[ActionStatusEntry], error)
	Count(ctx context.Context, id ActionID) (int, error)
}

// RolloutQuery selects rollouts. Zero-valued fields do not constrain.
type RolloutQuery struct {
	Statuses       []RolloutStatus
	SetID          *DistributionSetID
	IncludeDeleted bool
}

// RolloutRepository persists rollouts.
type RolloutRepository interface {
	Create(ctx context.Context, r Rollout) (Rollout, error)
	Get(ctx context.Context, id RolloutID) (Rollout, error)
	Update(ctx context.Context, r Rollout) (Rollout, error)
	// Delete removes the rollout with its groups and group membership.
	Delete(ctx context.Context, id RolloutID) error
	List(ctx context.Context, q RolloutQuery, page PageRequest) (Page[Rollout], error)
}

// RolloutGroupRepository persists rollout groups and their membership.
type RolloutGroupRepository interface {
	Create(ctx context.Context, g RolloutGroup) (RolloutGroup, error)
	Get(ctx context.Context, id RolloutGroupID) (RolloutGroup, error)
	Update(ctx context.Context, g RolloutGroup) (RolloutGroup, error)
	// ListByRollout returns the groups ordered by position.
	ListByRollout(ctx context.Context, id RolloutID) ([]RolloutGroup, error)
	AddTargets(ctx context.Context, id RolloutGroupID, targets []TargetID) error
	ListTargets(ctx context.Context, id RolloutGroupID, page PageRequest) (Page[TargetID], error)
	// ListTargetsWithoutAction returns up to limit members that have no
	// action in the group yet.
	ListTargetsWithoutAction(ctx context.Context, id RolloutGroupID, limit int) ([]TargetID, error)
	// RolloutTargets returns every target that is a member of any group of
	// the rollout.
	RolloutTargets(ctx context.Context, id RolloutID) ([]TargetID, error)
}
