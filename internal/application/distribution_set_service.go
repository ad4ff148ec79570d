package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// CreateDistributionSetInput is the caller-provided input for a new
// distribution set.
type CreateDistributionSetInput struct {
	Name            string
	SoftwareVersion string
	Type            string
	Description     string
	Modules         []domain.SoftwareModuleID
	Tags            []string
	Metadata        map[string]string
}

// CancelationType selects what invalidation does to the actions of a set.
type CancelationType string

const (
	CancelationNone  CancelationType = "NONE"
	CancelationSoft  CancelationType = "SOFT"
	CancelationForce CancelationType = "FORCE"
)

// InvalidateOptions controls the side effects of invalidating a set.
type InvalidateOptions struct {
	Cancelation  CancelationType
	StopRollouts bool
}

// DistributionSetService manages distribution set types, software modules
// and distribution sets.
type DistributionSetService struct {
	Store  domain.Store
	Quotas *QuotaGuard
	// Rollouts stops the rollouts of an invalidated set. Optional.
	Rollouts *RolloutService
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *DistributionSetService) CreateType(ctx context.Context, t domain.DistributionSetType) (domain.DistributionSetType, error) {
	if t.Key == "" {
		return domain.DistributionSetType{}, fmt.Errorf("%w: type key is required", domain.ErrInvalidArgument)
	}
	if t.Name == "" {
		t.Name = t.Key
	}
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.DistributionSetType, error) {
		return tx.DistributionSetTypes().Create(ctx, t)
	})
}

func (s *DistributionSetService) CreateModule(ctx context.Context, m domain.SoftwareModule) (domain.SoftwareModule, error) {
	if m.Type == "" || m.Name == "" || m.SoftwareVersion == "" {
		return domain.SoftwareModule{}, fmt.Errorf("%w: module type, name and version are required", domain.ErrInvalidArgument)
	}
	if err := s.Quotas.CheckMetadata(len(m.Metadata)); err != nil {
		return domain.SoftwareModule{}, err
	}
	now := nowOr(s.Now)
	m.CreatedAt = now
	m.Locked, m.Deleted = false, false
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.SoftwareModule, error) {
		created, err := tx.SoftwareModules().Create(ctx, m)
		if err != nil {
			return domain.SoftwareModule{}, err
		}
		return created, emit(ctx, tx, now, domain.EventSoftwareModuleCreated, idString(created.ID), nil)
	})
}

func (s *DistributionSetService) GetModule(ctx context.Context, id domain.SoftwareModuleID) (domain.SoftwareModule, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.SoftwareModule, error) {
		return tx.SoftwareModules().Get(ctx, id)
	})
}

// Create persists a new set. Completeness is derived from the set type's
// mandatory module types.
func (s *DistributionSetService) Create(ctx context.Context, in CreateDistributionSetInput) (domain.DistributionSet, error) {
	if in.Name == "" || in.SoftwareVersion == "" {
		return domain.DistributionSet{}, fmt.Errorf("%w: name and version are required", domain.ErrInvalidArgument)
	}
	if err := s.Quotas.CheckMetadata(len(in.Metadata)); err != nil {
		return domain.DistributionSet{}, err
	}
	now := nowOr(s.Now)
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.DistributionSet, error) {
		dst, err := tx.DistributionSetTypes().Get(ctx, in.Type)
		if err != nil {
			return domain.DistributionSet{}, fmt.Errorf("distribution set type %q: %w", in.Type, err)
		}
		modules, err := loadModules(ctx, tx, dst, in.Modules)
		if err != nil {
			return domain.DistributionSet{}, err
		}
		created, err := tx.DistributionSets().Create(ctx, domain.DistributionSet{
			Name:            in.Name,
			SoftwareVersion: in.SoftwareVersion,
			Type:            in.Type,
			Description:     in.Description,
			Modules:         in.Modules,
			Tags:            in.Tags,
			Complete:        dst.IsComplete(modules),
			Valid:           true,
			Metadata:        in.Metadata,
			CreatedAt:       now,
		})
		if err != nil {
			return domain.DistributionSet{}, err
		}
		return created, emit(ctx, tx, now, domain.EventDistributionSetCreated, idString(created.ID), nil)
	})
}

func loadModules(ctx context.Context, tx domain.Tx, dst domain.DistributionSetType, ids []domain.SoftwareModuleID) ([]domain.SoftwareModule, error) {
	modules := make([]domain.SoftwareModule, 0, len(ids))
	for _, id := range ids {
		m, err := tx.SoftwareModules().Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("software module %d: %w", id, err)
		}
		if m.Deleted {
			return nil, fmt.Errorf("%w: software module %d is deleted", domain.ErrInvalidArgument, id)
		}
		if !dst.Allows(m.Type) {
			return nil, fmt.Errorf("%w: module type %q not allowed in distribution set type %q",
				domain.ErrInvalidArgument, m.Type, dst.Key)
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func (s *DistributionSetService) Get(ctx context.Context, id domain.DistributionSetID) (domain.DistributionSet, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.DistributionSet, error) {
		return tx.DistributionSets().Get(ctx, id)
	})
}

// AssignModules adds modules to an unlocked set.
func (s *DistributionSetService) AssignModules(ctx context.Context, id domain.DistributionSetID, modules []domain.SoftwareModuleID) (domain.DistributionSet, error) {
	now := nowOr(s.Now)
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.DistributionSet, error) {
		ds, err := tx.DistributionSets().Get(ctx, id)
		if err != nil {
			return domain.DistributionSet{}, err
		}
		if err := ds.CheckMutable(); err != nil {
			return domain.DistributionSet{}, err
		}
		dst, err := tx.DistributionSetTypes().Get(ctx, ds.Type)
		if err != nil {
			return domain.DistributionSet{}, fmt.Errorf("distribution set type %q: %w", ds.Type, err)
		}
		for _, m := range modules {
			if !slices.Contains(ds.Modules, m) {
				ds.Modules = append(ds.Modules, m)
			}
		}
		all, err := loadModules(ctx, tx, dst, ds.Modules)
		if err != nil {
			return domain.DistributionSet{}, err
		}
		ds.Complete = dst.IsComplete(all)
		updated, err := tx.DistributionSets().Update(ctx, ds)
		if err != nil {
			return domain.DistributionSet{}, err
		}
		return updated, emit(ctx, tx, now, domain.EventDistributionSetUpdated, idString(id), nil)
	})
}

// Lock makes the set and its modules read-only.
func (s *DistributionSetService) Lock(ctx context.Context, id domain.DistributionSetID) error {
	now := nowOr(s.Now)
	return s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		return lockDistributionSet(ctx, tx, id, now)
	})
}

// Unlock clears the lock of the set. Module locks stay.
func (s *DistributionSetService) Unlock(ctx context.Context, id domain.DistributionSetID) error {
	now := nowOr(s.Now)
	return s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		ds, err := tx.DistributionSets().Get(ctx, id)
		if err != nil {
			return err
		}
		if !ds.Locked {
			return nil
		}
		ds.Locked = false
		if _, err := tx.DistributionSets().Update(ctx, ds); err != nil {
			return err
		}
		loggerOr(s.Logger).Info("distribution set unlocked", "set", id)
		return emit(ctx, tx, now, domain.EventDistributionSetUpdated, idString(id), nil)
	})
}

func lockDistributionSet(ctx context.Context, tx domain.Tx, id domain.DistributionSetID, now time.Time) error {
	ds, err := tx.DistributionSets().Get(ctx, id)
	if err != nil {
		return err
	}
	if ds.Locked {
		return nil
	}
	for _, mid := range ds.Modules {
		m, err := tx.SoftwareModules().Get(ctx, mid)
		if err != nil {
			return fmt.Errorf("software module %d: %w", mid, err)
		}
		if m.Locked {
			continue
		}
		m.Locked = true
		if _, err := tx.SoftwareModules().Update(ctx, m); err != nil {
			return fmt.Errorf("lock software module %d: %w", mid, err)
		}
		if err := emit(ctx, tx, now, domain.EventSoftwareModuleUpdated, idString(mid), nil); err != nil {
			return err
		}
	}
	ds.Locked = true
	if _, err := tx.DistributionSets().Update(ctx, ds); err != nil {
		return fmt.Errorf("lock distribution set %d: %w", id, err)
	}
	return emit(ctx, tx, now, domain.EventDistributionSetUpdated, idString(id), map[string]string{"locked": "true"})
}

// Invalidate marks the set unusable for new actions, and optionally
// cancels its actions and stops its rollouts.
func (s *DistributionSetService) Invalidate(ctx context.Context, id domain.DistributionSetID, opts InvalidateOptions) error {
	now := nowOr(s.Now)
	if opts.StopRollouts && s.Rollouts != nil {
		rollouts, err := read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.Rollout], error) {
			return tx.Rollouts().List(ctx, domain.RolloutQuery{SetID: &id}, domain.PageRequest{})
		})
		if err != nil {
			return fmt.Errorf("list rollouts of set %d: %w", id, err)
		}
		for _, r := range rollouts.Items {
			if r.Expect(domain.RolloutStatusRunning, domain.RolloutStatusPaused) != nil {
				continue
			}
			if err := s.Rollouts.Stop(ctx, r.ID); err != nil && !errors.Is(err, domain.ErrIllegalState) {
				return fmt.Errorf("stop rollout %d: %w", r.ID, err)
			}
		}
	}

	return s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		ds, err := tx.DistributionSets().Get(ctx, id)
		if err != nil {
			return err
		}
		ds.Valid = false
		if _, err := tx.DistributionSets().Update(ctx, ds); err != nil {
			return err
		}
		if opts.Cancelation == CancelationSoft || opts.Cancelation == CancelationForce {
			if err := cancelActionsOfSet(ctx, tx, id, opts.Cancelation == CancelationForce, now); err != nil {
				return err
			}
		}
		loggerOr(s.Logger).Info("distribution set invalidated", "set", id, "cancelation", opts.Cancelation)
		return emit(ctx, tx, now, domain.EventDistributionSetUpdated, idString(id), map[string]string{"valid": "false"})
	})
}

func cancelActionsOfSet(ctx context.Context, tx domain.Tx, id domain.DistributionSetID, force bool, now time.Time) error {
	active := true
	page, err := tx.Actions().List(ctx, domain.ActionQuery{SetID: &id, Active: &active}, domain.PageRequest{})
	if err != nil {
		return fmt.Errorf("list actions of set %d: %w", id, err)
	}
	for _, a := range page.Items {
		if !a.IsCanceling() {
			if a, err = domain.CancelAction(a); err != nil {
				return err
			}
			a.UpdatedAt = now
			if a, err = tx.Actions().Update(ctx, a); err != nil {
				return err
			}
			if err := appendHistory(ctx, tx, a.ID, domain.ActionStatusCanceling, now, msgCancelRequested); err != nil {
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
}

// Delete removes a set that no action or rollout references, and marks
// it deleted otherwise.
func (s *DistributionSetService) Delete(ctx context.Context, id domain.DistributionSetID) error {
	now := nowOr(s.Now)
	return s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		ds, err := tx.DistributionSets().Get(ctx, id)
		if err != nil {
			return err
		}
		counts, err := tx.Actions().CountByStatus(ctx, domain.ActionQuery{SetID: &id})
		if err != nil {
			return err
		}
		rollouts, err := tx.Rollouts().List(ctx, domain.RolloutQuery{SetID: &id, IncludeDeleted: true}, domain.PageRequest{Limit: 1})
		if err != nil {
			return err
		}
		if len(counts) == 0 && rollouts.Total == 0 {
			if err := tx.DistributionSets().Delete(ctx, id); err != nil {
				return err
			}
		} else {
			ds.Deleted = true
			if _, err := tx.DistributionSets().Update(ctx, ds); err != nil {
				return err
			}
		}
		return emit(ctx, tx, now, domain.EventDistributionSetDeleted, idString(id), nil)
	})
}

// SetMetadata merges entries into the set's metadata. Metadata stays
// writable on locked sets.
func (s *DistributionSetService) SetMetadata(ctx context.Context, id domain.DistributionSetID, entries map[string]string) (domain.DistributionSet, error) {
	now := nowOr(s.Now)
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.DistributionSet, error) {
		ds, err := tx.DistributionSets().Get(ctx, id)
		if err != nil {
			return domain.DistributionSet{}, err
		}
		merged := maps.Clone(ds.Metadata)
		if merged == nil {
			merged = make(map[string]string, len(entries))
		}
		maps.Copy(merged, entries)
		if err := s.Quotas.CheckMetadata(len(merged)); err != nil {
			return domain.DistributionSet{}, err
		}
		ds.Metadata = merged
		updated, err := tx.DistributionSets().Update(ctx, ds)
		if err != nil {
			return domain.DistributionSet{}, err
		}
		return updated, emit(ctx, tx, now, domain.EventDistributionSetUpdated, idString(id), nil)
	})
}
