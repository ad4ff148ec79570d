package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// AttributeUpdateMode selects how reported attributes combine with the
// stored ones.
type AttributeUpdateMode string

const (
	AttributesMerge   AttributeUpdateMode = "MERGE"
	AttributesReplace AttributeUpdateMode = "REPLACE"
	AttributesRemove  AttributeUpdateMode = "REMOVE"
)

// TargetService manages target registration, attributes, metadata and
// queries.
type TargetService struct {
	Store  domain.Store
	Quotas *QuotaGuard
	// Retries bounds the attempts made on write conflicts during
	// registration and attribute updates.
	Retries int
	Logger  *slog.Logger
	Now     func() time.Time
}

// Register returns the target with the given controller ID, creating it
// when it does not exist yet.
func (s *TargetService) Register(ctx context.Context, id domain.TargetID, name string) (domain.Target, error) {
	if id == "" {
		return domain.Target{}, fmt.Errorf("%w: target ID is required", domain.ErrInvalidArgument)
	}
	if name == "" {
		name = string(id)
	}
	var (
		out     domain.Target
		created bool
	)
	err := withConflictRetry(ctx, s.Retries, func() error {
		created = false
		return s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			t, err := tx.Targets().Get(ctx, id)
			if err == nil {
				out = t
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			now := nowOr(s.Now)
			t, err = tx.Targets().Create(ctx, domain.Target{
				ID:           id,
				Name:         name,
				UpdateStatus: domain.TargetUpdateStatusRegistered,
				CreatedAt:    now,
			})
			if errors.Is(err, domain.ErrAlreadyExists) {
				// Registered concurrently; the next attempt finds it.
				return fmt.Errorf("register target %q: %w", id, domain.ErrConflict)
			}
			if err != nil {
				return err
			}
			out, created = t, true
			return emit(ctx, tx, now, domain.EventTargetCreated, string(id), nil)
		})
	})
	if err != nil {
		return domain.Target{}, err
	}
	if created {
		loggerOr(s.Logger).Info("target registered", "target", id)
	}
	return out, nil
}

// Create adds a target and fails if it exists.
func (s *TargetService) Create(ctx context.Context, t domain.Target) (domain.Target, error) {
	if t.ID == "" {
		return domain.Target{}, fmt.Errorf("%w: target ID is required", domain.ErrInvalidArgument)
	}
	if t.Name == "" {
		t.Name = string(t.ID)
	}
	if err := s.Quotas.CheckAttributes(len(t.Attributes)); err != nil {
		return domain.Target{}, err
	}
	if err := s.Quotas.CheckMetadata(len(t.Metadata)); err != nil {
		return domain.Target{}, err
	}
	now := nowOr(s.Now)
	t.UpdateStatus = domain.TargetUpdateStatusRegistered
	t.AssignedSet, t.InstalledSet, t.InstalledAt = nil, nil, nil
	t.CreatedAt = now
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Target, error) {
		if t.TypeName != "" {
			if _, err := tx.TargetTypes().Get(ctx, t.TypeName); err != nil {
				return domain.Target{}, fmt.Errorf("target type %q: %w", t.TypeName, err)
			}
		}
		created, err := tx.Targets().Create(ctx, t)
		if err != nil {
			return domain.Target{}, err
		}
		return created, emit(ctx, tx, now, domain.EventTargetCreated, string(t.ID), nil)
	})
}

func (s *TargetService) Get(ctx context.Context, id domain.TargetID) (domain.Target, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Target, error) {
		return tx.Targets().Get(ctx, id)
	})
}

func (s *TargetService) List(ctx context.Context, page domain.PageRequest) (domain.Page[domain.Target], error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.Target], error) {
		return tx.Targets().List(ctx, page)
	})
}

// Find returns the targets matching a filter query.
func (s *TargetService) Find(ctx context.Context, query string, page domain.PageRequest) (domain.Page[domain.Target], error) {
	f, err := domain.ParseTargetFilter(query)
	if err != nil {
		return domain.Page[domain.Target]{}, err
	}
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Page[domain.Target], error) {
		return tx.Targets().Find(ctx, f, page)
	})
}

// UpdateAttributes applies attributes reported by the device and clears
// the attribute request flag.
func (s *TargetService) UpdateAttributes(ctx context.Context, id domain.TargetID, attrs map[string]string, mode AttributeUpdateMode) (domain.Target, error) {
	if mode == "" {
		mode = AttributesMerge
	}
	var out domain.Target
	err := withConflictRetry(ctx, s.Retries, func() error {
		return s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
			t, err := tx.Targets().Get(ctx, id)
			if err != nil {
				return err
			}
			next := make(map[string]string, len(t.Attributes)+len(attrs))
			switch mode {
			case AttributesMerge:
				maps.Copy(next, t.Attributes)
				maps.Copy(next, attrs)
			case AttributesReplace:
				maps.Copy(next, attrs)
			case AttributesRemove:
				maps.Copy(next, t.Attributes)
				for k := range attrs {
					delete(next, k)
				}
			default:
				return fmt.Errorf("%w: unknown attribute update mode %q", domain.ErrInvalidArgument, mode)
			}
			if err := s.Quotas.CheckAttributes(len(next)); err != nil {
				return err
			}
			t.Attributes = next
			t.RequestAttributes = false
			if out, err = tx.Targets().Update(ctx, t); err != nil {
				return err
			}
			return emit(ctx, tx, nowOr(s.Now), domain.EventTargetUpdated, string(id), nil)
		})
	})
	return out, err
}

// SetMetadata merges entries into the target's metadata.
func (s *TargetService) SetMetadata(ctx context.Context, id domain.TargetID, entries map[string]string) (domain.Target, error) {
	return s.updateMetadata(ctx, id, func(m map[string]string) {
		maps.Copy(m, entries)
	})
}

func (s *TargetService) DeleteMetadata(ctx context.Context, id domain.TargetID, key string) (domain.Target, error) {
	return s.updateMetadata(ctx, id, func(m map[string]string) {
		delete(m, key)
	})
}

func (s *TargetService) updateMetadata(ctx context.Context, id domain.TargetID, fn func(map[string]string)) (domain.Target, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Target, error) {
		t, err := tx.Targets().Get(ctx, id)
		if err != nil {
			return domain.Target{}, err
		}
		m := maps.Clone(t.Metadata)
		if m == nil {
			m = make(map[string]string)
		}
		fn(m)
		if err := s.Quotas.CheckMetadata(len(m)); err != nil {
			return domain.Target{}, err
		}
		t.Metadata = m
		if t, err = tx.Targets().Update(ctx, t); err != nil {
			return domain.Target{}, err
		}
		return t, emit(ctx, tx, nowOr(s.Now), domain.EventTargetUpdated, string(id), nil)
	})
}

func (s *TargetService) CreateType(ctx context.Context, tt domain.TargetType) (domain.TargetType, error) {
	if tt.Name == "" {
		return domain.TargetType{}, fmt.Errorf("%w: target type name is required", domain.ErrInvalidArgument)
	}
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.TargetType, error) {
		return tx.TargetTypes().Create(ctx, tt)
	})
}

// AssignType sets the target's type. An empty name removes it.
func (s *TargetService) AssignType(ctx context.Context, id domain.TargetID, typeName string) (domain.Target, error) {
	return read(ctx, s.Store, func(ctx context.Context, tx domain.Tx) (domain.Target, error) {
		t, err := tx.Targets().Get(ctx, id)
		if err != nil {
			return domain.Target{}, err
		}
		if typeName != "" {
			if _, err := tx.TargetTypes().Get(ctx, typeName); err != nil {
				return domain.Target{}, fmt.Errorf("target type %q: %w", typeName, err)
			}
		}
		t.TypeName = typeName
		if t, err = tx.Targets().Update(ctx, t); err != nil {
			return domain.Target{}, err
		}
		return t, emit(ctx, tx, nowOr(s.Now), domain.EventTargetUpdated, string(id), nil)
	})
}

func (s *TargetService) UnassignType(ctx context.Context, id domain.TargetID) (domain.Target, error) {
	return s.AssignType(ctx, id, "")
}

// Delete removes the target together with its actions, their history
// and its rollout group memberships.
func (s *TargetService) Delete(ctx context.Context, id domain.TargetID) error {
	now := nowOr(s.Now)
	err := s.Store.Transact(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Targets().Delete(ctx, id); err != nil {
			return err
		}
		return emit(ctx, tx, now, domain.EventTargetDeleted, string(id), nil)
	})
	if err != nil {
		return err
	}
	loggerOr(s.Logger).Info("target deleted", "target", id)
	return nil
}
