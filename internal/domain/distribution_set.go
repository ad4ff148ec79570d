package domain

import (
	"fmt"
	"slices"
	"time"
)

// DistributionSetID identifies a distribution set.
type DistributionSetID int64

// SoftwareModuleID identifies a software module.
type SoftwareModuleID int64

// SoftwareModule is a single installable unit. A locked module is
// read-only.
type SoftwareModule struct {
	ID              SoftwareModuleID
	Type            string
	Name            string
	SoftwareVersion string
	Locked          bool
	Deleted         bool
	Metadata        map[string]string
	CreatedAt       time.Time
	Version         int64
}

// DistributionSetType declares which module types a set must and may
// contain.
type DistributionSetType struct {
	Key                  string
	Name                 string
	MandatoryModuleTypes []string
	OptionalModuleTypes  []string
	Version              int64
}

// Allows reports whether modules of the given type may be part of a set
// of this type.
func (t DistributionSetType) Allows(moduleType string) bool {
	return slices.Contains(t.MandatoryModuleTypes, moduleType) ||
		slices.Contains(t.OptionalModuleTypes, moduleType)
}

// IsComplete reports whether every mandatory module type is covered.
func (t DistributionSetType) IsComplete(modules []SoftwareModule) bool {
	for _, mt := range t.MandatoryModuleTypes {
		if !slices.ContainsFunc(modules, func(m SoftwareModule) bool { return m.Type == mt }) {
			return false
		}
	}
	return true
}

// DistributionSet bundles software modules into an assignable package.
// Once an action references it, it is implicitly locked.
type DistributionSet struct {
	ID              DistributionSetID
	Name            string
	SoftwareVersion string
	Type            string
	Description     string
	Modules         []SoftwareModuleID
	Tags            []string
	Complete        bool
	Valid           bool
	Locked          bool
	Deleted         bool
	Metadata        map[string]string
	CreatedAt       time.Time
	Version         int64
}

// CheckAssignable returns [ErrIncompatible] if the set cannot be the
// subject of new actions.
func (ds DistributionSet) CheckAssignable() error {
	switch {
	case ds.Deleted:
		return fmt.Errorf("%w: distribution set %d is deleted", ErrIncompatible, ds.ID)
	case !ds.Valid:
		return fmt.Errorf("%w: distribution set %d is invalidated", ErrIncompatible, ds.ID)
	case !ds.Complete:
		return fmt.Errorf("%w: distribution set %d is incomplete", ErrIncompatible, ds.ID)
	}
	return nil
}

// CheckMutable returns [ErrLocked] for a locked set.
func (ds DistributionSet) CheckMutable() error {
	if ds.Locked {
		return fmt.Errorf("%w: distribution set %d", ErrLocked, ds.ID)
	}
	return nil
}

// CheckMutable returns [ErrLocked] for a locked module.
func (m SoftwareModule) CheckMutable() error {
	if m.Locked {
		return fmt.Errorf("%w: software module %d", ErrLocked, m.ID)
	}
	return nil
}

// SkipsImplicitLock reports whether the set carries one of the given tags.
func (ds DistributionSet) SkipsImplicitLock(skipTags []string) bool {
	for _, tag := range ds.Tags {
		if slices.Contains(skipTags, tag) {
			return true
		}
	}
	return false
}

// CheckTargetCompatible verifies a target of type tt may receive ds. A nil
// type means the target is unconstrained.
func CheckTargetCompatible(tt *TargetType, ds DistributionSet) error {
	if tt == nil || tt.Compatible(ds.Type) {
		return nil
	}
	return fmt.Errorf("%w: target type %q does not accept distribution set type %q", ErrIncompatible, tt.Name, ds.Type)
}
