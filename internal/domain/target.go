package domain

import (
	"fmt"
	"slices"
	"time"
)

// TargetID is the immutable controller ID a device identifies itself with.
type TargetID string

// TargetUpdateStatus summarizes where a target stands relative to its
// assigned distribution set.
type TargetUpdateStatus string

const (
	TargetUpdateStatusUnknown    TargetUpdateStatus = "UNKNOWN"
	TargetUpdateStatusRegistered TargetUpdateStatus = "REGISTERED"
	TargetUpdateStatusPending    TargetUpdateStatus = "PENDING"
	TargetUpdateStatusInSync     TargetUpdateStatus = "IN_SYNC"
	TargetUpdateStatusError      TargetUpdateStatus = "ERROR"
)

// Target is a device. Relations to distribution sets are id references.
type Target struct {
	ID          TargetID
	Name        string
	Description string
	// TypeName constrains which distribution set types may be assigned.
	// Empty means unconstrained.
	TypeName         string
	UpdateStatus     TargetUpdateStatus
	AssignedSet      *DistributionSetID
	InstalledSet     *DistributionSetID
	InstalledAt      *time.Time
	Attributes       map[string]string
	Metadata         map[string]string
	AutoConfirmation *AutoConfirmationStatus
	// RequestAttributes asks the device to resend its attributes on the
	// next poll. Set after every finished installation.
	RequestAttributes bool
	CreatedAt         time.Time
	Version           int64
}

// HasAssigned reports whether the target's assigned distribution set is id.
func (t Target) HasAssigned(id DistributionSetID) bool {
	return t.AssignedSet != nil && *t.AssignedSet == id
}

// HasInstalled reports whether the target's installed distribution set is id.
func (t Target) HasInstalled(id DistributionSetID) bool {
	return t.InstalledSet != nil && *t.InstalledSet == id
}

// InSync reports whether assigned and installed reference the same set.
func (t Target) InSync() bool {
	return t.AssignedSet != nil && t.InstalledSet != nil && *t.AssignedSet == *t.InstalledSet
}

// AutoConfirmationStatus, when present on a target, confirms every action
// that would otherwise wait for confirmation.
type AutoConfirmationStatus struct {
	Initiator   string
	Remark      string
	ActivatedBy string
	ActivatedAt time.Time
}

// ActionMessage is the history message recorded when an action is
// confirmed on behalf of this status.
func (s AutoConfirmationStatus) ActionMessage() string {
	initiator := s.Initiator
	if initiator == "" {
		initiator = s.ActivatedBy
	}
	msg := fmt.Sprintf("Assignment automatically confirmed by initiator '%s'.", initiator)
	if s.Remark != "" {
		msg += " Remark: " + s.Remark
	}
	return msg
}

// TargetType restricts the distribution set types assignable to targets
// of that type.
type TargetType struct {
	Name               string
	Description        string
	CompatibleSetTypes []string
	Version            int64
}

// Compatible reports whether a distribution set of the given type may be
// assigned to targets of this type.
func (t TargetType) Compatible(setType string) bool {
	return slices.Contains(t.CompatibleSetTypes, setType)
}
