package domain

import (
	"context"
	"time"
)

// EventKind names a domain event.
type EventKind string

const (
	EventTargetCreated          EventKind = "target.created"
	EventTargetUpdated          EventKind = "target.updated"
	EventTargetDeleted          EventKind = "target.deleted"
	EventTargetPolled           EventKind = "target.polled"
	EventDistributionSetCreated EventKind = "distributionset.created"
	EventDistributionSetUpdated EventKind = "distributionset.updated"
	EventDistributionSetDeleted EventKind = "distributionset.deleted"
	EventSoftwareModuleCreated  EventKind = "softwaremodule.created"
	EventSoftwareModuleUpdated  EventKind = "softwaremodule.updated"
	EventActionCreated          EventKind = "action.created"
	EventActionUpdated          EventKind = "action.updated"
	EventTargetAssignment       EventKind = "target.assignment"
	EventCancelTargetAssignment EventKind = "target.assignment.cancel"
	EventRolloutCreated         EventKind = "rollout.created"
	EventRolloutUpdated         EventKind = "rollout.updated"
	EventRolloutDeleted         EventKind = "rollout.deleted"
	EventRolloutGroupCreated    EventKind = "rolloutgroup.created"
	EventRolloutGroupUpdated    EventKind = "rolloutgroup.updated"
)

// Event is a typed domain event. Events are written in the same unit of
// work as the change they describe.
type Event struct {
	// Seq is assigned by the sink and orders events.
	Seq        int64             `cbor:"-"`
	ID         string            `cbor:"1,keyasint"`
	Kind       EventKind         `cbor:"2,keyasint"`
	EntityID   string            `cbor:"3,keyasint"`
	Principal  string            `cbor:"4,keyasint"`
	OccurredAt time.Time         `cbor:"5,keyasint"`
	Attributes map[string]string `cbor:"6,keyasint,omitempty"`
}

// EventSink accepts domain events.
type EventSink interface {
	Append(ctx context.Context, ev Event) error
	// List returns events with Seq greater than after, oldest first.
	List(ctx context.Context, after int64, limit int) ([]Event, error)
}
