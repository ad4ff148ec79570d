package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

// eventEncMode encodes outbox payloads with Core Deterministic Encoding
// (RFC 8949 §4.2), so one event always produces the same bytes.
var eventEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	eventEncMode, err = opts.EncMode()
	if err != nil {
		panic("sqlite: CBOR encoder initialization failed: " + err.Error())
	}
}

// EventOutbox implements [domain.EventSink] as a transactional outbox
// table. Events commit or roll back with the change that produced them.
type EventOutbox struct {
	DB DBTX
	// Now defaults to time.Now for events without a timestamp.
	Now func() time.Time
}

func (o *EventOutbox) Append(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		now := time.Now
		if o.Now != nil {
			now = o.Now
		}
		ev.OccurredAt = now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	payload, err := eventEncMode.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Kind, err)
	}
	_, err = o.DB.ExecContext(ctx,
		`INSERT INTO events (id, kind, entity_id, occurred_at, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.EntityID, formatTime(ev.OccurredAt), payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", ev.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (o *EventOutbox) List(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.DB.QueryContext(ctx,
		`SELECT seq, payload FROM events WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev domain.Event
		if err := cbor.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		ev.Seq = seq
		events = append(events, ev)
	}
	return events, rows.Err()
}
