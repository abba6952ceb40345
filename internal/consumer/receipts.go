package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nganga-moses/overwatch-cloud/internal/events"
)

// ErrUnexpectedEvent is returned for records that are not change log events.
var ErrUnexpectedEvent = errors.New("unexpected event type")

// ReceiptHandler records every change log entry seen on the change feed so delivery can be
// audited against the change log.
type ReceiptHandler struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewReceiptHandler constructs a handler backed by the provided pool.
func NewReceiptHandler(pool *pgxpool.Pool) *ReceiptHandler {
	return &ReceiptHandler{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Handle upserts the receipt row for the event's (customer, version).
func (h *ReceiptHandler) Handle(ctx context.Context, msg Message) error {
	change, err := decodeChange(msg)
	if err != nil {
		return errors.Join(ErrSkipRecord, err)
	}

	receivedAt := h.now()
	var deliveries int
	err = h.pool.QueryRow(ctx,
		`INSERT INTO change_feed_receipts (customer_id, version, entity_type, entity_id, topic, partition, record_offset, schema_id, first_received_at, last_received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
         ON CONFLICT (customer_id, version) DO UPDATE
             SET deliveries = change_feed_receipts.deliveries + 1,
                 partition = EXCLUDED.partition,
                 record_offset = EXCLUDED.record_offset,
                 last_received_at = EXCLUDED.last_received_at
         RETURNING deliveries`,
		change.CustomerID,
		change.Version,
		change.EntityType,
		change.EntityID,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.SchemaID,
		receivedAt,
	).Scan(&deliveries)
	if err != nil {
		return err
	}
	recordReceipt(msg.Topic, change.RecordedAt, receivedAt, deliveries > 1)
	return nil
}

// HighestReceived returns the largest version received for the customer, or 0.
func (h *ReceiptHandler) HighestReceived(ctx context.Context, customerID string) (int64, error) {
	var version int64
	err := h.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM change_feed_receipts WHERE customer_id = $1`,
		customerID,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func decodeChange(msg Message) (events.ChangeCommitted, error) {
	if msg.EventType != events.ChangeCommittedType {
		return events.ChangeCommitted{}, fmt.Errorf("%w: %s", ErrUnexpectedEvent, msg.EventType)
	}
	var change events.ChangeCommitted
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		return events.ChangeCommitted{}, fmt.Errorf("decode %s payload: %w", msg.EventType, err)
	}
	if change.CustomerID == "" || change.Version <= 0 {
		return events.ChangeCommitted{}, fmt.Errorf("change event missing customer or version (offset %d)", msg.Offset)
	}
	if msg.TenantID != "" && msg.TenantID != change.CustomerID {
		return events.ChangeCommitted{}, fmt.Errorf("tenant header %q does not match payload customer %q", msg.TenantID, change.CustomerID)
	}
	return change, nil
}
