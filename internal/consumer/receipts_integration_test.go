//go:build integration

package consumer_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nganga-moses/overwatch-cloud/internal/consumer"
	"github.com/nganga-moses/overwatch-cloud/internal/events"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres/postgrestest"
)

func TestReceiptHandlerCountsRedeliveries(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)

	handler := consumer.NewReceiptHandler(pool)

	payload, err := json.Marshal(events.ChangeCommitted{
		CustomerID:    "cust-1",
		Version:       4,
		EntityType:    "venue",
		EntityID:      "venue-1",
		Operation:     "upsert",
		WorkstationID: "ws-a",
		UpdatedAt:     time.Now().UTC(),
		RecordedAt:    time.Now().UTC(),
		Snapshot:      json.RawMessage(`{"name":"Depot"}`),
	})
	require.NoError(t, err)

	msg := consumer.Message{
		Topic:         "sync_changes",
		Partition:     0,
		Offset:        5,
		EventType:     events.ChangeCommittedType,
		TenantID:      "cust-1",
		SchemaSubject: "sync_changes-value",
		SchemaID:      42,
		Payload:       payload,
	}

	require.NoError(t, handler.Handle(ctx, msg))
	msg.Offset = 9
	require.NoError(t, handler.Handle(ctx, msg))

	var deliveries int
	var offset int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT deliveries, record_offset FROM change_feed_receipts WHERE customer_id = 'cust-1' AND version = 4`,
	).Scan(&deliveries, &offset))
	require.Equal(t, 2, deliveries)
	require.EqualValues(t, 9, offset)

	highest, err := handler.HighestReceived(ctx, "cust-1")
	require.NoError(t, err)
	require.EqualValues(t, 4, highest)

	highest, err = handler.HighestReceived(ctx, "cust-unknown")
	require.NoError(t, err)
	require.Zero(t, highest)
}

func TestReceiptHandlerRejectsForeignEvents(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)

	err := consumer.NewReceiptHandler(pool).Handle(ctx, consumer.Message{
		EventType: "alert.raised",
		Payload:   json.RawMessage(`{}`),
	})
	require.ErrorIs(t, err, consumer.ErrSkipRecord)
}
