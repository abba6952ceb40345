//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres/postgrestest"
	"github.com/nganga-moses/overwatch-cloud/internal/syncengine"
)

// commitVenues pushes n venues so the store writes n outbox rows for customerID.
func commitVenues(t *testing.T, ctx context.Context, pool *pgxpool.Pool, customerID string, n int) {
	t.Helper()
	svc := syncengine.NewService(postgres.NewStore(pool))
	items := make([]domain.PushItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, domain.PushItem{
			EntityType:     domain.EntityVenue,
			EntityID:       uuid.NewString(),
			Operation:      domain.OpUpsert,
			Payload:        json.RawMessage(`{"name":"Arena"}`),
			IdempotencyKey: uuid.NewString(),
		})
	}
	res, err := svc.Push(ctx, domain.PushRequest{CustomerID: customerID, WorkstationID: "ws-1", Items: items})
	require.NoError(t, err)
	for _, outcome := range res.Outcomes {
		require.Equal(t, domain.OutcomeAccepted, outcome.Status)
	}
}

func countRows(t *testing.T, ctx context.Context, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(ctx, query, args...).Scan(&n))
	return n
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func TestDispatcherPublishesCommittedChanges(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)

	customerID := uuid.NewString()
	commitVenues(t, ctx, pool, customerID, 3)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 10)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "sync_changes", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 3)
	require.Len(t, registry.calls, 1)

	var versions []int64
	for _, msg := range producer.writes[0].messages {
		require.Equal(t, customerID, string(msg.Key))
		var event struct {
			Version int64 `json:"version"`
		}
		require.NoError(t, json.Unmarshal(msg.Value[5:], &event))
		versions = append(versions, event.Version)
	}
	require.Equal(t, []int64{1, 2, 3}, versions)

	require.InDelta(t, beforeDelivered+3, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)
	require.Equal(t, 3, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`))

	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1, "published rows must not be claimed again")
}

func TestDispatcherRoutesFailedBatchToDLQAndManagerRequeues(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)

	customerID := uuid.NewString()
	commitVenues(t, ctx, pool, customerID, 1)

	producer := &stubProducer{err: errors.New("kafka write failed")}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 10)

	beforeFailed := testutil.ToFloat64(failedCounter)
	beforeDLQ := testutil.ToFloat64(dlqCounter.WithLabelValues("sync_changes"))

	require.NoError(t, dispatcher.processBatch(ctx))

	require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter), 0.0001)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqCounter.WithLabelValues("sync_changes")), 0.0001)
	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq WHERE tenant_id = $1`, customerID))

	manager := NewDLQManager(pool, 5, time.Second, nil)
	stats, err := manager.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, DLQStats{Pending: 1}, stats)

	requeued, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Zero(t, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox_dlq`))
	require.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`))

	producer.err = nil
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestDLQManagerQuarantinesExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)

	customerID := uuid.NewString()
	commitVenues(t, ctx, pool, customerID, 1)

	dispatcher := NewDispatcher(pool, &stubProducer{err: errors.New("down")}, &stubRegistry{}, 10*time.Millisecond, 10)
	require.NoError(t, dispatcher.processBatch(ctx))

	_, err := pool.Exec(ctx, `UPDATE outbox_dlq SET retry_count = 2`)
	require.NoError(t, err)

	before := testutil.ToFloat64(dlqQuarantinedCounter.WithLabelValues("sync_changes", "sync.change_committed"))
	manager := NewDLQManager(pool, 2, time.Second, nil)
	requeued, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, requeued)

	stats, err := manager.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, DLQStats{Quarantined: 1}, stats)
	require.InDelta(t, before+1, testutil.ToFloat64(dlqQuarantinedCounter.WithLabelValues("sync_changes", "sync.change_committed")), 0.0001)
}
