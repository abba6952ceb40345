//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/events"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres/postgrestest"
	"github.com/nganga-moses/overwatch-cloud/internal/syncengine"
)

func venueItem(id string, base int64, key, payload string) domain.PushItem {
	return domain.PushItem{
		EntityType:     domain.EntityVenue,
		EntityID:       id,
		BaseVersion:    base,
		Operation:      domain.OpUpsert,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: key,
	}
}

func registerWorkstation(t *testing.T, ctx context.Context, store *postgres.Store, customerID, name string) string {
	t.Helper()
	ws, err := store.RegisterWorkstation(ctx, domain.Workstation{CustomerID: customerID, Name: name})
	require.NoError(t, err)
	return ws.ID
}

func TestStoreMergesAndReplaysThroughEngine(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)
	store := postgres.NewStore(pool)

	customerID := uuid.NewString()
	ws1 := registerWorkstation(t, ctx, store, customerID, "north")
	ws2 := registerWorkstation(t, ctx, store, customerID, "south")

	svc := syncengine.NewService(store, syncengine.WithWorkstations(store), syncengine.WithAuditor(store))

	first, err := svc.Push(ctx, domain.PushRequest{CustomerID: customerID, WorkstationID: ws1,
		Items: []domain.PushItem{venueItem("venue-1", 0, "k1", `{"name":"Arena"}`)}})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAccepted, first.Outcomes[0].Status)
	require.EqualValues(t, 1, first.CloudVersion)

	second, err := svc.Push(ctx, domain.PushRequest{CustomerID: customerID, WorkstationID: ws2,
		Items: []domain.PushItem{venueItem("venue-1", 0, "k2", `{"tags":["indoor"]}`)}})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAccepted, second.Outcomes[0].Status)
	require.EqualValues(t, 2, second.Outcomes[0].Version)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(second.Outcomes[0].Payload, &merged))
	require.Equal(t, "Arena", merged["name"])
	require.Equal(t, []any{"indoor"}, merged["tags"])

	replayed, err := svc.Push(ctx, domain.PushRequest{CustomerID: customerID, WorkstationID: ws2,
		Items: []domain.PushItem{venueItem("venue-1", 0, "k2", `{"tags":["indoor"]}`)}})
	require.NoError(t, err)
	require.True(t, replayed.Outcomes[0].Replay)
	require.EqualValues(t, 2, replayed.Outcomes[0].Version)

	page, err := svc.Pull(ctx, domain.PullRequest{CustomerID: customerID, WorkstationID: ws1})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.EqualValues(t, 2, page.NextCursor)

	snapshot, err := svc.Bootstrap(ctx, customerID, ws1)
	require.NoError(t, err)
	require.EqualValues(t, 2, snapshot.AtVersion)
	require.Len(t, snapshot.Entities, 1)
	require.JSONEq(t, string(page.Entries[1].Snapshot), string(snapshot.Entities[0].Payload))

	report, err := svc.Verify(ctx, customerID)
	require.NoError(t, err)
	require.True(t, report.OK(), "mismatches: %v", report.Mismatches)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE tenant_id=$1 AND event_type=$2`,
		customerID, events.ChangeCommittedType).Scan(&outboxRows))
	require.Equal(t, 2, outboxRows)

	audit, err := store.SyncEvents(ctx, customerID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 5)

	workstations, err := store.ListWorkstations(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, workstations, 2)
	require.NotNil(t, workstations[0].LastSyncAt)
}

func TestStoreIssuesUniqueVersionsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)
	store := postgres.NewStore(pool)

	customerID := uuid.NewString()
	svc := syncengine.NewService(store, syncengine.WithRetryPolicy(50, 0, 0))

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "venue-shared"
			if i%2 == 0 {
				id = fmt.Sprintf("venue-%d", i)
			}
			payload := fmt.Sprintf(`{"metadata":{"writer_%d":"yes"}}`, i)
			res, err := svc.Push(ctx, domain.PushRequest{CustomerID: customerID, WorkstationID: fmt.Sprintf("ws-%02d", i),
				Items: []domain.PushItem{venueItem(id, 0, fmt.Sprintf("key-%d", i), payload)}})
			if err != nil {
				errs <- err
				return
			}
			if !res.Outcomes[0].Committed() {
				errs <- fmt.Errorf("writer %d: %s %s", i, res.Outcomes[0].Status, res.Outcomes[0].Reason)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	version, err := store.CurrentVersion(ctx, customerID)
	require.NoError(t, err)
	require.EqualValues(t, writers, version)

	entries, err := store.ReadSince(ctx, customerID, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, writers)
	for i, entry := range entries {
		require.EqualValues(t, i+1, entry.Version)
	}

	shared, err := store.GetEntity(ctx, customerID, domain.EntityRef{Type: domain.EntityVenue, ID: "venue-shared"})
	require.NoError(t, err)
	require.NotNil(t, shared)
	var payload struct {
		Metadata map[string]string `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(shared.Payload, &payload))
	require.Len(t, payload.Metadata, writers/2)

	report, err := svc.Verify(ctx, customerID)
	require.NoError(t, err)
	require.True(t, report.OK(), "mismatches: %v", report.Mismatches)
}

func TestStoreKeepsCustomersApart(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)
	store := postgres.NewStore(pool)

	owner := uuid.NewString()
	other := uuid.NewString()
	ws := registerWorkstation(t, ctx, store, owner, "north")

	require.NoError(t, store.Verify(ctx, owner, ws))
	require.ErrorIs(t, store.Verify(ctx, other, ws), domain.ErrWorkstationNotFound)
	require.ErrorIs(t, store.Touch(ctx, other, ws, true), domain.ErrWorkstationNotFound)

	svc := syncengine.NewService(store)
	_, err := svc.Push(ctx, domain.PushRequest{CustomerID: owner, WorkstationID: ws,
		Items: []domain.PushItem{venueItem("venue-1", 0, "k1", `{"name":"Arena"}`)}})
	require.NoError(t, err)

	entity, err := store.GetEntity(ctx, other, domain.EntityRef{Type: domain.EntityVenue, ID: "venue-1"})
	require.NoError(t, err)
	require.Nil(t, entity)

	snapshot, err := store.Snapshot(ctx, other)
	require.NoError(t, err)
	require.Empty(t, snapshot.Entities)
	require.Zero(t, snapshot.AtVersion)
}

func TestStoreCompareAndSwapAndLedger(t *testing.T) {
	ctx := context.Background()
	pool, _ := postgrestest.Start(t, ctx)
	store := postgres.NewStore(pool)
	customerID := uuid.NewString()
	at := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	entity := domain.Entity{
		CustomerID:    customerID,
		Type:          domain.EntityDrone,
		ID:            "drone-1",
		WorkstationID: "ws-1",
		Payload:       json.RawMessage(`{"serial":"A1"}`),
	}
	record := domain.IdempotencyRecord{CustomerID: customerID, WorkstationID: "ws-1", Key: "k1",
		Outcome:   domain.Outcome{Status: domain.OutcomeAccepted, EntityType: domain.EntityDrone, EntityID: "drone-1", Version: 1},
		CreatedAt: at}

	err := store.WithinTx(ctx, customerID, func(tx domain.Tx) error {
		version, err := tx.NextVersion(ctx, customerID)
		if err != nil {
			return err
		}
		entity.Version = version
		entity.UpdatedAt = at
		if err := tx.CompareAndSwap(ctx, entity, 0); err != nil {
			return err
		}
		return tx.SaveIdempotency(ctx, record)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, customerID, func(tx domain.Tx) error {
		return tx.CompareAndSwap(ctx, entity, 0)
	})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	err = store.WithinTx(ctx, customerID, func(tx domain.Tx) error {
		return tx.SaveIdempotency(ctx, record)
	})
	require.ErrorIs(t, err, domain.ErrIdempotentReplay)

	found, err := store.FindIdempotency(ctx, customerID, "ws-1", "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, record.Outcome, found.Outcome)

	missing, err := store.FindIdempotency(ctx, customerID, "ws-1", "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestMigratorRollsBackAndReapplies(t *testing.T) {
	ctx := context.Background()
	_, connStr := postgrestest.Start(t, ctx)

	migrator, err := postgres.NewMigrator(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = migrator.Close() })

	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.EqualValues(t, 2, version)

	require.NoError(t, migrator.Down(1))
	version, _, err = migrator.Version()
	require.NoError(t, err)
	require.EqualValues(t, 1, version)

	require.NoError(t, migrator.Down(1))
	version, _, err = migrator.Version()
	require.NoError(t, err)
	require.Zero(t, version)

	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Up())
}
