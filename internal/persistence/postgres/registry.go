package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

// RegisterWorkstation inserts a workstation row, generating an id when none is given.
func (s *Store) RegisterWorkstation(ctx context.Context, ws domain.Workstation) (domain.Workstation, error) {
	if ws.CustomerID == "" {
		return domain.Workstation{}, errors.New("workstation customer is required")
	}
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now()
	}
	err := s.withTenant(ctx, ws.CustomerID, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO workstations (workstation_id, customer_id, name, created_at)
            VALUES ($1,$2,$3,$4)`, ws.ID, ws.CustomerID, ws.Name, ws.CreatedAt)
		return err
	})
	if err != nil {
		return domain.Workstation{}, classify("register workstation", err)
	}
	return ws, nil
}

// ListWorkstations returns the customer's workstations ordered by creation.
func (s *Store) ListWorkstations(ctx context.Context, customerID string) ([]domain.Workstation, error) {
	var out []domain.Workstation
	err := s.withTenant(ctx, customerID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT workstation_id, customer_id, name, last_sync_at, last_seen_at, created_at
            FROM workstations WHERE customer_id=$1 ORDER BY created_at, workstation_id`, customerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ws domain.Workstation
			if err := rows.Scan(&ws.ID, &ws.CustomerID, &ws.Name, &ws.LastSyncAt, &ws.LastSeenAt, &ws.CreatedAt); err != nil {
				return err
			}
			out = append(out, ws)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("list workstations", err)
	}
	return out, nil
}

// Verify implements domain.WorkstationRegistry.
func (s *Store) Verify(ctx context.Context, customerID, workstationID string) error {
	var found bool
	err := s.withTenant(ctx, customerID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workstations WHERE workstation_id=$1 AND customer_id=$2)`,
			workstationID, customerID).Scan(&found)
	})
	if err != nil {
		return classify("verify workstation", err)
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrWorkstationNotFound, workstationID)
	}
	return nil
}

// Touch implements domain.WorkstationRegistry.
func (s *Store) Touch(ctx context.Context, customerID, workstationID string, synced bool) error {
	now := s.now()
	var affected int64
	err := s.withTenant(ctx, customerID, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE workstations
            SET last_seen_at = $3,
                last_sync_at = CASE WHEN $4 THEN $3 ELSE last_sync_at END
            WHERE workstation_id=$1 AND customer_id=$2`, workstationID, customerID, now, synced)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return classify("touch workstation", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkstationNotFound, workstationID)
	}
	return nil
}

// RecordSyncEvent implements domain.SyncAuditor.
func (s *Store) RecordSyncEvent(ctx context.Context, event domain.SyncEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	counts, err := json.Marshal(event.Counts)
	if err != nil {
		return fmt.Errorf("encode sync event counts: %w", err)
	}
	err = s.withTenant(ctx, event.CustomerID, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO sync_events (event_id, customer_id, workstation_id, direction, counts, status, error, version_before, version_after, duration_ms, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			event.ID, event.CustomerID, event.WorkstationID, string(event.Direction), counts, event.Status,
			nullIfEmpty(event.Error), event.VersionBefore, event.VersionAfter, event.Duration.Milliseconds(), event.CreatedAt,
		)
		return err
	})
	return classify("record sync event", err)
}

// SyncEvents returns the customer's most recent audit events, newest first.
func (s *Store) SyncEvents(ctx context.Context, customerID string, limit int) ([]domain.SyncEvent, error) {
	var out []domain.SyncEvent
	err := s.withTenant(ctx, customerID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT event_id, customer_id, workstation_id, direction, counts, status, COALESCE(error, ''), version_before, version_after, duration_ms, created_at
            FROM sync_events WHERE customer_id=$1 ORDER BY created_at DESC LIMIT $2`, customerID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				event      domain.SyncEvent
				direction  string
				counts     []byte
				durationMs int64
			)
			if err := rows.Scan(&event.ID, &event.CustomerID, &event.WorkstationID, &direction, &counts, &event.Status, &event.Error, &event.VersionBefore, &event.VersionAfter, &durationMs, &event.CreatedAt); err != nil {
				return err
			}
			if err := json.Unmarshal(counts, &event.Counts); err != nil {
				return fmt.Errorf("decode sync event counts: %w", err)
			}
			event.Direction = domain.SyncDirection(direction)
			event.Duration = time.Duration(durationMs) * time.Millisecond
			out = append(out, event)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("list sync events", err)
	}
	return out, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
