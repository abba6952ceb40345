// Package postgres implements the sync store contracts on PostgreSQL. Every tenant-scoped
// statement runs inside a transaction that first sets app.tenant_id for row level security.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

const entityColumns = `customer_id, entity_type, entity_id, version, updated_at, deleted_at, workstation_id, payload`

const changeColumns = `customer_id, version, entity_type, entity_id, operation, snapshot, updated_at, workstation_id, recorded_at`

// Store is the Postgres-backed domain.Store, domain.WorkstationRegistry and domain.SyncAuditor.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore constructs a Store over pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// withTenant runs fn in a transaction scoped to customerID.
func (s *Store) withTenant(ctx context.Context, customerID string, opts pgx.TxOptions, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", customerID); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WithinTx runs fn in one read-committed transaction. The counter row locked by the first
// NextVersion call serializes commits for the customer until the transaction ends.
func (s *Store) WithinTx(ctx context.Context, customerID string, fn func(domain.Tx) error) error {
	err := s.withTenant(ctx, customerID, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&storeTx{tx: tx, customerID: customerID})
	})
	return classify("commit transaction", err)
}

// GetEntity returns the current row or nil when absent.
func (s *Store) GetEntity(ctx context.Context, customerID string, ref domain.EntityRef) (*domain.Entity, error) {
	var found *domain.Entity
	err := s.withTenant(ctx, customerID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+entityColumns+` FROM sync_entities
            WHERE customer_id=$1 AND entity_type=$2 AND entity_id=$3`, customerID, string(ref.Type), ref.ID)
		entity, err := scanEntity(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &entity
		return nil
	})
	if err != nil {
		return nil, classify("load entity", err)
	}
	return found, nil
}

// FindIdempotency returns the outcome recorded for key or nil.
func (s *Store) FindIdempotency(ctx context.Context, customerID, workstationID, key string) (*domain.IdempotencyRecord, error) {
	var found *domain.IdempotencyRecord
	err := s.withTenant(ctx, customerID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var (
			record  domain.IdempotencyRecord
			outcome []byte
		)
		err := tx.QueryRow(ctx, `SELECT customer_id, workstation_id, idempotency_key, outcome, created_at
            FROM push_idempotency WHERE customer_id=$1 AND workstation_id=$2 AND idempotency_key=$3`,
			customerID, workstationID, key,
		).Scan(&record.CustomerID, &record.WorkstationID, &record.Key, &outcome, &record.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(outcome, &record.Outcome); err != nil {
			return fmt.Errorf("decode idempotency outcome: %w", err)
		}
		found = &record
		return nil
	})
	if err != nil {
		return nil, classify("find idempotency record", err)
	}
	return found, nil
}

// ReadSince returns up to limit entries with version > since in ascending order. A limit of
// zero reads to the end of the log.
func (s *Store) ReadSince(ctx context.Context, customerID string, since int64, limit int) ([]domain.ChangeEntry, error) {
	query := `SELECT ` + changeColumns + ` FROM change_log WHERE customer_id=$1 AND version > $2 ORDER BY version`
	args := []any{customerID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	entries := make([]domain.ChangeEntry, 0, max(limit, 0))
	err := s.withTenant(ctx, customerID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			entry, err := scanChange(rows)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify("read change log", err)
	}
	return entries, nil
}

// Snapshot reads the counter and every entity, tombstones included, from one repeatable-read
// snapshot so the rows reflect exactly the returned version.
func (s *Store) Snapshot(ctx context.Context, customerID string) (domain.Snapshot, error) {
	snapshot := domain.Snapshot{Entities: []domain.Entity{}}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := s.withTenant(ctx, customerID, opts, func(tx pgx.Tx) error {
		version, err := currentVersion(ctx, tx, customerID)
		if err != nil {
			return err
		}
		snapshot.AtVersion = version

		rows, err := tx.Query(ctx, `SELECT `+entityColumns+` FROM sync_entities
            WHERE customer_id=$1 ORDER BY entity_type, entity_id`, customerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			entity, err := scanEntity(rows)
			if err != nil {
				return err
			}
			snapshot.Entities = append(snapshot.Entities, entity)
		}
		return rows.Err()
	})
	if err != nil {
		return domain.Snapshot{}, classify("read snapshot", err)
	}
	return snapshot, nil
}

// CurrentVersion reads the customer's counter. Customers that never committed are at 0.
func (s *Store) CurrentVersion(ctx context.Context, customerID string) (int64, error) {
	var version int64
	err := s.withTenant(ctx, customerID, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		v, err := currentVersion(ctx, tx, customerID)
		version = v
		return err
	})
	if err != nil {
		return 0, classify("read version", err)
	}
	return version, nil
}

func currentVersion(ctx context.Context, tx pgx.Tx, customerID string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM customer_versions WHERE customer_id=$1`, customerID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var (
		entity     domain.Entity
		entityType string
		payload    []byte
	)
	if err := row.Scan(&entity.CustomerID, &entityType, &entity.ID, &entity.Version, &entity.UpdatedAt, &entity.DeletedAt, &entity.WorkstationID, &payload); err != nil {
		return domain.Entity{}, err
	}
	entity.Type = domain.EntityType(entityType)
	entity.Payload = json.RawMessage(payload)
	entity.UpdatedAt = entity.UpdatedAt.UTC()
	if entity.DeletedAt != nil {
		deletedAt := entity.DeletedAt.UTC()
		entity.DeletedAt = &deletedAt
	}
	return entity, nil
}

func scanChange(row pgx.Row) (domain.ChangeEntry, error) {
	var (
		entry      domain.ChangeEntry
		entityType string
		operation  string
		snapshot   []byte
	)
	if err := row.Scan(&entry.CustomerID, &entry.Version, &entityType, &entry.EntityID, &operation, &snapshot, &entry.UpdatedAt, &entry.WorkstationID, &entry.RecordedAt); err != nil {
		return domain.ChangeEntry{}, err
	}
	entry.EntityType = domain.EntityType(entityType)
	entry.Operation = domain.ChangeOp(operation)
	entry.Snapshot = json.RawMessage(snapshot)
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	entry.RecordedAt = entry.RecordedAt.UTC()
	return entry, nil
}
