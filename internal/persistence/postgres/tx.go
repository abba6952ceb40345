package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/events"
)

// storeTx is the domain.Tx handed to WithinTx callbacks.
type storeTx struct {
	tx         pgx.Tx
	customerID string
}

// NextVersion increments the customer's counter row. The row lock it takes is held until the
// surrounding transaction ends.
func (t *storeTx) NextVersion(ctx context.Context, customerID string) (int64, error) {
	if customerID != t.customerID {
		return 0, fmt.Errorf("transaction for customer %s cannot issue versions for %s", t.customerID, customerID)
	}
	var version int64
	err := t.tx.QueryRow(ctx, `INSERT INTO customer_versions (customer_id, version, updated_at)
        VALUES ($1, 1, NOW())
        ON CONFLICT (customer_id) DO UPDATE SET version = customer_versions.version + 1, updated_at = NOW()
        RETURNING version`, customerID).Scan(&version)
	if err != nil {
		return 0, classify("issue version", err)
	}
	return version, nil
}

func (t *storeTx) CompareAndSwap(ctx context.Context, entity domain.Entity, expectedVersion int64) error {
	if entity.CustomerID != t.customerID {
		return fmt.Errorf("transaction for customer %s cannot write %s", t.customerID, entity.CustomerID)
	}

	var (
		affected int64
		err      error
	)
	if expectedVersion == 0 {
		tag, execErr := t.tx.Exec(ctx, `INSERT INTO sync_entities (`+entityColumns+`)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
            ON CONFLICT (customer_id, entity_type, entity_id) DO NOTHING`,
			entity.CustomerID, string(entity.Type), entity.ID, entity.Version, entity.UpdatedAt, entity.DeletedAt, entity.WorkstationID, []byte(entity.Payload),
		)
		affected, err = tag.RowsAffected(), execErr
	} else {
		tag, execErr := t.tx.Exec(ctx, `UPDATE sync_entities
            SET version=$4, updated_at=$5, deleted_at=$6, workstation_id=$7, payload=$8
            WHERE customer_id=$1 AND entity_type=$2 AND entity_id=$3 AND version=$9`,
			entity.CustomerID, string(entity.Type), entity.ID, entity.Version, entity.UpdatedAt, entity.DeletedAt, entity.WorkstationID, []byte(entity.Payload), expectedVersion,
		)
		affected, err = tag.RowsAffected(), execErr
	}
	if err != nil {
		return classify("write entity", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s expected version %d", domain.ErrVersionConflict, entity.Type, entity.ID, expectedVersion)
	}
	return nil
}

// AppendChange writes the change log entry and its change-feed outbox row.
func (t *storeTx) AppendChange(ctx context.Context, entry domain.ChangeEntry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO change_log (`+changeColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.CustomerID, entry.Version, string(entry.EntityType), entry.EntityID, string(entry.Operation),
		[]byte(entry.Snapshot), entry.UpdatedAt, entry.WorkstationID, entry.RecordedAt,
	)
	if err != nil {
		return classify("append change", err)
	}
	if err := t.insertOutbox(ctx, entry); err != nil {
		return classify("write outbox", err)
	}
	return nil
}

func (t *storeTx) insertOutbox(ctx context.Context, entry domain.ChangeEntry) error {
	body, err := json.Marshal(events.ChangeCommitted{
		CustomerID:    entry.CustomerID,
		Version:       entry.Version,
		EntityType:    string(entry.EntityType),
		EntityID:      entry.EntityID,
		Operation:     string(entry.Operation),
		WorkstationID: entry.WorkstationID,
		UpdatedAt:     entry.UpdatedAt,
		RecordedAt:    entry.RecordedAt,
		Snapshot:      entry.Snapshot,
	})
	if err != nil {
		return err
	}

	route := events.Catalog[events.ChangeCommittedType]
	dedupeKey := fmt.Sprintf("%s:%d", entry.CustomerID, entry.Version)

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = t.tx.Exec(ctx, stmt,
		entry.CustomerID,
		string(entry.EntityType),
		entry.EntityID,
		events.ChangeCommittedType,
		route.Topic,
		route.SchemaSubject,
		entry.CustomerID,
		body,
		dedupeKey,
	)
	return err
}

func (t *storeTx) SaveIdempotency(ctx context.Context, record domain.IdempotencyRecord) error {
	outcome, err := json.Marshal(record.Outcome)
	if err != nil {
		return fmt.Errorf("encode idempotency outcome: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `INSERT INTO push_idempotency (customer_id, workstation_id, idempotency_key, outcome, created_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT ON CONSTRAINT push_idempotency_pkey DO NOTHING`,
		record.CustomerID, record.WorkstationID, record.Key, outcome, record.CreatedAt,
	)
	if err != nil {
		return classify("save idempotency record", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdempotentReplay
	}
	return nil
}
