package domain

import "context"

// VersionAuthority issues the customer's logical clock. NextVersion must return strictly
// increasing values per customer and never reuse one, even under concurrent callers.
type VersionAuthority interface {
	NextVersion(ctx context.Context, customerID string) (int64, error)
}

// Tx is one atomic unit of work against the store. Everything written through a Tx becomes
// visible together or not at all.
type Tx interface {
	VersionAuthority
	// CompareAndSwap writes entity if the stored version still equals expectedVersion
	// (0 means the row must not exist). It returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, entity Entity, expectedVersion int64) error
	// AppendChange appends an immutable change log entry.
	AppendChange(ctx context.Context, entry ChangeEntry) error
	// SaveIdempotency records the outcome under its key, returning ErrIdempotentReplay
	// if the key was already recorded.
	SaveIdempotency(ctx context.Context, record IdempotencyRecord) error
}

// Store is the transactional backing store assumed by the sync engine.
type Store interface {
	WithinTx(ctx context.Context, customerID string, fn func(Tx) error) error
	GetEntity(ctx context.Context, customerID string, ref EntityRef) (*Entity, error)
	FindIdempotency(ctx context.Context, customerID, workstationID, key string) (*IdempotencyRecord, error)
	ReadSince(ctx context.Context, customerID string, since int64, limit int) ([]ChangeEntry, error)
	Snapshot(ctx context.Context, customerID string) (Snapshot, error)
	CurrentVersion(ctx context.Context, customerID string) (int64, error)
}

// WorkstationRegistry verifies workstation ownership and tracks sync activity.
type WorkstationRegistry interface {
	Verify(ctx context.Context, customerID, workstationID string) error
	Touch(ctx context.Context, customerID, workstationID string, synced bool) error
}

// SyncAuditor persists sync audit events.
type SyncAuditor interface {
	RecordSyncEvent(ctx context.Context, event SyncEvent) error
}
