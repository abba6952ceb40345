// Package memory implements the sync store contracts in process memory for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

type idempotencyKey struct {
	workstationID string
	key           string
}

// shard holds one customer's state. Its write lock plays the role of the customer's
// counter row: commits for one customer are serialized, other customers are unaffected.
type shard struct {
	mu          sync.RWMutex
	version     int64
	entities    map[domain.EntityRef]domain.Entity
	log         []domain.ChangeEntry
	idempotency map[idempotencyKey]domain.IdempotencyRecord
}

func newShard() *shard {
	return &shard{
		entities:    make(map[domain.EntityRef]domain.Entity),
		idempotency: make(map[idempotencyKey]domain.IdempotencyRecord),
	}
}

// Store is an in-memory domain.Store, domain.WorkstationRegistry and domain.SyncAuditor.
type Store struct {
	mu           sync.Mutex
	shards       map[string]*shard
	workstations map[string]domain.Workstation
	events       []domain.SyncEvent
	now          func() time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		shards:       make(map[string]*shard),
		workstations: make(map[string]domain.Workstation),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) shard(customerID string) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[customerID]
	if !ok {
		sh = newShard()
		s.shards[customerID] = sh
	}
	return sh
}

// WithinTx runs fn against a staged view of the customer's state and applies the staged
// writes only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, customerID string, fn func(domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(customerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	tx := &tx{
		customerID:  customerID,
		shard:       sh,
		version:     sh.version,
		entities:    make(map[domain.EntityRef]domain.Entity),
		idempotency: make(map[idempotencyKey]domain.IdempotencyRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sh.version = tx.version
	for ref, entity := range tx.entities {
		sh.entities[ref] = entity
	}
	sh.log = append(sh.log, tx.log...)
	for key, record := range tx.idempotency {
		sh.idempotency[key] = record
	}
	return nil
}

// GetEntity returns the current row or nil when absent.
func (s *Store) GetEntity(ctx context.Context, customerID string, ref domain.EntityRef) (*domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(customerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	entity, ok := sh.entities[ref]
	if !ok {
		return nil, nil
	}
	return &entity, nil
}

// FindIdempotency returns the outcome recorded for key or nil.
func (s *Store) FindIdempotency(ctx context.Context, customerID, workstationID, key string) (*domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(customerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	record, ok := sh.idempotency[idempotencyKey{workstationID: workstationID, key: key}]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// ReadSince returns up to limit entries with version > since in ascending order.
func (s *Store) ReadSince(ctx context.Context, customerID string, since int64, limit int) ([]domain.ChangeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(customerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	// The log is appended in version order, so the first entry after since is found by search.
	start := sort.Search(len(sh.log), func(i int) bool { return sh.log[i].Version > since })
	end := len(sh.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]domain.ChangeEntry, end-start)
	copy(out, sh.log[start:end])
	return out, nil
}

// Snapshot returns every entity, tombstones included, with the version it reflects.
func (s *Store) Snapshot(ctx context.Context, customerID string) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	sh := s.shard(customerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	entities := make([]domain.Entity, 0, len(sh.entities))
	for _, entity := range sh.entities {
		entities = append(entities, entity)
	}
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Type != entities[j].Type {
			return entities[i].Type < entities[j].Type
		}
		return entities[i].ID < entities[j].ID
	})
	return domain.Snapshot{Entities: entities, AtVersion: sh.version}, nil
}

// CurrentVersion reads the customer's counter.
func (s *Store) CurrentVersion(ctx context.Context, customerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sh := s.shard(customerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.version, nil
}

// RegisterWorkstation adds a workstation to the registry.
func (s *Store) RegisterWorkstation(ws domain.Workstation) domain.Workstation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now()
	}
	s.workstations[ws.ID] = ws
	return ws
}

// Workstation returns a registry row.
func (s *Store) Workstation(id string) (domain.Workstation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workstations[id]
	return ws, ok
}

// Verify implements domain.WorkstationRegistry.
func (s *Store) Verify(ctx context.Context, customerID, workstationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workstations[workstationID]
	if !ok || ws.CustomerID != customerID {
		return fmt.Errorf("%w: %s", domain.ErrWorkstationNotFound, workstationID)
	}
	return nil
}

// Touch implements domain.WorkstationRegistry.
func (s *Store) Touch(ctx context.Context, customerID, workstationID string, synced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workstations[workstationID]
	if !ok || ws.CustomerID != customerID {
		return fmt.Errorf("%w: %s", domain.ErrWorkstationNotFound, workstationID)
	}
	now := s.now()
	ws.LastSeenAt = &now
	if synced {
		ws.LastSyncAt = &now
	}
	s.workstations[workstationID] = ws
	return nil
}

// RecordSyncEvent implements domain.SyncAuditor.
func (s *Store) RecordSyncEvent(ctx context.Context, event domain.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	s.events = append(s.events, event)
	return nil
}

// SyncEvents returns the recorded audit events for a customer.
func (s *Store) SyncEvents(customerID string) []domain.SyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SyncEvent
	for _, event := range s.events {
		if event.CustomerID == customerID {
			out = append(out, event)
		}
	}
	return out
}

type tx struct {
	customerID  string
	shard       *shard
	version     int64
	entities    map[domain.EntityRef]domain.Entity
	log         []domain.ChangeEntry
	idempotency map[idempotencyKey]domain.IdempotencyRecord
}

func (t *tx) NextVersion(ctx context.Context, customerID string) (int64, error) {
	if customerID != t.customerID {
		return 0, fmt.Errorf("transaction for customer %s cannot issue versions for %s", t.customerID, customerID)
	}
	t.version++
	return t.version, nil
}

func (t *tx) CompareAndSwap(ctx context.Context, entity domain.Entity, expectedVersion int64) error {
	if entity.CustomerID != t.customerID {
		return fmt.Errorf("transaction for customer %s cannot write %s", t.customerID, entity.CustomerID)
	}
	ref := entity.Ref()
	current, ok := t.entities[ref]
	if !ok {
		current, ok = t.shard.entities[ref]
	}
	var stored int64
	if ok {
		stored = current.Version
	}
	if stored != expectedVersion {
		return fmt.Errorf("%w: %s/%s at %d, expected %d", domain.ErrVersionConflict, ref.Type, ref.ID, stored, expectedVersion)
	}
	t.entities[ref] = entity
	return nil
}

func (t *tx) AppendChange(ctx context.Context, entry domain.ChangeEntry) error {
	if entry.Version <= t.shard.version && len(t.log) == 0 {
		return fmt.Errorf("change log entry %d is not after %d", entry.Version, t.shard.version)
	}
	if n := len(t.log); n > 0 && entry.Version <= t.log[n-1].Version {
		return fmt.Errorf("change log entry %d is not after %d", entry.Version, t.log[n-1].Version)
	}
	t.log = append(t.log, entry)
	return nil
}

func (t *tx) SaveIdempotency(ctx context.Context, record domain.IdempotencyRecord) error {
	key := idempotencyKey{workstationID: record.WorkstationID, key: record.Key}
	if _, ok := t.shard.idempotency[key]; ok {
		return domain.ErrIdempotentReplay
	}
	if _, ok := t.idempotency[key]; ok {
		return domain.ErrIdempotentReplay
	}
	t.idempotency[key] = record
	return nil
}
