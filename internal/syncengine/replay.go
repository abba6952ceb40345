package syncengine

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

const replayPageSize = 1000

// State is current state rebuilt from the change log.
type State struct {
	customerID string
	version    int64
	entities   map[domain.EntityRef]domain.Entity
}

// NewState returns the empty state at version 0.
func NewState(customerID string) *State {
	return &State{customerID: customerID, entities: make(map[domain.EntityRef]domain.Entity)}
}

// Apply folds one entry into the state. Entries must arrive in ascending version order.
func (s *State) Apply(entry domain.ChangeEntry) error {
	if entry.Version <= s.version {
		return fmt.Errorf("change log entry %d arrived after %d", entry.Version, s.version)
	}
	entity := domain.Entity{
		CustomerID:    s.customerID,
		Type:          entry.EntityType,
		ID:            entry.EntityID,
		Version:       entry.Version,
		UpdatedAt:     entry.UpdatedAt,
		WorkstationID: entry.WorkstationID,
		Payload:       entry.Snapshot,
	}
	if entry.Operation == domain.OpDelete {
		deletedAt := entry.RecordedAt
		entity.DeletedAt = &deletedAt
	}
	s.entities[entry.Ref()] = entity
	s.version = entry.Version
	return nil
}

// Version is the version of the last applied entry.
func (s *State) Version() int64 {
	return s.version
}

// Snapshot renders the state in the order stores return snapshots.
func (s *State) Snapshot() domain.Snapshot {
	entities := make([]domain.Entity, 0, len(s.entities))
	for _, entity := range s.entities {
		entities = append(entities, entity)
	}
	sortEntities(entities)
	return domain.Snapshot{Entities: entities, AtVersion: s.version}
}

func sortEntities(entities []domain.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Type != entities[j].Type {
			return entities[i].Type < entities[j].Type
		}
		return entities[i].ID < entities[j].ID
	})
}

// Mismatch is one difference between replayed and stored state.
type Mismatch struct {
	Ref    domain.EntityRef `json:"ref"`
	Reason string           `json:"reason"`
}

// VerifyReport summarises a replay check.
type VerifyReport struct {
	CustomerID string     `json:"customer_id"`
	AtVersion  int64      `json:"at_version"`
	Entries    int        `json:"entries"`
	Entities   int        `json:"entities"`
	Mismatches []Mismatch `json:"mismatches"`
}

// OK reports whether replay reproduced the stored state exactly.
func (r VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// Verify replays the customer's change log from version 0 and compares the result with a
// snapshot of current state.
func (s *Service) Verify(ctx context.Context, customerID string) (VerifyReport, error) {
	snapshot, err := s.store.Snapshot(ctx, customerID)
	if err != nil {
		return VerifyReport{}, domain.Transient("read snapshot", err)
	}

	state := NewState(customerID)
	entries := 0
	var since int64
	for since < snapshot.AtVersion {
		page, err := s.store.ReadSince(ctx, customerID, since, replayPageSize)
		if err != nil {
			return VerifyReport{}, domain.Transient("read change log", err)
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			if entry.Version > snapshot.AtVersion {
				break
			}
			if err := state.Apply(entry); err != nil {
				return VerifyReport{}, err
			}
			entries++
		}
		since = page[len(page)-1].Version
	}

	report := VerifyReport{
		CustomerID: customerID,
		AtVersion:  snapshot.AtVersion,
		Entries:    entries,
		Entities:   len(snapshot.Entities),
		Mismatches: diffStates(state.entities, snapshot.Entities),
	}
	return report, nil
}

func diffStates(replayed map[domain.EntityRef]domain.Entity, stored []domain.Entity) []Mismatch {
	var out []Mismatch
	seen := make(map[domain.EntityRef]bool, len(stored))
	for _, entity := range stored {
		ref := entity.Ref()
		seen[ref] = true
		want, ok := replayed[ref]
		if !ok {
			out = append(out, Mismatch{Ref: ref, Reason: "stored entity has no change log history"})
			continue
		}
		if reason := compareEntity(want, entity); reason != "" {
			out = append(out, Mismatch{Ref: ref, Reason: reason})
		}
	}
	for ref := range replayed {
		if !seen[ref] {
			out = append(out, Mismatch{Ref: ref, Reason: "change log entity missing from current state"})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.Type != out[j].Ref.Type {
			return out[i].Ref.Type < out[j].Ref.Type
		}
		return out[i].Ref.ID < out[j].Ref.ID
	})
	return out
}

func compareEntity(replayed, stored domain.Entity) string {
	switch {
	case replayed.Version != stored.Version:
		return fmt.Sprintf("version %d, replay gives %d", stored.Version, replayed.Version)
	case !replayed.UpdatedAt.Equal(stored.UpdatedAt):
		return "updated_at differs"
	case replayed.WorkstationID != stored.WorkstationID:
		return "workstation differs"
	case replayed.Deleted() != stored.Deleted():
		return "tombstone differs"
	case replayed.Deleted() && !replayed.DeletedAt.Equal(*stored.DeletedAt):
		return "deleted_at differs"
	case !bytes.Equal(replayed.Payload, stored.Payload):
		return "payload differs"
	}
	return ""
}
