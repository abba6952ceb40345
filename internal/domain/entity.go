// Package domain defines the sync records shared by the engine, merge policies and stores.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType names a syncable table.
type EntityType string

const (
	EntityVenue             EntityType = "venue"
	EntityVenueZone         EntityType = "venue_zone"
	EntityZoneConnection    EntityType = "zone_connection"
	EntityPerchPoint        EntityType = "perch_point"
	EntitySurfaceAssessment EntityType = "surface_assessment"
	EntityOperation         EntityType = "operation"
	EntityAlert             EntityType = "alert"
	EntityPrincipal         EntityType = "principal"
	EntityDrone             EntityType = "drone"
	EntityKitAssignment     EntityType = "kit_assignment"
	EntityWorldModelNode    EntityType = "wm_node"
	EntityWorldModelEdge    EntityType = "wm_edge"
)

// ChangeOp is the mutation recorded by a change log entry.
type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// EntityRef addresses one current-state row inside a customer.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

// Entity is the current server state of a versioned record.
type Entity struct {
	CustomerID    string          `json:"customer_id"`
	Type          EntityType      `json:"entity_type"`
	ID            string          `json:"entity_id"`
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
	WorkstationID string          `json:"workstation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Ref returns the entity's address.
func (e Entity) Ref() EntityRef {
	return EntityRef{Type: e.Type, ID: e.ID}
}

// Deleted reports whether the entity carries a tombstone.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// ChangeEntry is one immutable change log record. Ordered by Version it forms the
// customer's replayable history.
type ChangeEntry struct {
	CustomerID    string          `json:"customer_id"`
	Version       int64           `json:"version"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     ChangeOp        `json:"operation"`
	Snapshot      json.RawMessage `json:"snapshot"`
	UpdatedAt     time.Time       `json:"updated_at"`
	WorkstationID string          `json:"workstation_id"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// Ref returns the address of the entity the entry mutated.
func (c ChangeEntry) Ref() EntityRef {
	return EntityRef{Type: c.EntityType, ID: c.EntityID}
}

// Snapshot is a consistent dump of current state at a version.
type Snapshot struct {
	Entities  []Entity `json:"entities"`
	AtVersion int64    `json:"at_version"`
}

// Workstation is the server-side registry row of a field workstation.
type Workstation struct {
	ID         string     `json:"id"`
	CustomerID string     `json:"customer_id"`
	Name       string     `json:"name"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SyncDirection labels a sync audit event.
type SyncDirection string

const (
	DirectionPush      SyncDirection = "push"
	DirectionPull      SyncDirection = "pull"
	DirectionBootstrap SyncDirection = "bootstrap"
)

// SyncEvent is the audit row written for each push, pull or bootstrap.
type SyncEvent struct {
	ID            string         `json:"id"`
	CustomerID    string         `json:"customer_id"`
	WorkstationID string         `json:"workstation_id"`
	Direction     SyncDirection  `json:"direction"`
	Counts        map[string]int `json:"counts"`
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	VersionBefore int64          `json:"version_before"`
	VersionAfter  int64          `json:"version_after"`
	Duration      time.Duration  `json:"duration_ns"`
	CreatedAt     time.Time      `json:"created_at"`
}
