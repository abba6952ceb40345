// Package events defines the change-feed payloads published to downstream consumers.
package events

import (
	"encoding/json"
	"time"
)

// ChangeCommittedType is the outbox event type written for every change log entry.
const ChangeCommittedType = "sync.change_committed"

// ChangeCommitted mirrors one committed change log entry.
type ChangeCommitted struct {
	CustomerID    string          `json:"customer_id"`
	Version       int64           `json:"version"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     string          `json:"operation"`
	WorkstationID string          `json:"workstation_id"`
	UpdatedAt     time.Time       `json:"updated_at"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Snapshot      json.RawMessage `json:"snapshot"`
}

// Route describes where an event type is published.
type Route struct {
	Topic         string
	SchemaSubject string
}

// Catalog maps event types to their topic and schema subject.
var Catalog = map[string]Route{
	ChangeCommittedType: {
		Topic:         "sync_changes",
		SchemaSubject: "sync_changes-value",
	},
}

// ChangeCommittedSchema is the JSON schema registered for ChangeCommitted.
const ChangeCommittedSchema = `{
  "type": "object",
  "title": "ChangeCommitted",
  "properties": {
    "customer_id": {"type": "string"},
    "version": {"type": "integer"},
    "entity_type": {"type": "string"},
    "entity_id": {"type": "string"},
    "operation": {"type": "string", "enum": ["upsert", "delete"]},
    "workstation_id": {"type": "string"},
    "updated_at": {"type": "string", "format": "date-time"},
    "recorded_at": {"type": "string", "format": "date-time"},
    "snapshot": {"type": "object"}
  },
  "required": ["customer_id", "version", "entity_type", "entity_id", "operation", "workstation_id", "updated_at", "recorded_at", "snapshot"],
  "additionalProperties": false
}`
