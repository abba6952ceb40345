package domain

import (
	"encoding/json"
	"time"
)

// PushItem is one locally changed entity submitted by a workstation.
type PushItem struct {
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	BaseVersion    int64           `json:"base_version"`
	Operation      ChangeOp        `json:"operation,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PushRequest carries a batch of items in client submission order.
type PushRequest struct {
	CustomerID    string
	WorkstationID string
	Items         []PushItem
}

// OutcomeStatus classifies the per-item result of a push.
type OutcomeStatus string

const (
	OutcomeAccepted              OutcomeStatus = "accepted"
	OutcomeConflict              OutcomeStatus = "conflict"
	OutcomeManualConflictWarning OutcomeStatus = "manual_conflict_warning"
	OutcomeRejected              OutcomeStatus = "rejected"
)

// Outcome reports what happened to one push item. For accepted and warning outcomes
// Version and Payload are the committed version and resolved payload; for conflicts they
// are the current server version and payload.
type Outcome struct {
	Status         OutcomeStatus   `json:"status"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	ClientEntityID string          `json:"client_entity_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Version        int64           `json:"version,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Fields         []string        `json:"fields,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Replay         bool            `json:"idempotent_replay,omitempty"`
}

// Committed reports whether the outcome changed server state.
func (o Outcome) Committed() bool {
	return o.Status == OutcomeAccepted || o.Status == OutcomeManualConflictWarning
}

// PushResult is the per-item outcome list plus the customer's version after the batch.
type PushResult struct {
	Outcomes     []Outcome `json:"outcomes"`
	CloudVersion int64     `json:"cloud_version"`
}

// PullRequest asks for change log entries after a cursor.
type PullRequest struct {
	CustomerID    string
	WorkstationID string
	Since         int64
	Limit         int
}

// PullPage is one ascending page of the change log.
type PullPage struct {
	Entries    []ChangeEntry `json:"entries"`
	NextCursor int64         `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

// IdempotencyRecord stores the outcome of an applied push item under its client token.
type IdempotencyRecord struct {
	CustomerID    string
	WorkstationID string
	Key           string
	Outcome       Outcome
	CreatedAt     time.Time
}
