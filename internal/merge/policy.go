// Package merge holds the per-entity-type conflict resolution policies used by push.
package merge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

// Kind names a merge strategy.
type Kind string

const (
	KindFieldMerge     Kind = "field_merge"
	KindWorldModelNode Kind = "wm_node"
	KindWorldModelEdge Kind = "wm_edge"
	KindZoneConnection Kind = "zone_connection"
	KindCounter        Kind = "counter"
	KindLastWriterWins Kind = "lww"
)

// Proposal is the client's desired state for one entity.
type Proposal struct {
	EntityType    domain.EntityType
	EntityID      string
	WorkstationID string
	Payload       json.RawMessage
	ReceivedAt    time.Time
}

// Resolution is what a policy decided for a proposal. When Conflict is set nothing is
// written and Reason explains why.
type Resolution struct {
	Payload      json.RawMessage
	UpdatedAt    time.Time
	ManualFields []string
	Conflict     bool
	Reason       string
}

func hardConflict(reason string) Resolution {
	return Resolution{Conflict: true, Reason: reason}
}

// Policy resolves proposals for one entity type.
type Policy interface {
	Kind() Kind
	// Identity returns the id the entity is stored under. Most types use the client id;
	// world-model types derive a content key so duplicates from different workstations meet.
	Identity(p Proposal) (string, error)
	// Apply accepts a proposal made against the current server state (nil when absent).
	Apply(current *domain.Entity, p Proposal) (Resolution, error)
	// Merge resolves a proposal made against base after the server moved on.
	Merge(current domain.Entity, p Proposal, base Base) (Resolution, error)
}

// Base is the state a proposal was made against. Fields the proposal changed relative to
// the base are stamped after the writes the base carried.
type Base struct {
	// Known is false when the base write is no longer in the change log; policies then
	// fall back to the stamps the client echoed.
	Known bool
	// Payload is empty when the entity did not exist at the base version.
	Payload json.RawMessage
}

// KnownBase wraps the payload the proposal was made against.
func KnownBase(payload json.RawMessage) Base {
	return Base{Known: true, Payload: payload}
}

// Registry dispatches entity types to their policies. The set of types is closed.
type Registry struct {
	policies map[domain.EntityType]Policy
}

// NewRegistry returns the production policy assignment.
func NewRegistry() *Registry {
	lww := LastWriterWins{}
	return &Registry{policies: map[domain.EntityType]Policy{
		domain.EntityVenue:             NewVenuePolicy(),
		domain.EntityPerchPoint:        CounterPolicy{},
		domain.EntityWorldModelNode:    NodePolicy{},
		domain.EntityWorldModelEdge:    EdgePolicy{},
		domain.EntityVenueZone:         ZonePolicy{},
		domain.EntityZoneConnection:    ConnectionPolicy{},
		domain.EntitySurfaceAssessment: lww,
		domain.EntityOperation:         lww,
		domain.EntityAlert:             lww,
		domain.EntityPrincipal:         lww,
		domain.EntityDrone:             lww,
		domain.EntityKitAssignment:     lww,
	}}
}

// For returns the policy of an entity type.
func (r *Registry) For(entityType domain.EntityType) (Policy, error) {
	policy, ok := r.policies[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEntityType, entityType)
	}
	return policy, nil
}

// Types lists the registered entity types.
func (r *Registry) Types() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(r.policies))
	for t := range r.policies {
		out = append(out, t)
	}
	return out
}

func requireID(p Proposal) (string, error) {
	if p.EntityID == "" {
		return "", fmt.Errorf("%w: entity_id is required", domain.ErrInvalidPayload)
	}
	return p.EntityID, nil
}
