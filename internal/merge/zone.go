package merge

import (
	"encoding/json"
	"fmt"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

const (
	zoneID = "id"

	connectionVenue = "venue_id"
	connectionFrom  = "from_zone_id"
	connectionTo    = "to_zone_id"
)

// ZonePolicy merges venue zones field by field, so edits two workstations made to different
// fields of one zone are both kept.
type ZonePolicy struct{}

func (ZonePolicy) Kind() Kind { return KindFieldMerge }

func (ZonePolicy) Identity(p Proposal) (string, error) { return requireID(p) }

type zoneDoc struct {
	doc    document
	fields fieldSet
}

func decodeZone(raw json.RawMessage) (zoneDoc, error) {
	doc, err := decodeDocument(raw, zoneID)
	if err != nil {
		return zoneDoc{}, err
	}
	out := zoneDoc{doc: doc, fields: newFieldSet()}
	for key, value := range doc.scalars {
		out.fields.values[key] = value
		if stamp, ok := doc.stamps[key]; ok {
			out.fields.stamps[key] = stamp
		}
	}
	return out, nil
}

func (z ZonePolicy) Apply(current *domain.Entity, p Proposal) (Resolution, error) {
	server := zoneDoc{fields: newFieldSet()}
	if current != nil {
		var err error
		if server, err = decodeZone(current.Payload); err != nil {
			return Resolution{}, fmt.Errorf("decode stored zone %s: %w", current.ID, err)
		}
	}
	return z.resolve(server, &server.fields, p)
}

func (z ZonePolicy) Merge(current domain.Entity, p Proposal, base Base) (Resolution, error) {
	server, err := decodeZone(current.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("decode stored zone %s: %w", current.ID, err)
	}
	if !base.Known {
		return z.resolve(server, nil, p)
	}
	prior, err := decodeZone(base.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("decode base of zone %s: %w", current.ID, err)
	}
	return z.resolve(server, &prior.fields, p)
}

func (ZonePolicy) resolve(server zoneDoc, base *fieldSet, p Proposal) (Resolution, error) {
	proposed, err := decodeZone(p.Payload)
	if err != nil {
		return Resolution{}, err
	}
	fields, _ := fieldMerger{}.merge(server.fields, base, proposed.fields.values, proposed.doc.source(p))
	updated := latestStamp(fields.stamps, p.ReceivedAt)

	out := make(map[string]any, len(fields.values)+3)
	for path, value := range fields.values {
		out[path] = value
	}
	out[zoneID] = p.EntityID
	out[keyFieldStamps] = fields.stamps
	out[keyUpdatedAt] = updated
	payload, err := json.Marshal(out)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode zone: %w", err)
	}
	return Resolution{Payload: payload, UpdatedAt: updated}, nil
}

// ConnectionPolicy deduplicates zone connections by venue and directed zone pair, so two
// workstations mapping the same passage meet under one key. Descriptive fields merge per
// field and the client-local ids are kept as provenance.
type ConnectionPolicy struct{}

func (ConnectionPolicy) Kind() Kind { return KindZoneConnection }

type connectionDoc struct {
	graphDoc
	venue, from, to string
}

func decodeConnection(raw json.RawMessage) (connectionDoc, error) {
	g, err := decodeGraph(raw, connectionVenue, connectionFrom, connectionTo)
	if err != nil {
		return connectionDoc{}, err
	}
	out := connectionDoc{graphDoc: g}
	for k, dst := range map[string]*string{connectionVenue: &out.venue, connectionFrom: &out.from, connectionTo: &out.to} {
		if v, ok := g.doc.reserved[k]; ok && !isNull(v) {
			if err := json.Unmarshal(v, dst); err != nil {
				return connectionDoc{}, fmt.Errorf("%w: %s must be a string: %v", domain.ErrInvalidPayload, k, err)
			}
		}
	}
	return out, nil
}

func (ConnectionPolicy) Identity(p Proposal) (string, error) {
	conn, err := decodeConnection(p.Payload)
	if err != nil {
		return "", err
	}
	key, err := ConnectionKey(conn.venue, conn.from, conn.to)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return key, nil
}

func (c ConnectionPolicy) Apply(current *domain.Entity, p Proposal) (Resolution, error) {
	return c.resolve(current, p, nil)
}

func (c ConnectionPolicy) Merge(current domain.Entity, p Proposal, base Base) (Resolution, error) {
	return c.resolve(&current, p, &base)
}

func (ConnectionPolicy) resolve(current *domain.Entity, p Proposal, base *Base) (Resolution, error) {
	proposed, err := decodeConnection(p.Payload)
	if err != nil {
		return Resolution{}, err
	}
	key, err := ConnectionKey(proposed.venue, proposed.from, proposed.to)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	server := connectionDoc{graphDoc: graphDoc{fields: newFieldSet()}, venue: proposed.venue, from: proposed.from, to: proposed.to}
	if current != nil {
		if server, err = decodeConnection(current.Payload); err != nil {
			return Resolution{}, fmt.Errorf("decode stored connection %s: %w", current.ID, err)
		}
	}

	prior, err := graphBase(server.fields, base, func(raw json.RawMessage) (graphDoc, error) {
		d, err := decodeConnection(raw)
		return d.graphDoc, err
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("decode base of connection %s: %w", key, err)
	}
	merged, updated := mergeGraph(server.graphDoc, prior, proposed.graphDoc, p, key)

	out := map[string]any{}
	merged.encode(out, key, updated)
	// Spellings that fold to the same key keep the smaller one, whichever arrived first.
	out[connectionVenue] = min(server.venue, proposed.venue)
	out[connectionFrom] = min(server.from, proposed.from)
	out[connectionTo] = min(server.to, proposed.to)
	payload, err := json.Marshal(out)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode connection: %w", err)
	}
	return Resolution{Payload: payload, UpdatedAt: updated}, nil
}
