package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

const (
	graphKey        = "key"
	graphID         = "id"
	graphAttributes = "attributes"
	graphSourceIDs  = "source_ids"
	graphConfidence = "confidence"

	nodeType        = "type"
	nodeVenue       = "venue_id"
	nodePosition    = "position"
	nodeSignature   = "signature"
	nodeAbstraction = "abstraction_level"

	edgeFrom         = "from_node"
	edgeTo           = "to_node"
	edgeRelationship = "relationship"
	edgeObservations = "observations"
)

// cloudLevels are abstraction levels derived in the cloud; workstations never overwrite them.
var cloudLevels = map[string]bool{"pattern": true, "principle": true}

// graphDoc is the part shared by nodes and edges: mergeable fields plus provenance.
type graphDoc struct {
	doc        document
	fields     fieldSet
	sourceIDs  []string
	confidence *float64
}

func decodeGraph(raw json.RawMessage, reserved ...string) (graphDoc, error) {
	reserved = append(reserved, graphKey, graphID, graphAttributes, graphSourceIDs, graphConfidence)
	doc, err := decodeDocument(raw, reserved...)
	if err != nil {
		return graphDoc{}, err
	}
	out := graphDoc{doc: doc, fields: newFieldSet()}
	for key, value := range doc.scalars {
		if strings.HasPrefix(key, graphAttributes+".") {
			return graphDoc{}, fmt.Errorf("%w: field name %q is reserved", domain.ErrInvalidPayload, key)
		}
		out.fields.values[key] = value
	}
	if raw, ok := doc.reserved[graphAttributes]; ok && !isNull(raw) {
		var attrs map[string]json.RawMessage
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return graphDoc{}, fmt.Errorf("%w: attributes must be an object: %v", domain.ErrInvalidPayload, err)
		}
		for key, value := range attrs {
			canonical, err := canonicalJSON(value)
			if err != nil {
				return graphDoc{}, fmt.Errorf("%w: attribute %q: %v", domain.ErrInvalidPayload, key, err)
			}
			out.fields.values[graphAttributes+"."+key] = canonical
		}
	}
	if raw, ok := doc.reserved[graphSourceIDs]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &out.sourceIDs); err != nil {
			return graphDoc{}, fmt.Errorf("%w: source_ids must be an array of strings: %v", domain.ErrInvalidPayload, err)
		}
	}
	if raw, ok := doc.reserved[graphConfidence]; ok && !isNull(raw) {
		var c float64
		if err := json.Unmarshal(raw, &c); err != nil {
			return graphDoc{}, fmt.Errorf("%w: confidence must be a number: %v", domain.ErrInvalidPayload, err)
		}
		if c < 0 || c > 1 {
			return graphDoc{}, fmt.Errorf("%w: confidence %v outside [0,1]", domain.ErrInvalidPayload, c)
		}
		out.confidence = &c
	}
	for path, stamp := range doc.stamps {
		if _, ok := out.fields.values[path]; ok {
			out.fields.stamps[path] = stamp
		}
	}
	return out, nil
}

// encode writes the shared part into out.
func (g graphDoc) encode(out map[string]any, key string, updated time.Time) {
	attrs := g.fields.withPrefix(graphAttributes)
	for path, value := range g.fields.values {
		if !strings.HasPrefix(path, graphAttributes+".") {
			out[path] = value
		}
	}
	if len(attrs) > 0 {
		out[graphAttributes] = attrs
	}
	if g.confidence != nil {
		out[graphConfidence] = *g.confidence
	}
	out[graphKey] = key
	out[graphSourceIDs] = g.sourceIDs
	out[keyFieldStamps] = g.fields.stamps
	out[keyUpdatedAt] = updated.UTC()
}

// graphBase returns the fields a proposal was made against: the server's own on the fast
// path (base nil), the decoded base on the merge path and nil when the base is unknown.
func graphBase(server fieldSet, base *Base, decode func(json.RawMessage) (graphDoc, error)) (*fieldSet, error) {
	switch {
	case base == nil:
		return &server, nil
	case !base.Known:
		return nil, nil
	}
	g, err := decode(base.Payload)
	if err != nil {
		return nil, err
	}
	return &g.fields, nil
}

// mergeGraph folds the proposal's fields and provenance into server. Confidence is left
// to the caller.
func mergeGraph(server graphDoc, base *fieldSet, proposed graphDoc, p Proposal, key string) (graphDoc, time.Time) {
	src := proposed.doc.source(p)
	fields, _ := fieldMerger{}.merge(server.fields, base, proposed.fields.values, src)

	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && id != key && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range server.sourceIDs {
		add(id)
	}
	for _, id := range proposed.sourceIDs {
		add(id)
	}
	add(p.EntityID)
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}

	merged := graphDoc{fields: fields, sourceIDs: ids, confidence: server.confidence}
	return merged, latestStamp(fields.stamps, p.ReceivedAt)
}

// NodePolicy deduplicates knowledge-graph nodes by content key. Fields merge like venue
// scalars and confidence keeps the strongest observation.
type NodePolicy struct{}

func (NodePolicy) Kind() Kind { return KindWorldModelNode }

type nodeDoc struct {
	graphDoc
	identity    NodeIdentity
	raw         map[string]json.RawMessage
	abstraction string
}

func decodeNode(raw json.RawMessage) (nodeDoc, error) {
	g, err := decodeGraph(raw, nodeType, nodeVenue, nodePosition, nodeSignature, nodeAbstraction)
	if err != nil {
		return nodeDoc{}, err
	}
	out := nodeDoc{graphDoc: g, raw: map[string]json.RawMessage{}, abstraction: "specific"}
	reserved := g.doc.reserved

	if v, ok := reserved[nodeType]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &out.identity.Type); err != nil {
			return nodeDoc{}, fmt.Errorf("%w: type must be a string: %v", domain.ErrInvalidPayload, err)
		}
	}
	if v, ok := reserved[nodeVenue]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &out.identity.VenueID); err != nil {
			return nodeDoc{}, fmt.Errorf("%w: venue_id must be a string: %v", domain.ErrInvalidPayload, err)
		}
	}
	if v, ok := reserved[nodePosition]; ok && !isNull(v) {
		var pos Position
		if err := json.Unmarshal(v, &pos); err != nil {
			return nodeDoc{}, fmt.Errorf("%w: position: %v", domain.ErrInvalidPayload, err)
		}
		out.identity.Position = &pos
	}
	if v, ok := reserved[nodeSignature]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &out.identity.Signature); err != nil {
			return nodeDoc{}, fmt.Errorf("%w: signature must be an object: %v", domain.ErrInvalidPayload, err)
		}
	}
	if len(out.identity.Signature) == 0 {
		if desc, ok := g.fields.values["description"]; ok {
			out.identity.Signature = map[string]json.RawMessage{"description": desc}
		}
	}
	if v, ok := reserved[nodeAbstraction]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &out.abstraction); err != nil {
			return nodeDoc{}, fmt.Errorf("%w: abstraction_level must be a string: %v", domain.ErrInvalidPayload, err)
		}
	}
	for _, k := range []string{nodeType, nodeVenue, nodePosition, nodeSignature} {
		if v, ok := reserved[k]; ok {
			canonical, err := canonicalJSON(v)
			if err != nil {
				return nodeDoc{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, k, err)
			}
			out.raw[k] = canonical
		}
	}
	return out, nil
}

func (NodePolicy) Identity(p Proposal) (string, error) {
	node, err := decodeNode(p.Payload)
	if err != nil {
		return "", err
	}
	key, err := NodeKey(node.identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return key, nil
}

func (n NodePolicy) Apply(current *domain.Entity, p Proposal) (Resolution, error) {
	return n.resolve(current, p, nil)
}

func (n NodePolicy) Merge(current domain.Entity, p Proposal, base Base) (Resolution, error) {
	return n.resolve(&current, p, &base)
}

// resolve folds p into current. base is nil on the fast path.
func (n NodePolicy) resolve(current *domain.Entity, p Proposal, base *Base) (Resolution, error) {
	concurrent := base != nil
	proposed, err := decodeNode(p.Payload)
	if err != nil {
		return Resolution{}, err
	}
	key, err := NodeKey(proposed.identity)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	server := nodeDoc{graphDoc: graphDoc{fields: newFieldSet()}, raw: proposed.raw, abstraction: proposed.abstraction}
	if current != nil {
		if server, err = decodeNode(current.Payload); err != nil {
			return Resolution{}, fmt.Errorf("decode stored node %s: %w", current.ID, err)
		}
		if cloudLevels[server.abstraction] {
			return hardConflict(fmt.Sprintf("node is %s-level and maintained in the cloud", server.abstraction)), nil
		}
	}

	prior, err := graphBase(server.fields, base, func(raw json.RawMessage) (graphDoc, error) {
		d, err := decodeNode(raw)
		return d.graphDoc, err
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("decode base of node %s: %w", key, err)
	}
	merged, updated := mergeGraph(server.graphDoc, prior, proposed.graphDoc, p, key)
	switch {
	case proposed.confidence == nil:
	case merged.confidence == nil, !concurrent:
		merged.confidence = proposed.confidence
	case *proposed.confidence > *merged.confidence:
		merged.confidence = proposed.confidence
	}

	out := map[string]any{}
	merged.encode(out, key, updated)
	for k, v := range server.raw {
		out[k] = v
	}
	out[nodeAbstraction] = server.abstraction
	payload, err := json.Marshal(out)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode node: %w", err)
	}
	return Resolution{Payload: payload, UpdatedAt: updated}, nil
}

// EdgePolicy deduplicates knowledge-graph edges by endpoints and relationship. Observations
// accumulate and confidence is their weighted average.
type EdgePolicy struct{}

func (EdgePolicy) Kind() Kind { return KindWorldModelEdge }

type edgeDoc struct {
	graphDoc
	from, to, relation string
	observations       int64
}

func decodeEdge(raw json.RawMessage) (edgeDoc, error) {
	g, err := decodeGraph(raw, edgeFrom, edgeTo, edgeRelationship, edgeObservations)
	if err != nil {
		return edgeDoc{}, err
	}
	out := edgeDoc{graphDoc: g}
	reserved := g.doc.reserved
	for k, dst := range map[string]*string{edgeFrom: &out.from, edgeTo: &out.to, edgeRelationship: &out.relation} {
		if v, ok := reserved[k]; ok && !isNull(v) {
			if err := json.Unmarshal(v, dst); err != nil {
				return edgeDoc{}, fmt.Errorf("%w: %s must be a string: %v", domain.ErrInvalidPayload, k, err)
			}
		}
	}
	if v, ok := reserved[edgeObservations]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &out.observations); err != nil {
			return edgeDoc{}, fmt.Errorf("%w: observations must be an integer: %v", domain.ErrInvalidPayload, err)
		}
	}
	if out.observations < 1 {
		out.observations = 1
	}
	return out, nil
}

func (EdgePolicy) Identity(p Proposal) (string, error) {
	edge, err := decodeEdge(p.Payload)
	if err != nil {
		return "", err
	}
	key, err := EdgeKey(edge.from, edge.to, edge.relation)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return key, nil
}

func (e EdgePolicy) Apply(current *domain.Entity, p Proposal) (Resolution, error) {
	return e.resolve(current, p, nil)
}

func (e EdgePolicy) Merge(current domain.Entity, p Proposal, base Base) (Resolution, error) {
	return e.resolve(&current, p, &base)
}

// resolve folds p into current. base is nil on the fast path.
func (e EdgePolicy) resolve(current *domain.Entity, p Proposal, base *Base) (Resolution, error) {
	concurrent := base != nil
	proposed, err := decodeEdge(p.Payload)
	if err != nil {
		return Resolution{}, err
	}
	key, err := EdgeKey(proposed.from, proposed.to, proposed.relation)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	server := edgeDoc{graphDoc: graphDoc{fields: newFieldSet()}, from: proposed.from, to: proposed.to, relation: proposed.relation}
	hasServer := current != nil
	if hasServer {
		if server, err = decodeEdge(current.Payload); err != nil {
			return Resolution{}, fmt.Errorf("decode stored edge %s: %w", current.ID, err)
		}
	}

	prior, err := graphBase(server.fields, base, func(raw json.RawMessage) (graphDoc, error) {
		d, err := decodeEdge(raw)
		return d.graphDoc, err
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("decode base of edge %s: %w", key, err)
	}
	merged, updated := mergeGraph(server.graphDoc, prior, proposed.graphDoc, p, key)
	observations := proposed.observations
	merged.confidence = proposed.confidence
	if hasServer && concurrent {
		observations = server.observations + proposed.observations
		merged.confidence = weightedConfidence(server.confidence, server.observations, proposed.confidence, proposed.observations)
	} else if proposed.confidence == nil {
		merged.confidence = server.confidence
	}

	out := map[string]any{}
	merged.encode(out, key, updated)
	out[edgeFrom] = server.from
	out[edgeTo] = server.to
	out[edgeRelationship] = server.relation
	out[edgeObservations] = observations
	payload, err := json.Marshal(out)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode edge: %w", err)
	}
	return Resolution{Payload: payload, UpdatedAt: updated}, nil
}

// weightedConfidence averages two confidences by their observation counts. A side without
// a confidence contributes nothing.
func weightedConfidence(a *float64, aObs int64, b *float64, bObs int64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	c := (*a*float64(aObs) + *b*float64(bObs)) / float64(aObs+bObs)
	return &c
}
