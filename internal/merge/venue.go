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
	venueMetadata    = "metadata"
	venueEntryPoints = "entry_points"
	venueTags        = "tags"
	venueRemovedTags = "removed_tags"
	venueTagClock    = "tag_clock"
	venueDeployments = "deployment_count"
	venueID          = "id"
)

// TagClock holds the latest add and remove times of one tag.
type TagClock struct {
	Added   *time.Time `json:"added,omitempty"`
	Removed *time.Time `json:"removed,omitempty"`
}

// Live reports whether the tag is present. Adds win ties with removes.
func (c TagClock) Live() bool {
	if c.Added == nil {
		return false
	}
	return c.Removed == nil || !c.Removed.After(*c.Added)
}

func (c TagClock) merge(o TagClock) TagClock {
	return TagClock{Added: laterTime(c.Added, o.Added), Removed: laterTime(c.Removed, o.Removed)}
}

func laterTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// VenuePolicy merges venue aggregates field by field. Scalars, metadata keys and entry
// points are last-writer-wins per field; tags are an add-biased element set; the deployment
// count only grows.
type VenuePolicy struct {
	critical map[string]bool
}

// NewVenuePolicy flags the geofence as safety-critical.
func NewVenuePolicy() VenuePolicy {
	return VenuePolicy{critical: map[string]bool{"geofence": true}}
}

func (VenuePolicy) Kind() Kind { return KindFieldMerge }

func (VenuePolicy) Identity(p Proposal) (string, error) { return requireID(p) }

func (v VenuePolicy) Apply(current *domain.Entity, p Proposal) (Resolution, error) {
	server := venueDoc{fields: newFieldSet(), tagClock: map[string]TagClock{}}
	if current != nil {
		var err error
		if server, err = decodeVenue(current.Payload); err != nil {
			return Resolution{}, fmt.Errorf("decode stored venue %s: %w", current.ID, err)
		}
	}
	return v.resolve(server, &server, p)
}

func (v VenuePolicy) Merge(current domain.Entity, p Proposal, base Base) (Resolution, error) {
	server, err := decodeVenue(current.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("decode stored venue %s: %w", current.ID, err)
	}
	if !base.Known {
		return v.resolve(server, nil, p)
	}
	prior, err := decodeVenue(base.Payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("decode base of venue %s: %w", current.ID, err)
	}
	return v.resolve(server, &prior, p)
}

// resolve folds p into server. base is nil when the state p was made against is unknown.
func (v VenuePolicy) resolve(server venueDoc, base *venueDoc, p Proposal) (Resolution, error) {
	proposed, err := decodeVenue(p.Payload)
	if err != nil {
		return Resolution{}, err
	}
	src := proposed.doc.source(p)

	var (
		baseFields *fieldSet
		observed   = proposed.tagClock
	)
	if base != nil {
		baseFields, observed = &base.fields, base.tagClock
	}
	merger := fieldMerger{critical: v.critical}
	fields, ties := merger.merge(server.fields, baseFields, proposed.fields.values, src)
	manual, reason := describeTies(ties)

	tagStamp, ok := src.explicit(venueTags)
	if !ok {
		tagStamp = src.fresh()
	}
	clock := mergeTags(server.tagClock, observed, proposed, tagStamp.At)

	deployments := server.deployments
	if proposed.deployments > deployments {
		deployments = proposed.deployments
	}

	updated := latestStamp(fields.stamps, p.ReceivedAt)
	for _, c := range clock {
		for _, t := range []*time.Time{c.Added, c.Removed} {
			if t != nil && t.After(updated) {
				updated = *t
			}
		}
	}

	payload, err := encodeVenue(p.EntityID, fields, clock, deployments, updated)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Payload: payload, UpdatedAt: updated, ManualFields: manual, Reason: reason}, nil
}

// mergeTags folds the proposal's tag operations into the server clock. Echoed clocks merge by
// max. A tag operation is stamped with at, but never before the clock the client observed at
// its base: an add lands no earlier than the observed removal and a removal lands after the
// observed add. Operations the base already reflects are skipped.
func mergeTags(server, observed map[string]TagClock, proposed venueDoc, at time.Time) map[string]TagClock {
	clock := make(map[string]TagClock, len(server))
	for tag, c := range server {
		clock[tag] = c
	}
	for tag, c := range proposed.tagClock {
		clock[tag] = clock[tag].merge(c)
	}

	for _, tag := range proposed.tags {
		seen := observed[tag]
		if seen.Live() {
			continue
		}
		added := at
		if seen.Removed != nil && seen.Removed.After(added) {
			added = *seen.Removed
		}
		clock[tag] = clock[tag].merge(TagClock{Added: timePtr(added)})
	}
	for _, tag := range proposed.removedTags {
		seen := observed[tag]
		if seen.Removed != nil && !seen.Live() {
			continue
		}
		removed := at
		if seen.Added != nil && !removed.After(*seen.Added) {
			removed = seen.Added.Add(causalStep)
		}
		clock[tag] = clock[tag].merge(TagClock{Removed: timePtr(removed)})
	}
	return clock
}

type venueDoc struct {
	doc         document
	fields      fieldSet
	tags        []string
	removedTags []string
	tagClock    map[string]TagClock
	deployments int64
}

func decodeVenue(raw json.RawMessage) (venueDoc, error) {
	doc, err := decodeDocument(raw, venueMetadata, venueEntryPoints, venueTags, venueRemovedTags, venueTagClock, venueDeployments, venueID)
	if err != nil {
		return venueDoc{}, err
	}
	out := venueDoc{doc: doc, fields: newFieldSet(), tagClock: map[string]TagClock{}}

	for key, value := range doc.scalars {
		if strings.HasPrefix(key, venueMetadata+".") || strings.HasPrefix(key, venueEntryPoints+".") {
			return venueDoc{}, fmt.Errorf("%w: field name %q is reserved", domain.ErrInvalidPayload, key)
		}
		out.fields.values[key] = value
	}

	if raw, ok := doc.reserved[venueMetadata]; ok && !isNull(raw) {
		var metadata map[string]json.RawMessage
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return venueDoc{}, fmt.Errorf("%w: metadata must be an object: %v", domain.ErrInvalidPayload, err)
		}
		for key, value := range metadata {
			canonical, err := canonicalJSON(value)
			if err != nil {
				return venueDoc{}, fmt.Errorf("%w: metadata %q: %v", domain.ErrInvalidPayload, key, err)
			}
			out.fields.values[venueMetadata+"."+key] = canonical
		}
	}

	if raw, ok := doc.reserved[venueEntryPoints]; ok && !isNull(raw) {
		var points []json.RawMessage
		if err := json.Unmarshal(raw, &points); err != nil {
			return venueDoc{}, fmt.Errorf("%w: entry_points must be an array: %v", domain.ErrInvalidPayload, err)
		}
		for i, point := range points {
			var ident struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(point, &ident); err != nil || ident.ID == "" {
				return venueDoc{}, fmt.Errorf("%w: entry_points[%d] needs a string id", domain.ErrInvalidPayload, i)
			}
			canonical, err := canonicalJSON(point)
			if err != nil {
				return venueDoc{}, fmt.Errorf("%w: entry_points[%d]: %v", domain.ErrInvalidPayload, i, err)
			}
			out.fields.values[venueEntryPoints+"."+ident.ID] = canonical
		}
	}

	for _, key := range []string{venueTags, venueRemovedTags} {
		raw, ok := doc.reserved[key]
		if !ok || isNull(raw) {
			continue
		}
		var tags []string
		if err := json.Unmarshal(raw, &tags); err != nil {
			return venueDoc{}, fmt.Errorf("%w: %s must be an array of strings: %v", domain.ErrInvalidPayload, key, err)
		}
		if key == venueTags {
			out.tags = tags
		} else {
			out.removedTags = tags
		}
	}

	if raw, ok := doc.reserved[venueTagClock]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &out.tagClock); err != nil {
			return venueDoc{}, fmt.Errorf("%w: tag_clock: %v", domain.ErrInvalidPayload, err)
		}
	}

	if raw, ok := doc.reserved[venueDeployments]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &out.deployments); err != nil {
			return venueDoc{}, fmt.Errorf("%w: deployment_count must be an integer: %v", domain.ErrInvalidPayload, err)
		}
	}

	for path, stamp := range doc.stamps {
		if _, ok := out.fields.values[path]; ok {
			out.fields.stamps[path] = stamp
		}
	}
	return out, nil
}

func encodeVenue(id string, fields fieldSet, clock map[string]TagClock, deployments int64, updated time.Time) (json.RawMessage, error) {
	out := map[string]any{}
	metadata := map[string]json.RawMessage{}
	var pointIDs []string
	points := fields.withPrefix(venueEntryPoints)

	for path, value := range fields.values {
		switch {
		case strings.HasPrefix(path, venueMetadata+"."):
			metadata[strings.TrimPrefix(path, venueMetadata+".")] = value
		case strings.HasPrefix(path, venueEntryPoints+"."):
			pointIDs = append(pointIDs, strings.TrimPrefix(path, venueEntryPoints+"."))
		default:
			out[path] = value
		}
	}
	if len(metadata) > 0 {
		out[venueMetadata] = metadata
	}
	if len(pointIDs) > 0 {
		sort.Strings(pointIDs)
		list := make([]json.RawMessage, 0, len(pointIDs))
		for _, pid := range pointIDs {
			list = append(list, points[pid])
		}
		out[venueEntryPoints] = list
	}

	live := []string{}
	for tag, c := range clock {
		if c.Live() {
			live = append(live, tag)
		}
	}
	sort.Strings(live)
	out[venueTags] = live
	if len(clock) > 0 {
		out[venueTagClock] = clock
	}
	if deployments > 0 {
		out[venueDeployments] = deployments
	}
	if id != "" {
		out[venueID] = id
	}
	out[keyFieldStamps] = fields.stamps
	out[keyUpdatedAt] = updated.UTC()

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode venue: %w", err)
	}
	return payload, nil
}
