package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

const (
	keyFieldTimes  = "field_times"
	keyFieldStamps = "field_stamps"
	keyUpdatedAt   = "updated_at"
)

// ignoredKeys are row columns the server owns; clients may echo them but never set them.
var ignoredKeys = map[string]struct{}{
	"customer_id":   {},
	"version":       {},
	"cloud_version": {},
	"deleted_at":    {},
}

// document is a decoded JSON object payload split into scalar fields, policy-owned keys and
// the stamp bookkeeping every policy understands.
type document struct {
	scalars    map[string]json.RawMessage
	reserved   map[string]json.RawMessage
	fieldTimes map[string]time.Time
	stamps     map[string]Stamp
	updatedAt  *time.Time
}

func decodeDocument(raw json.RawMessage, reserved ...string) (document, error) {
	doc := document{
		scalars:  map[string]json.RawMessage{},
		reserved: map[string]json.RawMessage{},
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return doc, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return document{}, fmt.Errorf("%w: payload must be a JSON object: %v", domain.ErrInvalidPayload, err)
	}
	if fields == nil {
		return document{}, fmt.Errorf("%w: payload must be a JSON object", domain.ErrInvalidPayload)
	}

	owned := make(map[string]struct{}, len(reserved))
	for _, key := range reserved {
		owned[key] = struct{}{}
	}

	for key, value := range fields {
		if _, skip := ignoredKeys[key]; skip {
			continue
		}
		switch key {
		case keyFieldTimes:
			if isNull(value) {
				continue
			}
			if err := json.Unmarshal(value, &doc.fieldTimes); err != nil {
				return document{}, fmt.Errorf("%w: field_times: %v", domain.ErrInvalidPayload, err)
			}
		case keyFieldStamps:
			if isNull(value) {
				continue
			}
			if err := json.Unmarshal(value, &doc.stamps); err != nil {
				return document{}, fmt.Errorf("%w: field_stamps: %v", domain.ErrInvalidPayload, err)
			}
		case keyUpdatedAt:
			if isNull(value) {
				continue
			}
			var at time.Time
			if err := json.Unmarshal(value, &at); err != nil {
				return document{}, fmt.Errorf("%w: updated_at: %v", domain.ErrInvalidPayload, err)
			}
			at = at.UTC()
			doc.updatedAt = &at
		default:
			if _, ok := owned[key]; ok {
				doc.reserved[key] = value
				continue
			}
			canonical, err := canonicalJSON(value)
			if err != nil {
				return document{}, fmt.Errorf("%w: field %q: %v", domain.ErrInvalidPayload, key, err)
			}
			doc.scalars[key] = canonical
		}
	}
	if doc.stamps == nil {
		doc.stamps = map[string]Stamp{}
	}
	return doc, nil
}

// source builds the stamp resolver for a proposal document.
func (d document) source(p Proposal) stampSource {
	fallback := p.ReceivedAt
	if d.updatedAt != nil {
		fallback = *d.updatedAt
	}
	return stampSource{
		workstation: p.WorkstationID,
		fieldTimes:  d.fieldTimes,
		echoed:      d.stamps,
		fallback:    fallback,
	}
}

// canonicalJSON re-encodes a JSON value so that equal values compare byte-equal.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func sameValue(a, b json.RawMessage) bool {
	return bytes.Equal(a, b)
}

// latestStamp returns the newest stamp time, or fallback when there are none.
func latestStamp(stamps map[string]Stamp, fallback time.Time) time.Time {
	var latest time.Time
	for _, st := range stamps {
		if st.At.After(latest) {
			latest = st.At
		}
	}
	if latest.IsZero() {
		return fallback.UTC()
	}
	return latest
}
