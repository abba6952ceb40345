package merge

import (
	"encoding/json"
	"fmt"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

const (
	counterAttempts     = "attempts_by_workstation"
	counterSuccesses    = "successes_by_workstation"
	counterAttemptTotal = "attempt_count"
	counterSuccessTotal = "success_count"
	counterID           = "id"
)

// GCounter is a grow-only counter with one slot per workstation. Merging takes the per-slot
// maximum, so repeated or reordered merges never double count.
type GCounter map[string]int64

// Merge folds other into c in place.
func (c GCounter) Merge(other GCounter) {
	for ws, n := range other {
		if n > c[ws] {
			c[ws] = n
		}
	}
}

// Total sums every workstation's slot.
func (c GCounter) Total() int64 {
	var total int64
	for _, n := range c {
		total += n
	}
	return total
}

// CounterPolicy merges perch point statistics. Descriptive fields are last-writer-wins per
// field; attempt and success tallies are per-workstation grow-only counters.
type CounterPolicy struct{}

func (CounterPolicy) Kind() Kind { return KindCounter }

func (CounterPolicy) Identity(p Proposal) (string, error) { return requireID(p) }

func (c CounterPolicy) Apply(current *domain.Entity, p Proposal) (Resolution, error) {
	server := counterDoc{fields: newFieldSet(), attempts: GCounter{}, successes: GCounter{}}
	if current != nil {
		var err error
		if server, err = decodeCounter(current.Payload, ""); err != nil {
			return Resolution{}, fmt.Errorf("decode stored perch point %s: %w", current.ID, err)
		}
	}
	return c.resolve(server, &server.fields, p)
}

func (c CounterPolicy) Merge(current domain.Entity, p Proposal, base Base) (Resolution, error) {
	server, err := decodeCounter(current.Payload, "")
	if err != nil {
		return Resolution{}, fmt.Errorf("decode stored perch point %s: %w", current.ID, err)
	}
	if !base.Known {
		return c.resolve(server, nil, p)
	}
	prior, err := decodeCounter(base.Payload, "")
	if err != nil {
		return Resolution{}, fmt.Errorf("decode base of perch point %s: %w", current.ID, err)
	}
	return c.resolve(server, &prior.fields, p)
}

func (CounterPolicy) resolve(server counterDoc, base *fieldSet, p Proposal) (Resolution, error) {
	proposed, err := decodeCounter(p.Payload, p.WorkstationID)
	if err != nil {
		return Resolution{}, err
	}
	fields, _ := fieldMerger{}.merge(server.fields, base, proposed.fields.values, proposed.doc.source(p))
	server.attempts.Merge(proposed.attempts)
	server.successes.Merge(proposed.successes)
	updated := latestStamp(fields.stamps, p.ReceivedAt)

	out := map[string]any{}
	for path, value := range fields.values {
		out[path] = value
	}
	out[counterAttempts] = server.attempts
	out[counterSuccesses] = server.successes
	out[counterAttemptTotal] = server.attempts.Total()
	out[counterSuccessTotal] = server.successes.Total()
	out[counterID] = p.EntityID
	out[keyFieldStamps] = fields.stamps
	out[keyUpdatedAt] = updated
	payload, err := json.Marshal(out)
	if err != nil {
		return Resolution{}, fmt.Errorf("encode perch point: %w", err)
	}
	return Resolution{Payload: payload, UpdatedAt: updated}, nil
}

type counterDoc struct {
	doc       document
	fields    fieldSet
	attempts  GCounter
	successes GCounter
}

// decodeCounter reads a perch point payload. When the payload carries no per-workstation
// map, its total is taken as workstation's own cumulative tally.
func decodeCounter(raw json.RawMessage, workstation string) (counterDoc, error) {
	doc, err := decodeDocument(raw, counterAttempts, counterSuccesses, counterAttemptTotal, counterSuccessTotal, counterID)
	if err != nil {
		return counterDoc{}, err
	}
	out := counterDoc{doc: doc, fields: newFieldSet(), attempts: GCounter{}, successes: GCounter{}}
	for key, value := range doc.scalars {
		out.fields.values[key] = value
		if stamp, ok := doc.stamps[key]; ok {
			out.fields.stamps[key] = stamp
		}
	}

	tallies := []struct {
		mapKey, totalKey string
		dst              GCounter
	}{
		{counterAttempts, counterAttemptTotal, out.attempts},
		{counterSuccesses, counterSuccessTotal, out.successes},
	}
	for _, t := range tallies {
		if v, ok := doc.reserved[t.mapKey]; ok && !isNull(v) {
			var slots map[string]int64
			if err := json.Unmarshal(v, &slots); err != nil {
				return counterDoc{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, t.mapKey, err)
			}
			for ws, n := range slots {
				if n < 0 {
					return counterDoc{}, fmt.Errorf("%w: %s[%s] is negative", domain.ErrInvalidPayload, t.mapKey, ws)
				}
			}
			t.dst.Merge(slots)
			continue
		}
		if workstation == "" {
			continue
		}
		if v, ok := doc.reserved[t.totalKey]; ok && !isNull(v) {
			var n int64
			if err := json.Unmarshal(v, &n); err != nil || n < 0 {
				return counterDoc{}, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidPayload, t.totalKey)
			}
			t.dst.Merge(GCounter{workstation: n})
		}
	}
	return out, nil
}
