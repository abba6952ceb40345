package merge

import (
	"encoding/json"
	"strings"
	"time"
)

// Stamp records when a field was last written and by which workstation.
type Stamp struct {
	At time.Time `json:"at"`
	By string    `json:"by"`
}

// IsZero reports whether the stamp was never set.
func (s Stamp) IsZero() bool {
	return s.At.IsZero() && s.By == ""
}

// Compare orders two writes: later timestamps win, equal timestamps fall back to the
// lexicographically smaller workstation id. It returns 1 if s wins, -1 if o wins and 0 if
// both stamps are identical.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.At.After(o.At):
		return 1
	case s.At.Before(o.At):
		return -1
	case s.By == o.By:
		return 0
	case s.By < o.By:
		return 1
	default:
		return -1
	}
}

// Tied reports whether two different workstations wrote at an indistinguishable time.
func (s Stamp) Tied(o Stamp) bool {
	return s.At.Equal(o.At) && s.By != o.By
}

// Equal reports whether both stamps describe the same write.
func (s Stamp) Equal(o Stamp) bool {
	return s.At.Equal(o.At) && s.By == o.By
}

func winner(a, b Stamp) Stamp {
	if b.Compare(a) > 0 {
		return b
	}
	return a
}

// stampSource resolves the stamp of a field written by a proposal.
type stampSource struct {
	workstation string
	fieldTimes  map[string]time.Time
	echoed      map[string]Stamp
	fallback    time.Time
}

// explicit returns the stamp from field_times for path or its top-level parent.
func (s stampSource) explicit(path string) (Stamp, bool) {
	if t, ok := s.fieldTimes[path]; ok {
		return Stamp{At: t.UTC(), By: s.workstation}, true
	}
	if i := strings.IndexByte(path, '.'); i > 0 {
		if t, ok := s.fieldTimes[path[:i]]; ok {
			return Stamp{At: t.UTC(), By: s.workstation}, true
		}
	}
	return Stamp{}, false
}

// causalStep is how far a write is placed after the write its author observed.
const causalStep = time.Millisecond

// forField resolves the stamp of a proposed field and whether the proposal changed it.
// With a known base, a field changed iff it differs from the base value. Without one, an
// echoed stamp marks the field unchanged unless the value differs from a server write
// carrying that very stamp. A changed field is ordered after the stamp its author observed,
// whatever the author's wall clock says, so the stamp depends only on the proposal and its
// base and siblings of one base compare the same way in every arrival order.
func (s stampSource) forField(path string, value json.RawMessage, base *fieldSet, server Stamp, differs bool) (Stamp, bool) {
	var observed Stamp
	changed := true
	if base != nil {
		observed = base.stamps[path]
		if prior, ok := base.values[path]; ok && sameValue(prior, value) {
			changed = false
		}
	} else if echo, ok := s.echoed[path]; ok {
		observed = echo
		_, set := s.explicit(path)
		changed = set || (differs && echo.Equal(server))
	}
	if !changed {
		return observed, false
	}

	stamp, ok := s.explicit(path)
	if !ok {
		stamp = s.fresh()
	}
	if !observed.IsZero() && stamp.Compare(observed) <= 0 {
		stamp = Stamp{At: observed.At.Add(causalStep), By: s.workstation}
	}
	return stamp, true
}

func (s stampSource) fresh() Stamp {
	return Stamp{At: s.fallback.UTC(), By: s.workstation}
}
