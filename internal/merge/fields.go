package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// fieldSet is a flat map of field paths to canonical JSON values with their stamps. Nested
// structures are flattened into dotted paths ("metadata.floor", "entry_points.north").
type fieldSet struct {
	values map[string]json.RawMessage
	stamps map[string]Stamp
}

func newFieldSet() fieldSet {
	return fieldSet{values: map[string]json.RawMessage{}, stamps: map[string]Stamp{}}
}

func (f fieldSet) clone() fieldSet {
	out := newFieldSet()
	for k, v := range f.values {
		out.values[k] = v
	}
	for k, v := range f.stamps {
		out.stamps[k] = v
	}
	return out
}

// withPrefix returns the values under prefix keyed by the remainder of their path.
func (f fieldSet) withPrefix(prefix string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for path, value := range f.values {
		if rest, ok := strings.CutPrefix(path, prefix+"."); ok {
			out[rest] = value
		}
	}
	return out
}

// fieldMerger folds proposed values into server state.
type fieldMerger struct {
	// critical top-level fields report equal-time cross-workstation edits as manual conflicts.
	critical map[string]bool
}

// tie is an equal-time edit of a critical field by two workstations.
type tie struct {
	path       string
	kept, lost Stamp
}

// merge folds proposed into server. base is the state the proposal was made against; nil
// means unknown. On the fast path base is the server state itself, so every changed field
// replaces the server's.
func (m fieldMerger) merge(server fieldSet, base *fieldSet, proposed map[string]json.RawMessage, src stampSource) (fieldSet, []tie) {
	out := server.clone()
	var ties []tie

	paths := make([]string, 0, len(proposed))
	for path := range proposed {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		value := proposed[path]
		current, exists := server.values[path]
		serverStamp := server.stamps[path]
		differs := !exists || !sameValue(current, value)
		stamp, changed := src.forField(path, value, base, serverStamp, differs)

		switch {
		case !exists:
			out.values[path] = value
			out.stamps[path] = stamp
		case !changed:
		case !differs:
			out.stamps[path] = winner(serverStamp, stamp)
		default:
			cmp := stamp.Compare(serverStamp)
			if cmp == 0 {
				cmp = bytes.Compare(value, current)
			}
			if cmp > 0 {
				out.values[path] = value
				out.stamps[path] = stamp
			}
			if m.critical[topLevel(path)] && stamp.Tied(serverStamp) {
				kept, lost := serverStamp, stamp
				if cmp > 0 {
					kept, lost = stamp, serverStamp
				}
				ties = append(ties, tie{path: path, kept: kept, lost: lost})
			}
		}
	}
	return out, ties
}

// describeTies returns the tied paths and a reason naming whose value was kept.
func describeTies(ties []tie) ([]string, string) {
	if len(ties) == 0 {
		return nil, ""
	}
	paths := make([]string, 0, len(ties))
	notes := make([]string, 0, len(ties))
	for _, t := range ties {
		paths = append(paths, t.path)
		notes = append(notes, fmt.Sprintf("%s edited by %s and %s at the same time, kept %s", t.path, t.kept.By, t.lost.By, t.kept.By))
	}
	return paths, strings.Join(notes, "; ")
}

func topLevel(path string) string {
	if i := strings.IndexByte(path, '.'); i > 0 {
		return path[:i]
	}
	return path
}
