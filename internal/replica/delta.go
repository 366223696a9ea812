package replica

import (
	"encoding/json"
	"sort"
)

// Delta is one run of an array change in document order: exactly one of Retain,
// Delete or Insert is set.
type Delta struct {
	Retain int
	Delete int
	Insert []json.RawMessage
}

// diffNodes describes how the visible list before turned into after. Node ids
// never move, so surviving ids keep their relative order and a single merge
// walk is enough.
func diffNodes(before, after []Node) []Delta {
	inBefore := make(map[string]struct{}, len(before))
	for _, n := range before {
		inBefore[n.ID] = struct{}{}
	}
	inAfter := make(map[string]struct{}, len(after))
	for _, n := range after {
		inAfter[n.ID] = struct{}{}
	}

	var out []Delta
	push := func(d Delta) {
		if len(out) > 0 {
			last := &out[len(out)-1]
			switch {
			case d.Retain > 0 && last.Retain > 0:
				last.Retain += d.Retain
				return
			case d.Delete > 0 && last.Delete > 0:
				last.Delete += d.Delete
				return
			case len(d.Insert) > 0 && len(last.Insert) > 0:
				last.Insert = append(last.Insert, d.Insert...)
				return
			}
		}
		out = append(out, d)
	}

	i, j := 0, 0
	for i < len(before) || j < len(after) {
		switch {
		case i < len(before) && !has(inAfter, before[i].ID):
			push(Delta{Delete: 1})
			i++
		case j < len(after) && !has(inBefore, after[j].ID):
			push(Delta{Insert: []json.RawMessage{after[j].Value}})
			j++
		default:
			push(Delta{Retain: 1})
			i++
			j++
		}
	}

	// A trailing retain carries no information.
	if n := len(out); n > 0 && out[n-1].Retain > 0 {
		out = out[:n-1]
	}
	return out
}

func has(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

func changedKeys(before, after map[string]json.RawMessage) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || string(old) != string(v) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
