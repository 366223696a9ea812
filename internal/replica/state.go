package replica

import (
	"bytes"
	"encoding/json"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpSet    OpKind = "set"
)

// Node is one element of an ordered list. Deleted nodes stay in place as
// anchors for inserts that were issued against an older view.
type Node struct {
	ID        string          `json:"id"`
	Value     json.RawMessage `json:"v,omitempty"`
	Deleted   bool            `json:"d,omitempty"`
	DeletedAt uint64          `json:"da,omitempty"`
}

// TombstoneHorizon is how many sequenced updates a deleted node is kept as an
// insert anchor. Inserts anchored on a collected tombstone append instead.
const TombstoneHorizon = 512

// Op is a single mutation of one named collection.
//
// Inserts are anchored before the node Before (or appended when Before is empty
// or unknown). Deletes name node ids, so they stay correct when other replicas
// shifted indexes in the meantime. A Set with a null Value removes the key.
type Op struct {
	Kind   OpKind          `json:"kind"`
	Name   string          `json:"name"`
	Before string          `json:"before,omitempty"`
	Nodes  []Node          `json:"nodes,omitempty"`
	IDs    []string        `json:"ids,omitempty"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Update is one committed transaction. Seq is assigned by the sequencer; Txn is
// the per-origin transaction counter.
type Update struct {
	Seq    uint64 `json:"seq,omitempty"`
	Origin string `json:"origin"`
	Txn    uint64 `json:"txn"`
	Ops    []Op   `json:"ops"`
}

// State is the materialized content of a document at sequence Seq.
type State struct {
	Seq     uint64                                `json:"seq"`
	Applied map[string]uint64                     `json:"applied,omitempty"`
	Lists   map[string][]Node                     `json:"lists,omitempty"`
	Maps    map[string]map[string]json.RawMessage `json:"maps,omitempty"`
}

func NewState() *State {
	return &State{
		Applied: map[string]uint64{},
		Lists:   map[string][]Node{},
		Maps:    map[string]map[string]json.RawMessage{},
	}
}

func (s *State) Clone() *State {
	out := NewState()
	out.Seq = s.Seq
	for k, v := range s.Applied {
		out.Applied[k] = v
	}
	for name, nodes := range s.Lists {
		cp := make([]Node, len(nodes))
		copy(cp, nodes)
		out.Lists[name] = cp
	}
	for name, m := range s.Maps {
		cp := make(map[string]json.RawMessage, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out.Maps[name] = cp
	}
	return out
}

// Apply folds u into s. Applying the same update twice is harmless: inserts of
// known node ids are skipped and deletes are idempotent.
func (s *State) Apply(u Update) {
	if s.Applied == nil {
		s.Applied = map[string]uint64{}
	}
	for _, op := range u.Ops {
		switch op.Kind {
		case OpInsert:
			s.insert(op.Name, op.Before, op.Nodes)
		case OpDelete:
			s.delete(op.Name, op.IDs, u.Seq)
		case OpSet:
			s.set(op.Name, op.Key, op.Value)
		}
	}
	if u.Seq > s.Seq {
		s.Seq = u.Seq
		s.collect()
	}
	if u.Origin != "" && u.Txn > s.Applied[u.Origin] {
		s.Applied[u.Origin] = u.Txn
	}
}

// Visible returns the live nodes of a list in document order.
func (s *State) Visible(name string) []Node {
	nodes := s.Lists[name]
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if !n.Deleted {
			out = append(out, n)
		}
	}
	return out
}

func (s *State) indexOf(name, id string) int {
	for i, n := range s.Lists[name] {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) insert(name, before string, nodes []Node) {
	if s.Lists == nil {
		s.Lists = map[string][]Node{}
	}
	fresh := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if s.indexOf(name, n.ID) >= 0 {
			continue
		}
		n.Deleted = false
		fresh = append(fresh, n)
	}
	if len(fresh) == 0 {
		return
	}
	list := s.Lists[name]
	at := len(list)
	if before != "" {
		if i := s.indexOf(name, before); i >= 0 {
			at = i
		}
	}
	out := make([]Node, 0, len(list)+len(fresh))
	out = append(out, list[:at]...)
	out = append(out, fresh...)
	out = append(out, list[at:]...)
	s.Lists[name] = out
}

func (s *State) delete(name string, ids []string, seq uint64) {
	list := s.Lists[name]
	for _, id := range ids {
		for i := range list {
			if list[i].ID == id && !list[i].Deleted {
				list[i].Deleted = true
				list[i].DeletedAt = seq
				list[i].Value = nil
				break
			}
		}
	}
}

// collect drops tombstones older than TombstoneHorizon. It only looks at
// sequenced deletes, so every replica collects at the same point of the log.
func (s *State) collect() {
	if s.Seq <= TombstoneHorizon {
		return
	}
	cutoff := s.Seq - TombstoneHorizon
	for name, list := range s.Lists {
		kept := list[:0]
		for _, n := range list {
			if n.Deleted && n.DeletedAt != 0 && n.DeletedAt < cutoff {
				continue
			}
			kept = append(kept, n)
		}
		s.Lists[name] = kept
	}
}

func (s *State) set(name, key string, value json.RawMessage) {
	if s.Maps == nil {
		s.Maps = map[string]map[string]json.RawMessage{}
	}
	m := s.Maps[name]
	if isNull(value) {
		if m != nil {
			delete(m, key)
		}
		return
	}
	if m == nil {
		m = map[string]json.RawMessage{}
		s.Maps[name] = m
	}
	m[key] = value
}

func isNull(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
