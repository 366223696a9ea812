package replica

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrIndex = errors.New("replica: index out of range")

// Change is an ArrayEvent delta with the inserted values decoded.
type Change[T any] struct {
	Retain int
	Delete int
	Insert []T
}

type ArrayChange[T any] struct {
	Delta []Change[T]
	Local bool
}

// Array is a typed view over a named ordered list of a Doc. Values are stored
// as JSON; values that fail to decode are surfaced as the zero T.
type Array[T any] struct {
	doc  *Doc
	name string

	cache map[string]T
}

func NewArray[T any](d *Doc, name string) *Array[T] {
	return &Array[T]{doc: d, name: name, cache: map[string]T{}}
}

func (a *Array[T]) Name() string { return a.name }

func (a *Array[T]) Len() int { return len(a.doc.visible.Visible(a.name)) }

// ToArray returns a decoded copy of the visible list.
func (a *Array[T]) ToArray() []T {
	nodes := a.doc.visible.Visible(a.name)
	out := make([]T, 0, len(nodes))
	live := make(map[string]T, len(nodes))
	for _, n := range nodes {
		v, ok := a.cache[n.ID]
		if !ok {
			v = decode[T](n.Value)
		}
		live[n.ID] = v
		out = append(out, v)
	}
	a.cache = live
	return out
}

// Insert places items so that the first of them ends up at index.
func (a *Array[T]) Insert(index int, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	vis := a.doc.visible.Visible(a.name)
	if index < 0 || index > len(vis) {
		return fmt.Errorf("insert %s[%d] (len %d): %w", a.name, index, len(vis), ErrIndex)
	}
	nodes := make([]Node, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("insert %s: %w", a.name, err)
		}
		nodes = append(nodes, Node{ID: a.doc.nextID(), Value: b})
	}
	before := ""
	if index < len(vis) {
		before = vis[index].ID
	}
	a.doc.issue(Op{Kind: OpInsert, Name: a.name, Before: before, Nodes: nodes})
	return nil
}

func (a *Array[T]) Push(items ...T) error {
	return a.Insert(a.Len(), items...)
}

// Delete removes count items starting at index.
func (a *Array[T]) Delete(index, count int) error {
	if count <= 0 {
		return nil
	}
	vis := a.doc.visible.Visible(a.name)
	if index < 0 || index+count > len(vis) {
		return fmt.Errorf("delete %s[%d:%d] (len %d): %w", a.name, index, index+count, len(vis), ErrIndex)
	}
	ids := make([]string, 0, count)
	for _, n := range vis[index : index+count] {
		ids = append(ids, n.ID)
	}
	a.doc.issue(Op{Kind: OpDelete, Name: a.name, IDs: ids})
	return nil
}

// Observe subscribes fn to changes of this list. The returned func unsubscribes.
func (a *Array[T]) Observe(fn func(ArrayChange[T])) func() {
	return a.doc.observeArray(a.name, func(ev ArrayEvent) {
		ch := ArrayChange[T]{Local: ev.Local, Delta: make([]Change[T], 0, len(ev.Delta))}
		for _, d := range ev.Delta {
			c := Change[T]{Retain: d.Retain, Delete: d.Delete}
			for _, raw := range d.Insert {
				c.Insert = append(c.Insert, decode[T](raw))
			}
			ch.Delta = append(ch.Delta, c)
		}
		fn(ch)
	})
}

func decode[T any](raw json.RawMessage) T {
	var v T
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// Map is a typed view over a named map of a Doc. Concurrent sets of the same
// key resolve to the one sequenced last.
type Map[T any] struct {
	doc  *Doc
	name string
}

func NewMap[T any](d *Doc, name string) *Map[T] {
	return &Map[T]{doc: d, name: name}
}

func (m *Map[T]) Get(key string) (T, bool) {
	raw, ok := m.doc.visible.Maps[m.name][key]
	if !ok {
		var zero T
		return zero, false
	}
	return decode[T](raw), true
}

func (m *Map[T]) Set(key string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", m.name, key, err)
	}
	m.doc.issue(Op{Kind: OpSet, Name: m.name, Key: key, Value: b})
	return nil
}

func (m *Map[T]) Delete(key string) {
	m.doc.issue(Op{Kind: OpSet, Name: m.name, Key: key, Value: json.RawMessage("null")})
}

func (m *Map[T]) Observe(fn func(MapEvent)) func() {
	return m.doc.observeMap(m.name, fn)
}
