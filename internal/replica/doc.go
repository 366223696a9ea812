package replica

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Provider carries committed local updates to the sequencer. Sequenced updates
// (including our own echoes) come back through Doc.Apply.
type Provider interface {
	Send(u Update)
}

type ArrayEvent struct {
	Name  string
	Delta []Delta
	// Local is true when the change came from this replica's own transaction.
	Local bool
}

type MapEvent struct {
	Name  string
	Keys  []string
	Local bool
}

type observer[E any] struct {
	id int
	fn func(E)
}

// Doc is one replica of a shared document.
//
// Local transactions apply immediately on top of the confirmed state and stay
// pending until the sequencer echoes them back. Remote updates are folded into
// the confirmed state and the pending transactions are replayed on top, so all
// replicas that saw the same sequenced log hold the same confirmed contents.
//
// A Doc is not safe for concurrent use; drive it from one goroutine.
type Doc struct {
	clientID string
	clock    uint64
	txnSeq   uint64

	confirmed *State
	visible   *State
	pending   []Update
	// held is set while the last pending update was committed detached and
	// never handed to a provider.
	held bool

	txn    *Update
	before *State

	provider Provider

	nextObs  int
	arrayObs map[string][]observer[ArrayEvent]
	mapObs   map[string][]observer[MapEvent]

	synced  bool
	syncFns []func()

	dispatching bool
	queue       []func()
}

// NewDoc creates an empty replica. An empty clientID picks a random one.
func NewDoc(clientID string) *Doc {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Doc{
		clientID:  clientID,
		confirmed: NewState(),
		visible:   NewState(),
		arrayObs:  map[string][]observer[ArrayEvent]{},
		mapObs:    map[string][]observer[MapEvent]{},
	}
}

func (d *Doc) ClientID() string { return d.clientID }

// SetProvider attaches the transport and resends every pending transaction.
// While detached, commits fold into one pending update.
func (d *Doc) SetProvider(p Provider) {
	d.provider = p
	d.held = false
	if p == nil {
		return
	}
	for _, u := range d.pending {
		p.Send(u)
	}
}

// Pending reports how many local transactions are waiting for their echo.
func (d *Doc) Pending() int { return len(d.pending) }

// Seq is the last sequence number folded into the confirmed state.
func (d *Doc) Seq() uint64 { return d.confirmed.Seq }

// Snapshot returns a copy of what this replica currently sees.
func (d *Doc) Snapshot() *State { return d.visible.Clone() }

// Transact groups every mutation issued by fn into one update. Observers run
// once the outermost transaction commits.
func (d *Doc) Transact(fn func()) {
	if d.txn != nil {
		fn()
		return
	}
	d.begin()
	defer d.commit()
	fn()
}

func (d *Doc) begin() {
	d.txn = &Update{Origin: d.clientID}
	d.before = d.visible.Clone()
}

func (d *Doc) commit() {
	u, before := d.txn, d.before
	d.txn, d.before = nil, nil
	if len(u.Ops) == 0 {
		return
	}
	d.txnSeq++
	u.Txn = d.txnSeq
	switch {
	case d.provider != nil:
		d.pending = append(d.pending, *u)
		d.provider.Send(*u)
	case d.held && len(d.pending) > 0:
		last := &d.pending[len(d.pending)-1]
		last.Txn = u.Txn
		last.Ops = squash(append(last.Ops, u.Ops...))
		if len(last.Ops) == 0 {
			d.pending = d.pending[:len(d.pending)-1]
			d.held = false
		}
	default:
		d.pending = append(d.pending, *u)
		d.held = true
	}
	d.emit(before, d.visible, true)
}

// squash drops ops that have no effect once applied in order: nodes inserted
// and deleted again (unless an insert is anchored on them) and map sets
// overwritten by a later set of the same key.
func squash(ops []Op) []Op {
	key := func(name, id string) string { return name + "\x00" + id }
	inserted := map[string]bool{}
	anchors := map[string]bool{}
	for _, op := range ops {
		if op.Kind != OpInsert {
			continue
		}
		if op.Before != "" {
			anchors[key(op.Name, op.Before)] = true
		}
		for _, n := range op.Nodes {
			inserted[key(op.Name, n.ID)] = true
		}
	}
	dead := map[string]bool{}
	lastSet := map[string]int{}
	for i, op := range ops {
		switch op.Kind {
		case OpDelete:
			for _, id := range op.IDs {
				if k := key(op.Name, id); inserted[k] && !anchors[k] {
					dead[k] = true
				}
			}
		case OpSet:
			lastSet[key(op.Name, op.Key)] = i
		}
	}

	out := make([]Op, 0, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpInsert:
			nodes := make([]Node, 0, len(op.Nodes))
			for _, n := range op.Nodes {
				if !dead[key(op.Name, n.ID)] {
					nodes = append(nodes, n)
				}
			}
			if len(nodes) == 0 {
				continue
			}
			op.Nodes = nodes
		case OpDelete:
			ids := make([]string, 0, len(op.IDs))
			for _, id := range op.IDs {
				if !dead[key(op.Name, id)] {
					ids = append(ids, id)
				}
			}
			if len(ids) == 0 {
				continue
			}
			op.IDs = ids
		case OpSet:
			if lastSet[key(op.Name, op.Key)] != i {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

func (d *Doc) issue(op Op) {
	implicit := d.txn == nil
	if implicit {
		d.begin()
	}
	d.txn.Ops = append(d.txn.Ops, op)
	d.visible.Apply(Update{Ops: []Op{op}})
	if implicit {
		d.commit()
	}
}

func (d *Doc) nextID() string {
	d.clock++
	return fmt.Sprintf("%s:%d", d.clientID, d.clock)
}

// Apply folds one sequenced update into the replica. Updates at or below the
// confirmed sequence are ignored.
func (d *Doc) Apply(u Update) {
	if u.Seq != 0 && u.Seq <= d.confirmed.Seq {
		return
	}
	before := d.visible
	d.confirmed.Apply(u)
	d.rebase()
	d.emit(before, d.visible, u.Origin == d.clientID)
}

// Load replaces the confirmed state with a snapshot from the sequencer.
func (d *Doc) Load(s *State) {
	before := d.visible
	d.confirmed = s.Clone()
	d.rebase()
	d.emit(before, d.visible, false)
}

func (d *Doc) rebase() {
	done := d.confirmed.Applied[d.clientID]
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.Txn > done {
			kept = append(kept, p)
		}
	}
	d.pending = kept

	d.visible = d.confirmed.Clone()
	for _, p := range d.pending {
		d.visible.Apply(Update{Ops: p.Ops})
	}
}

// MarkSynced signals that the replica caught up with the sequencer's state.
// Handlers registered with OnSync run once, on the first call only.
func (d *Doc) MarkSynced() {
	if d.synced {
		return
	}
	d.synced = true
	fns := d.syncFns
	d.syncFns = nil
	for _, fn := range fns {
		d.queue = append(d.queue, fn)
	}
	d.drain()
}

func (d *Doc) Synced() bool { return d.synced }

// OnSync registers fn for the one-time sync signal. If the replica is already
// synced fn runs right away.
func (d *Doc) OnSync(fn func()) {
	if d.synced {
		d.queue = append(d.queue, fn)
		d.drain()
		return
	}
	d.syncFns = append(d.syncFns, fn)
}

func (d *Doc) observeArray(name string, fn func(ArrayEvent)) func() {
	d.nextObs++
	id := d.nextObs
	d.arrayObs[name] = append(d.arrayObs[name], observer[ArrayEvent]{id: id, fn: fn})
	return func() { d.arrayObs[name] = without(d.arrayObs[name], id) }
}

func (d *Doc) observeMap(name string, fn func(MapEvent)) func() {
	d.nextObs++
	id := d.nextObs
	d.mapObs[name] = append(d.mapObs[name], observer[MapEvent]{id: id, fn: fn})
	return func() { d.mapObs[name] = without(d.mapObs[name], id) }
}

func without[E any](obs []observer[E], id int) []observer[E] {
	out := make([]observer[E], 0, len(obs))
	for _, o := range obs {
		if o.id != id {
			out = append(out, o)
		}
	}
	return out
}

func (d *Doc) emit(before, after *State, local bool) {
	for _, name := range sortedKeys(d.arrayObs) {
		obs := d.arrayObs[name]
		if len(obs) == 0 {
			continue
		}
		delta := diffNodes(before.Visible(name), after.Visible(name))
		if len(delta) == 0 {
			continue
		}
		ev := ArrayEvent{Name: name, Delta: delta, Local: local}
		for _, o := range obs {
			fn := o.fn
			d.queue = append(d.queue, func() { fn(ev) })
		}
	}
	for _, name := range sortedKeys(d.mapObs) {
		obs := d.mapObs[name]
		if len(obs) == 0 {
			continue
		}
		keys := changedKeys(before.Maps[name], after.Maps[name])
		if len(keys) == 0 {
			continue
		}
		ev := MapEvent{Name: name, Keys: keys, Local: local}
		for _, o := range obs {
			fn := o.fn
			d.queue = append(d.queue, func() { fn(ev) })
		}
	}
	d.drain()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// drain runs queued callbacks in order. Callbacks may mutate the doc; the
// events they cause are queued behind the current ones.
func (d *Doc) drain() {
	if d.dispatching {
		return
	}
	d.dispatching = true
	defer func() { d.dispatching = false }()
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue = d.queue[1:]
		fn()
	}
}
