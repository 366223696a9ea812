package ws

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"fishtank.ai/internal/protocol"
	"fishtank.ai/internal/replica"
)

// Persister stores a room's sequenced log. roomdb.DB implements it.
type Persister interface {
	AppendUpdate(room string, u replica.Update)
	SaveSnapshot(room string, st *replica.State)
}

// UpdateWriter archives sequenced updates (hourly JSONL in production).
type UpdateWriter interface {
	WriteUpdate(u replica.Update) error
	Close() error
}

// Room sequences the updates of one shared document and fans them out to
// every connection that joined it.
type Room struct {
	name          string
	store         Persister
	archive       UpdateWriter
	snapshotEvery int
	log           *log.Logger

	mu        sync.Mutex
	seq       *replica.Sequencer
	conns     map[*peer]struct{}
	sinceSnap int

	updatesTotal  atomic.Uint64
	resentTotal   atomic.Uint64
	kickedTotal   atomic.Uint64
	rejectedTotal atomic.Uint64
}

type RoomStats struct {
	Room          string `json:"room"`
	Seq           uint64 `json:"seq"`
	Conns         int    `json:"conns"`
	UpdatesTotal  uint64 `json:"updates_total"`
	ResentTotal   uint64 `json:"resent_total"`
	KickedTotal   uint64 `json:"kicked_total"`
	RejectedTotal uint64 `json:"rejected_total"`
}

// peer is one joined socket as the room sees it.
type peer struct {
	clientID string
	out      chan []byte
	kick     func()
}

func newRoom(name string, initial *replica.State, store Persister, archive UpdateWriter, snapshotEvery int, logger *log.Logger) *Room {
	return &Room{
		name:          name,
		store:         store,
		archive:       archive,
		snapshotEvery: snapshotEvery,
		log:           logger,
		seq:           replica.NewSequencer(initial),
		conns:         map[*peer]struct{}{},
	}
}

func (r *Room) Name() string { return r.name }

// Snapshot returns a copy of the room's confirmed state.
func (r *Room) Snapshot() *replica.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq.Snapshot()
}

func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	seq, n := r.seq.Seq(), len(r.conns)
	r.mu.Unlock()
	return RoomStats{
		Room:          r.name,
		Seq:           seq,
		Conns:         n,
		UpdatesTotal:  r.updatesTotal.Load(),
		ResentTotal:   r.resentTotal.Load(),
		KickedTotal:   r.kickedTotal.Load(),
		RejectedTotal: r.rejectedTotal.Load(),
	}
}

// join registers c and queues the SYNC message as its first delivery. Both
// happen under the room lock, so c sees every update after the snapshot
// exactly once.
func (r *Room) join(c *peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.seq.Snapshot()
	b, err := json.Marshal(protocol.SyncMsg{
		Type:            protocol.TypeSync,
		ProtocolVersion: protocol.Version,
		Room:            r.name,
		Seq:             st.Seq,
		State:           st,
	})
	if err != nil {
		return err
	}
	c.out <- b
	r.conns[c] = struct{}{}
	return nil
}

func (r *Room) leave(c *peer) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Submit sequences u, persists it and broadcasts it to every connection,
// the sender included. Updates already sequenced are skipped and reported
// false.
func (r *Room) Submit(u replica.Update) (replica.Update, bool) {
	u.Seq = 0
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seq.Seen(u) {
		r.resentTotal.Add(1)
		return u, false
	}
	u = r.seq.Sequence(u)
	r.updatesTotal.Add(1)

	if r.store != nil {
		r.store.AppendUpdate(r.name, u)
	}
	if r.archive != nil {
		if err := r.archive.WriteUpdate(u); err != nil && r.log != nil {
			r.log.Printf("room %s: archive update %d: %v", r.name, u.Seq, err)
		}
	}
	r.sinceSnap++
	if r.snapshotEvery > 0 && r.sinceSnap >= r.snapshotEvery {
		r.saveLocked()
	}

	b, err := json.Marshal(protocol.UpdateMsg{Type: protocol.TypeUpdate, ProtocolVersion: protocol.Version, Update: u})
	if err != nil {
		return u, true
	}
	for c := range r.conns {
		select {
		case c.out <- b:
		default:
			// A consumer that cannot keep up would miss part of the log; it
			// reconnects and resyncs instead.
			delete(r.conns, c)
			r.kickedTotal.Add(1)
			c.kick()
		}
	}
	return u, true
}

// Save persists a snapshot if anything was sequenced since the last one.
func (r *Room) Save() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinceSnap > 0 {
		r.saveLocked()
	}
}

func (r *Room) saveLocked() {
	r.sinceSnap = 0
	if r.store != nil {
		r.store.SaveSnapshot(r.name, r.seq.Snapshot())
	}
}

func (r *Room) close() error {
	r.Save()
	r.mu.Lock()
	for c := range r.conns {
		c.kick()
	}
	r.conns = map[*peer]struct{}{}
	r.mu.Unlock()
	if r.archive != nil {
		return r.archive.Close()
	}
	return nil
}

// reply queues an ERROR without blocking the caller.
func (c *peer) reply(code, message string) {
	b, err := json.Marshal(protocol.NewError(code, message))
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}
