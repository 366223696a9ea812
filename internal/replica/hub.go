package replica

// Sequencer assigns the total order every replica applies updates in and keeps
// the resulting confirmed state for late joiners.
type Sequencer struct {
	state *State
}

func NewSequencer(initial *State) *Sequencer {
	if initial == nil {
		initial = NewState()
	}
	return &Sequencer{state: initial.Clone()}
}

// Sequence stamps u with the next sequence number and folds it into the state.
func (s *Sequencer) Sequence(u Update) Update {
	u.Seq = s.state.Seq + 1
	s.state.Apply(u)
	return u
}

func (s *Sequencer) Seq() uint64 { return s.state.Seq }

// Seen reports whether u was already sequenced. Replicas resend pending
// transactions after a reconnect; those must not be sequenced twice.
func (s *Sequencer) Seen(u Update) bool {
	return u.Origin != "" && u.Txn != 0 && u.Txn <= s.state.Applied[u.Origin]
}

func (s *Sequencer) Snapshot() *State { return s.state.Clone() }

// Hub is an in-memory sequencer with per-replica delivery queues. Nothing is
// delivered until Flush or FlushTo is called, which lets callers choose the
// interleaving replicas observe.
type Hub struct {
	seq   *Sequencer
	peers []*hubPeer
}

type delivery struct {
	snapshot *State
	update   Update
}

type hubPeer struct {
	hub   *Hub
	doc   *Doc
	queue []delivery
}

func (p *hubPeer) Send(u Update) {
	u = p.hub.seq.Sequence(u)
	for _, q := range p.hub.peers {
		q.queue = append(q.queue, delivery{update: u})
	}
}

func NewHub() *Hub { return &Hub{seq: NewSequencer(nil)} }

// Join attaches d to the hub. Its first delivery is a snapshot of everything
// sequenced so far, after which d is marked synced.
func (h *Hub) Join(d *Doc) {
	p := &hubPeer{hub: h, doc: d}
	p.queue = append(p.queue, delivery{snapshot: h.seq.Snapshot()})
	h.peers = append(h.peers, p)
	d.SetProvider(p)
}

// Leave detaches d; queued deliveries for it are dropped.
func (h *Hub) Leave(d *Doc) {
	kept := h.peers[:0]
	for _, p := range h.peers {
		if p.doc != d {
			kept = append(kept, p)
		}
	}
	h.peers = kept
	d.SetProvider(nil)
}

func (h *Hub) Seq() uint64 { return h.seq.Seq() }

func (h *Hub) Snapshot() *State { return h.seq.Snapshot() }

// FlushTo delivers what is queued for d right now. Updates produced while
// delivering stay queued.
func (h *Hub) FlushTo(d *Doc) {
	for _, p := range h.peers {
		if p.doc == d {
			p.flush()
			return
		}
	}
}

// Flush delivers to every replica until no queue has anything left.
func (h *Hub) Flush() {
	for {
		busy := false
		for _, p := range h.peers {
			if len(p.queue) > 0 {
				busy = true
				p.flush()
			}
		}
		if !busy {
			return
		}
	}
}

func (p *hubPeer) flush() {
	batch := p.queue
	p.queue = nil
	for _, dl := range batch {
		if dl.snapshot != nil {
			p.doc.Load(dl.snapshot)
			p.doc.MarkSynced()
			continue
		}
		p.doc.Apply(dl.update)
	}
}
