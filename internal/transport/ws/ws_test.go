package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fishtank.ai/internal/protocol"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/rooms"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/store"
)

type memStore struct {
	mu      sync.Mutex
	updates map[string][]replica.Update
	snaps   map[string]*replica.State
}

func newMemStore() *memStore {
	return &memStore{updates: map[string][]replica.Update{}, snaps: map[string]*replica.State{}}
}

func (m *memStore) AppendUpdate(room string, u replica.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[room] = append(m.updates[room], u)
}

func (m *memStore) SaveSnapshot(room string, st *replica.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[room] = st.Clone()
}

func (m *memStore) Load(_ context.Context, room string) (*replica.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := replica.NewState()
	if s := m.snaps[room]; s != nil {
		st = s.Clone()
	}
	for _, u := range m.updates[room] {
		if u.Seq > st.Seq {
			st.Apply(u)
		}
	}
	return st, nil
}

func startRelay(t *testing.T, cfg rooms.Config, st Store) (*Server, string) {
	t.Helper()
	srv := NewServer(Options{Rooms: cfg, Store: st})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url, room string, doc *replica.Doc) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, room, doc, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// eventually applies incoming updates to doc on the test goroutine until
// cond holds.
func eventually(t *testing.T, c *Client, doc *replica.Doc, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case u := <-c.Updates():
			doc.Apply(u)
		case <-tick.C:
		case <-deadline:
			t.Fatalf("condition not reached")
		}
	}
}

func TestRelay_ReplicasConverge(t *testing.T) {
	srv, url := startRelay(t, rooms.Defaults(), newMemStore())

	docA, docB := replica.NewDoc("a"), replica.NewDoc("b")
	ca := dial(t, url, "public-2", docA)
	cb := dial(t, url, "public-2", docB)
	if !docA.Synced() || !docB.Synced() {
		t.Fatalf("docs not synced after dial")
	}

	sa, sb := store.New(docA), store.New(docB)
	if err := sa.PushEntity(model.Entity{ID: "f1", Owner: "alice", Color: "red", X: 10, Y: 20}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := sb.SetResource(model.Resource{ID: "r1", X: 5, Y: 5, Radius: 8}); err != nil {
		t.Fatalf("set: %v", err)
	}

	eventually(t, cb, docB, func() bool { return len(sb.Entities()) == 1 && docB.Pending() == 0 })
	eventually(t, ca, docA, func() bool { _, ok := sa.Resource(); return ok && docA.Pending() == 0 })

	if got := sb.Entities()[0]; got.ID != "f1" || got.Owner != "alice" {
		t.Fatalf("b sees %+v", got)
	}
	room, ok := srv.Lookup("public-2")
	if !ok {
		t.Fatalf("room not open")
	}
	if st := room.Stats(); st.Seq != 2 || st.Conns != 2 || st.UpdatesTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
	if docA.Seq() != docB.Seq() {
		t.Fatalf("seq a=%d b=%d", docA.Seq(), docB.Seq())
	}
}

func TestRelay_RoomSurvivesRestart(t *testing.T) {
	mem := newMemStore()
	srv, url := startRelay(t, rooms.Defaults(), mem)

	docA := replica.NewDoc("a")
	ca := dial(t, url, "", docA)
	sa := store.New(docA)
	_ = sa.PushScore(model.Score{Owner: "alice", Points: 3})
	eventually(t, ca, docA, func() bool { return docA.Pending() == 0 })
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if mem.snaps["public-2"] == nil {
		t.Fatalf("close did not snapshot the room")
	}

	_, url2 := startRelay(t, rooms.Defaults(), mem)
	docB := replica.NewDoc("b")
	dial(t, url2, "public-2", docB)
	if got := store.New(docB).Scores(); len(got) != 1 || got[0].Points != 3 {
		t.Fatalf("scores after restart=%+v", got)
	}
}

func TestRelay_RateLimitRejectsExcessUpdates(t *testing.T) {
	cfg := rooms.Defaults()
	cfg.Defaults.UpdatesPerSec = 0.001
	cfg.Defaults.UpdateBurst = 1
	srv, url := startRelay(t, cfg, nil)

	doc := replica.NewDoc("a")
	c := dial(t, url, "public-2", doc)
	st := store.New(doc)
	_ = st.PushScore(model.Score{Owner: "alice", Points: 1})
	_ = st.PushScore(model.Score{Owner: "bob", Points: 1})

	eventually(t, c, doc, func() bool { return c.Stats().Rejected == 1 && doc.Seq() == 1 })
	room, _ := srv.Lookup("public-2")
	if s := room.Stats(); s.RejectedTotal != 1 || s.Seq != 1 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestRelay_HandshakeErrors(t *testing.T) {
	cfg := rooms.Defaults()
	cfg.AllowUnlisted = false
	_, url := startRelay(t, cfg, nil)

	_, err := Dial(context.Background(), url, "nope", replica.NewDoc("a"), nil)
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != protocol.ErrRoomNotFound {
		t.Fatalf("err=%v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", ClientID: "a"})
	var e protocol.ErrorMsg
	if err := conn.ReadJSON(&e); err != nil || e.Code != protocol.ErrProtoVersion {
		t.Fatalf("e=%+v err=%v", e, err)
	}
}

func TestRelay_RejectsSpoofedOrigin(t *testing.T) {
	srv, url := startRelay(t, rooms.Defaults(), nil)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientID: "x"})
	var sm protocol.SyncMsg
	if err := conn.ReadJSON(&sm); err != nil || sm.Type != protocol.TypeSync || sm.Room != "public-2" {
		t.Fatalf("sync=%+v err=%v", sm, err)
	}

	_ = conn.WriteJSON(protocol.UpdateMsg{
		Type: protocol.TypeUpdate, ProtocolVersion: protocol.Version,
		Update: replica.Update{Origin: "y", Txn: 1, Ops: []replica.Op{{Kind: replica.OpSet, Name: "food", Key: "current", Value: json.RawMessage(`{"id":"r"}`)}}},
	})
	var e protocol.ErrorMsg
	if err := conn.ReadJSON(&e); err != nil || e.Code != protocol.ErrBadRequest {
		t.Fatalf("e=%+v err=%v", e, err)
	}
	room, _ := srv.Lookup("public-2")
	if room.Stats().Seq != 0 {
		t.Fatalf("spoofed update was sequenced")
	}
}

func TestRoom_SkipsResentTransactions(t *testing.T) {
	mem := newMemStore()
	r := newRoom("r", nil, mem, nil, 2, nil)
	u := replica.Update{Origin: "a", Txn: 1, Ops: []replica.Op{{Kind: replica.OpSet, Name: "food", Key: "current", Value: json.RawMessage(`{"id":"r1"}`)}}}
	if _, ok := r.Submit(u); !ok {
		t.Fatalf("first submit skipped")
	}
	if _, ok := r.Submit(u); ok {
		t.Fatalf("resent transaction sequenced twice")
	}
	if s := r.Stats(); s.Seq != 1 || s.ResentTotal != 1 {
		t.Fatalf("stats=%+v", s)
	}
	u.Txn = 2
	r.Submit(u)
	if mem.snaps["r"] == nil || mem.snaps["r"].Seq != 2 {
		t.Fatalf("snapshot cadence not honored: %+v", mem.snaps["r"])
	}
	if len(mem.updates["r"]) != 2 {
		t.Fatalf("updates=%d", len(mem.updates["r"]))
	}
}

func TestRoom_KicksSlowConsumer(t *testing.T) {
	r := newRoom("r", nil, nil, nil, 0, nil)
	kicked := false
	p := &peer{clientID: "a", out: make(chan []byte, 1), kick: func() { kicked = true }}
	if err := r.join(p); err != nil {
		t.Fatalf("join: %v", err)
	}
	// The SYNC fills the queue, so the first broadcast cannot be delivered.
	r.Submit(replica.Update{Origin: "b", Txn: 1})
	if !kicked || r.Stats().Conns != 0 || r.Stats().KickedTotal != 1 {
		t.Fatalf("kicked=%v stats=%+v", kicked, r.Stats())
	}
}

type discard struct{}

func (discard) Send(replica.Update) {}

func TestDial_ResendsBacklogLargerThanSendQueue(t *testing.T) {
	cfg := rooms.Defaults()
	cfg.Defaults.UpdatesPerSec = 1e6
	cfg.Defaults.UpdateBurst = 10000
	cfg.Defaults.QueueSize = 4096
	_, url := startRelay(t, cfg, newMemStore())

	doc := replica.NewDoc("a")
	st := store.New(doc)
	// Updates handed to a transport that died before they were sequenced.
	doc.SetProvider(discard{})
	_ = st.PushEntity(model.Entity{ID: "f1", Owner: "alice"})
	for i := 0; i < 1200; i++ {
		_ = st.SpliceEntities(0, 1, model.Entity{ID: "f1", Owner: "alice", X: float64(i)})
	}
	doc.SetProvider(nil)
	for i := 0; i < 300; i++ {
		_ = st.SpliceEntities(0, 1, model.Entity{ID: "f1", Owner: "alice", X: float64(2000 + i)})
	}
	if doc.Pending() != 1202 {
		t.Fatalf("pending=%d", doc.Pending())
	}

	c := dial(t, url, "public-2", doc)
	eventually(t, c, doc, func() bool { return doc.Pending() == 0 })
	if got := st.Entities(); len(got) != 1 || got[0].X != 2299 {
		t.Fatalf("entities=%+v", got)
	}

	other := replica.NewDoc("b")
	dial(t, url, "public-2", other)
	if got := store.New(other).Entities(); len(got) != 1 || got[0].X != 2299 {
		t.Fatalf("late joiner sees %+v", got)
	}
}
