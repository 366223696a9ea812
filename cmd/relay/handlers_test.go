package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fishtank.ai/internal/protocol"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/rooms"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/store"
	"fishtank.ai/internal/telemetry"
	"fishtank.ai/internal/transport/ws"
)

func findRepoRootForRelayTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

type recordSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordSink) Emit(ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordSink) list() []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.Event(nil), r.events...)
}

func newTestAPI(t *testing.T) (*api, *recordSink, *httptest.Server) {
	t.Helper()
	root := findRepoRootForRelayTests(t)
	schema, err := jsonschema.Compile(filepath.Join(root, "schemas", "log.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	sink := &recordSink{}
	a := newAPI(ws.NewServer(ws.Options{Rooms: rooms.Defaults()}), schema, sink, nil, nil)
	a.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	mux := http.NewServeMux()
	a.routes(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return a, sink, hs
}

func TestData_ReportsRoomRecords(t *testing.T) {
	a, _, hs := newTestAPI(t)

	room, err := a.relay.Room(context.Background(), "public-2")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	// Build updates with a local replica and feed them through the room.
	doc := replica.NewDoc("c1")
	var sent []replica.Update
	doc.SetProvider(providerFunc(func(u replica.Update) { sent = append(sent, u) }))
	st := store.New(doc)
	_ = st.PushEntity(model.Entity{ID: "f1", Owner: "alice", Color: "red", X: 1, Y: 2})
	_ = st.SetResource(model.Resource{ID: "r1", X: 3, Y: 4, Radius: 8})
	_ = st.PushScore(model.Score{Owner: "alice", Points: 2})
	for _, u := range sent {
		room.Submit(u)
	}

	resp, err := http.Get(hs.URL + "/data?room=public-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var d protocol.DataResponse
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Seq != 3 || len(d.Fishes) != 1 || d.Fishes[0].Owner != "alice" {
		t.Fatalf("data=%+v", d)
	}
	if d.Food["current"].ID != "r1" || len(d.Scores) != 1 || d.Scores[0].Points != 2 {
		t.Fatalf("food=%+v scores=%+v", d.Food, d.Scores)
	}
	if d.Timestamp != "2024-05-01T10:00:00Z" {
		t.Fatalf("timestamp=%q", d.Timestamp)
	}
}

func TestData_EmptyRoomHasArrays(t *testing.T) {
	_, _, hs := newTestAPI(t)
	resp, err := http.Get(hs.URL + "/data")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `"fishes":[]`) || !strings.Contains(string(b), `"scores":[]`) {
		t.Fatalf("body=%s", b)
	}

	resp2, err := http.Get(hs.URL + "/data?room=bad%20name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp2.StatusCode)
	}
}

func TestLog_ValidatesAndArchives(t *testing.T) {
	_, sink, hs := newTestAPI(t)

	ok := `{"event":"score","timestamp":"2024-05-01T09:59:00Z","room":"public-2","user":"alice","data":{"points":3}}`
	resp, err := http.Post(hs.URL+"/log", "application/json", strings.NewReader(ok))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var lr protocol.LogResponse
	_ = json.NewDecoder(resp.Body).Decode(&lr)
	resp.Body.Close()
	if resp.StatusCode != 200 || !lr.Success || lr.Timestamp == "" {
		t.Fatalf("status=%d resp=%+v", resp.StatusCode, lr)
	}
	if evs := sink.list(); len(evs) != 1 || evs[0].Kind != telemetry.KindScore || evs[0].User != "alice" {
		t.Fatalf("events=%+v", evs)
	}

	bad := `{"event":"nope","timestamp":"x"}`
	resp, err = http.Post(hs.URL+"/log", "application/json", strings.NewReader(bad))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	lr = protocol.LogResponse{}
	_ = json.NewDecoder(resp.Body).Decode(&lr)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || lr.Success {
		t.Fatalf("status=%d resp=%+v", resp.StatusCode, lr)
	}
	if len(sink.list()) != 1 {
		t.Fatalf("invalid record archived")
	}
}

func TestLog_RateLimitedPerClient(t *testing.T) {
	a, _, hs := newTestAPI(t)
	a.logRate, a.logBurst = 0.001, 1

	body := `{"event":"skin","timestamp":"2024-05-01T09:59:00Z"}`
	codes := []int{}
	for i := 0; i < 2; i++ {
		resp, err := http.Post(hs.URL+"/log", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != 200 || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes=%v", codes)
	}
}

func TestMetrics_ListsRooms(t *testing.T) {
	a, _, hs := newTestAPI(t)
	if _, err := a.relay.Room(context.Background(), "public-2"); err != nil {
		t.Fatalf("room: %v", err)
	}
	resp, err := http.Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `fishtank_room_seq{room="public-2"} 0`) {
		t.Fatalf("metrics=%s", b)
	}
}

type providerFunc func(u replica.Update)

func (f providerFunc) Send(u replica.Update) { f(u) }

func TestData_DoesNotOpenUnlistedRooms(t *testing.T) {
	a, _, hs := newTestAPI(t)
	if !a.relay.Config().AllowUnlisted {
		t.Fatalf("defaults should allow unlisted rooms")
	}
	for _, path := range []string{"/data?room=scratch", "/state?room=scratch"} {
		resp, err := http.Get(hs.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status=%d", path, resp.StatusCode)
		}
	}
	if _, ok := a.relay.Lookup("scratch"); ok {
		t.Fatalf("http read opened a room")
	}

	if _, err := a.relay.Room(context.Background(), "scratch"); err != nil {
		t.Fatalf("open: %v", err)
	}
	resp, err := http.Get(hs.URL + "/data?room=scratch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open room status=%d", resp.StatusCode)
	}
}
