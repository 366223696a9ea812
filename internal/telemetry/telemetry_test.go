package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestHTTPSink_PostsEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("content-type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("content-type"))
		}
		b, _ := io.ReadAll(r.Body)
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewHTTPSink(HTTPConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Emit(Event{Kind: KindScore, User: "alice", Data: map[string]any{"points": 3}})
	s.Emit(Event{Kind: KindRespawn, User: "alice"})
	_ = s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Kind != KindScore || got[1].Kind != KindRespawn {
		t.Fatalf("got=%+v", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, got[0].Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", got[0].Timestamp, err)
	}
	if s.Stats().Sent != 2 {
		t.Fatalf("stats=%+v", s.Stats())
	}
}

func TestHTTPSink_FailureIsNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, _ := NewHTTPSink(HTTPConfig{Endpoint: srv.URL})
	s.Emit(Event{Kind: KindSessionStart})
	_ = s.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("stats=%+v", s.Stats())
	}
}

func TestHTTPSink_FullQueueDrops(t *testing.T) {
	s := &HTTPSink{ch: make(chan Event, 1)}
	s.Emit(Event{Kind: KindScore})
	s.Emit(Event{Kind: KindScore})
	if s.Stats().Dropped != 1 {
		t.Fatalf("stats=%+v", s.Stats())
	}
}

func TestHTTPSink_UnreachableEndpointDoesNotBlock(t *testing.T) {
	s, _ := NewHTTPSink(HTTPConfig{Endpoint: "http://127.0.0.1:1/log", HTTPTimeout: 200 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Emit(Event{Kind: KindScore})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Emit blocked")
	}
}

type recorder struct{ evs []Event }

func (r *recorder) Emit(ev Event) { r.evs = append(r.evs, ev) }

func TestMultiAndArchive(t *testing.T) {
	rec := &recorder{}
	arch := NewArchive(filepath.Join(t.TempDir(), "events"), nil)
	Multi{rec, nil, Nop{}, arch}.Emit(Event{Kind: KindRename, User: "bob"})
	if err := arch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(rec.evs) != 1 || rec.evs[0].User != "bob" {
		t.Fatalf("recorded=%+v", rec.evs)
	}
}
