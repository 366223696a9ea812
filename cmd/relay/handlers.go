package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"fishtank.ai/internal/persistence/roomdb"
	"fishtank.ai/internal/protocol"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/store"
	"fishtank.ai/internal/telemetry"
	"fishtank.ai/internal/transport/ws"
)

const (
	maxLogBytes   = 64 * 1024
	maxIPLimiters = 10000
)

// api serves the relay's plain HTTP surface.
type api struct {
	relay     *ws.Server
	logSchema *jsonschema.Schema
	sink      telemetry.Sink
	db        *roomdb.DB
	mirror    *r2MirrorRuntime
	logger    *log.Logger
	now       func() time.Time

	logRate  rate.Limit
	logBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAPI(relay *ws.Server, logSchema *jsonschema.Schema, sink telemetry.Sink, db *roomdb.DB, logger *log.Logger) *api {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &api{
		relay:     relay,
		logSchema: logSchema,
		sink:      sink,
		db:        db,
		logger:    logger,
		now:       time.Now,
		logRate:   5,
		logBurst:  20,
		limiters:  map[string]*rate.Limiter{},
	}
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/data", a.handleData)
	mux.HandleFunc("/state", a.handleState)
	mux.HandleFunc("/log", a.handleLog)
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/ws", a.relay.Handler())
}

func (a *api) room(rw http.ResponseWriter, r *http.Request) (*ws.Room, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("room"))
	if id == "" {
		id = a.relay.Config().DefaultRoom
	}
	if room, ok := a.relay.Lookup(id); ok {
		return room, true
	}
	// Unlisted rooms are opened by websocket clients only.
	if !a.relay.Config().Listed(id) {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": protocol.ErrRoomNotFound})
		return nil, false
	}
	room, err := a.relay.Room(r.Context(), id)
	if errors.Is(err, ws.ErrRoomNotFound) {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": protocol.ErrRoomNotFound})
		return nil, false
	}
	if err != nil {
		a.printf("open room %s: %v", id, err)
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": protocol.ErrInternal})
		return nil, false
	}
	return room, true
}

// roomData decodes a room's confirmed state into its records.
func roomData(room *ws.Room, now time.Time) protocol.DataResponse {
	doc := replica.NewDoc("relay-view")
	doc.Load(room.Snapshot())
	st := store.New(doc)

	resp := protocol.DataResponse{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Room:      room.Name(),
		Seq:       doc.Seq(),
		Fishes:    st.Entities(),
		Food:      map[string]model.Resource{},
		Scores:    st.Scores(),
	}
	if res, ok := st.Resource(); ok {
		resp.Food[store.KeyResource] = res
	}
	if resp.Fishes == nil {
		resp.Fishes = []model.Entity{}
	}
	if resp.Scores == nil {
		resp.Scores = []model.Score{}
	}
	return resp
}

func (a *api) handleData(rw http.ResponseWriter, r *http.Request) {
	cors(rw)
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	room, ok := a.room(rw, r)
	if !ok {
		return
	}
	writeJSON(rw, http.StatusOK, roomData(room, a.now()))
}

// handleState serves the room's raw replicated state, the same payload a
// replica receives in SYNC.
func (a *api) handleState(rw http.ResponseWriter, r *http.Request) {
	cors(rw)
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	room, ok := a.room(rw, r)
	if !ok {
		return
	}
	st := room.Snapshot()
	writeJSON(rw, http.StatusOK, protocol.SyncMsg{
		Type:            protocol.TypeSync,
		ProtocolVersion: protocol.Version,
		Room:            room.Name(),
		Seq:             st.Seq,
		State:           st,
	})
}

func (a *api) handleLog(rw http.ResponseWriter, r *http.Request) {
	cors(rw)
	switch r.Method {
	case http.MethodOptions:
		rw.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fail := func(status int, msg string) {
		writeJSON(rw, status, protocol.LogResponse{Success: false, Timestamp: a.stamp(), Error: msg})
	}
	if !a.limiter(clientIP(r)).Allow() {
		fail(http.StatusTooManyRequests, "rate limited")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLogBytes+1))
	if err != nil {
		fail(http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxLogBytes {
		fail(http.StatusRequestEntityTooLarge, "record too large")
		return
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		fail(http.StatusBadRequest, "invalid json")
		return
	}
	if a.logSchema != nil {
		if err := a.logSchema.Validate(v); err != nil {
			fail(http.StatusBadRequest, err.Error())
			return
		}
	}
	var ev telemetry.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		fail(http.StatusBadRequest, "invalid record")
		return
	}
	a.sink.Emit(ev)
	a.printf("client log event=%s room=%s user=%s", ev.Kind, ev.Room, ev.User)
	writeJSON(rw, http.StatusOK, protocol.LogResponse{Success: true, Timestamp: a.stamp()})
}

func (a *api) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	rs := a.relay.Rooms()
	fmt.Fprintf(rw, "# HELP fishtank_rooms_open Rooms currently held in memory.\n")
	fmt.Fprintf(rw, "# TYPE fishtank_rooms_open gauge\n")
	fmt.Fprintf(rw, "fishtank_rooms_open %d\n", len(rs))

	fmt.Fprintf(rw, "# HELP fishtank_room_seq Last sequence number of the room.\n")
	fmt.Fprintf(rw, "# TYPE fishtank_room_seq gauge\n")
	for _, room := range rs {
		fmt.Fprintf(rw, "fishtank_room_seq{room=%q} %d\n", room.Name(), room.Stats().Seq)
	}

	fmt.Fprintf(rw, "# HELP fishtank_room_clients Connected replicas.\n")
	fmt.Fprintf(rw, "# TYPE fishtank_room_clients gauge\n")
	for _, room := range rs {
		fmt.Fprintf(rw, "fishtank_room_clients{room=%q} %d\n", room.Name(), room.Stats().Conns)
	}

	fmt.Fprintf(rw, "# HELP fishtank_room_updates_total Updates by outcome.\n")
	fmt.Fprintf(rw, "# TYPE fishtank_room_updates_total counter\n")
	for _, room := range rs {
		s := room.Stats()
		fmt.Fprintf(rw, "fishtank_room_updates_total{room=%q,outcome=%q} %d\n", s.Room, "sequenced", s.UpdatesTotal)
		fmt.Fprintf(rw, "fishtank_room_updates_total{room=%q,outcome=%q} %d\n", s.Room, "resent", s.ResentTotal)
		fmt.Fprintf(rw, "fishtank_room_updates_total{room=%q,outcome=%q} %d\n", s.Room, "rate_limited", s.RejectedTotal)
	}

	fmt.Fprintf(rw, "# HELP fishtank_room_kicked_total Replicas dropped for falling behind.\n")
	fmt.Fprintf(rw, "# TYPE fishtank_room_kicked_total counter\n")
	for _, room := range rs {
		fmt.Fprintf(rw, "fishtank_room_kicked_total{room=%q} %d\n", room.Name(), room.Stats().KickedTotal)
	}

	if a.db != nil {
		s := a.db.Stats()
		fmt.Fprintf(rw, "# HELP fishtank_roomdb_queue_depth Room store writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE fishtank_roomdb_queue_depth gauge\n")
		fmt.Fprintf(rw, "fishtank_roomdb_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP fishtank_roomdb_dropped_total Writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE fishtank_roomdb_dropped_total counter\n")
		fmt.Fprintf(rw, "fishtank_roomdb_dropped_total{kind=%q} %d\n", "update", s.DropUpdateTotal)
		fmt.Fprintf(rw, "fishtank_roomdb_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
		fmt.Fprintf(rw, "# HELP fishtank_roomdb_write_errors_total Failed room store writes.\n")
		fmt.Fprintf(rw, "# TYPE fishtank_roomdb_write_errors_total counter\n")
		fmt.Fprintf(rw, "fishtank_roomdb_write_errors_total %d\n", s.WriteErrTotal)
	}

	if s, ok := a.mirror.Stats(); ok {
		fmt.Fprintf(rw, "# HELP fishtank_r2_mirror_queue_depth Files waiting for upload.\n")
		fmt.Fprintf(rw, "# TYPE fishtank_r2_mirror_queue_depth gauge\n")
		fmt.Fprintf(rw, "fishtank_r2_mirror_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP fishtank_r2_mirror_uploads_total Upload attempts by outcome.\n")
		fmt.Fprintf(rw, "# TYPE fishtank_r2_mirror_uploads_total counter\n")
		fmt.Fprintf(rw, "fishtank_r2_mirror_uploads_total{outcome=%q} %d\n", "success", s.UploadSuccessTotal)
		fmt.Fprintf(rw, "fishtank_r2_mirror_uploads_total{outcome=%q} %d\n", "fail", s.UploadFailTotal)
		fmt.Fprintf(rw, "fishtank_r2_mirror_uploads_total{outcome=%q} %d\n", "unchanged", s.SkippedTotal)
		fmt.Fprintf(rw, "fishtank_r2_mirror_uploads_total{outcome=%q} %d\n", "dropped", s.DroppedTotal)
		fmt.Fprintf(rw, "# HELP fishtank_r2_mirror_last_success_unix Time of the last successful upload.\n")
		fmt.Fprintf(rw, "# TYPE fishtank_r2_mirror_last_success_unix gauge\n")
		fmt.Fprintf(rw, "fishtank_r2_mirror_last_success_unix %d\n", s.LastSuccessUnix)
	}
}

func (a *api) limiter(ip string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[ip]
	if !ok {
		if len(a.limiters) >= maxIPLimiters {
			a.limiters = map[string]*rate.Limiter{}
		}
		l = rate.NewLimiter(a.logRate, a.logBurst)
		a.limiters[ip] = l
	}
	return l
}

func (a *api) stamp() string { return a.now().UTC().Format(time.RFC3339Nano) }

func (a *api) printf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

func clientIP(r *http.Request) string {
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return h
	}
	return r.RemoteAddr
}

func cors(rw http.ResponseWriter) {
	rw.Header().Set("Access-Control-Allow-Origin", "*")
	rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	rw.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
