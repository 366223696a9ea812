package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fishtank.ai/internal/protocol"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/rooms"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	pingEvery        = 25 * time.Second
	writeTimeout     = 5 * time.Second
)

var ErrRoomNotFound = errors.New("room not found")

// Store loads and persists room logs. roomdb.DB implements it.
type Store interface {
	Persister
	Load(ctx context.Context, room string) (*replica.State, error)
}

type Options struct {
	Rooms rooms.Config
	// Store may be nil; rooms then start empty and are never persisted.
	Store Store
	// OpenArchive may be nil.
	OpenArchive func(room string) UpdateWriter
	Logger      *log.Logger
}

// Server relays room documents between replicas over websockets.
type Server struct {
	cfg         rooms.Config
	store       Store
	openArchive func(room string) UpdateWriter
	log         *log.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewServer(opts Options) *Server {
	opts.Rooms.Normalize()
	return &Server{
		cfg:         opts.Rooms,
		store:       opts.Store,
		openArchive: opts.OpenArchive,
		log:         opts.Logger,
		rooms:       map[string]*Room{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Config() rooms.Config { return s.cfg }

// Room returns the named room, loading it from the store on first use.
func (s *Server) Room(ctx context.Context, id string) (*Room, error) {
	spec, ok := s.cfg.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rooms[id]; r != nil {
		return r, nil
	}
	var initial *replica.State
	if s.store != nil {
		st, err := s.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", id, err)
		}
		initial = st
	}
	var archive UpdateWriter
	if s.openArchive != nil {
		archive = s.openArchive(id)
	}
	var store Persister
	if s.store != nil {
		store = s.store
	}
	r := newRoom(id, initial, store, archive, spec.SnapshotEvery, s.log)
	s.rooms[id] = r
	if s.log != nil {
		s.log.Printf("room %s opened seq=%d", id, r.seq.Seq())
	}
	return r, nil
}

// Lookup returns an already open room.
func (s *Server) Lookup(id string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

// Rooms lists the open rooms by name.
func (s *Server) Rooms() []*Room {
	s.mu.Lock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SaveAll snapshots every room that changed since its last snapshot.
func (s *Server) SaveAll() {
	for _, r := range s.Rooms() {
		r.Save()
	}
}

// Close snapshots and closes every room and drops their connections.
func (s *Server) Close() error {
	var first error
	for _, r := range s.Rooms() {
		if err := r.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hctx, hcancel := context.WithTimeout(context.Background(), handshakeTimeout)
		room, spec, hello, ok := s.handshake(hctx, conn, strings.TrimSpace(r.URL.Query().Get("room")))
		hcancel()
		if !ok {
			return
		}
		conn.SetReadLimit(spec.MaxMessageBytes)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := &peer{clientID: hello.ClientID, out: make(chan []byte, spec.QueueSize), kick: cancel}
		if err := room.join(c); err != nil {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrInternal, "sync failed"))
			return
		}
		defer room.leave(c)

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingEvery)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					_ = conn.Close()
					return
				case <-ping.C:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						cancel()
						return
					}
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		limiter := rate.NewLimiter(rate.Limit(spec.UpdatesPerSec), spec.UpdateBurst)
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				c.reply(protocol.ErrProtoBadRequest, "malformed message")
				continue
			}
			if base.Type != protocol.TypeUpdate {
				continue
			}
			var um protocol.UpdateMsg
			if err := json.Unmarshal(msg, &um); err != nil {
				c.reply(protocol.ErrProtoBadRequest, "malformed UPDATE")
				continue
			}
			if um.ProtocolVersion != protocol.Version {
				c.reply(protocol.ErrProtoVersion, "bad protocol_version")
				continue
			}
			if um.Update.Origin != c.clientID || um.Update.Txn == 0 {
				c.reply(protocol.ErrBadRequest, "update origin/txn mismatch")
				continue
			}
			if !limiter.Allow() {
				room.rejectedTotal.Add(1)
				c.reply(protocol.ErrRateLimit, "too many updates")
				continue
			}
			room.Submit(um.Update)
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, roomID string) (*Room, rooms.RoomSpec, protocol.HelloMsg, bool) {
	var hello protocol.HelloMsg
	fail := func(code, message string) (*Room, rooms.RoomSpec, protocol.HelloMsg, bool) {
		_ = writeJSON(conn, protocol.NewError(code, message))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(time.Second))
		return nil, rooms.RoomSpec{}, hello, false
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, rooms.RoomSpec{}, hello, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		return fail(protocol.ErrProtoBadRequest, "expected HELLO")
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return fail(protocol.ErrProtoBadRequest, "malformed HELLO")
	}
	if hello.ProtocolVersion != protocol.Version {
		return fail(protocol.ErrProtoVersion, "bad protocol_version")
	}
	hello.ClientID = strings.TrimSpace(hello.ClientID)
	if hello.ClientID == "" || len(hello.ClientID) > 128 {
		return fail(protocol.ErrProtoBadRequest, "missing client_id")
	}

	if roomID == "" {
		roomID = strings.TrimSpace(hello.Room)
	}
	if roomID == "" {
		roomID = s.cfg.DefaultRoom
	}
	spec, ok := s.cfg.Lookup(roomID)
	if !ok {
		return fail(protocol.ErrRoomNotFound, "unknown room")
	}
	room, err := s.Room(ctx, roomID)
	if err != nil {
		if s.log != nil {
			s.log.Printf("room %s: %v", roomID, err)
		}
		return fail(protocol.ErrInternal, "room unavailable")
	}
	if spec.MaxConns > 0 && room.Stats().Conns >= spec.MaxConns {
		return fail(protocol.ErrRoomFull, "room full")
	}
	return room, spec, hello, true
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
