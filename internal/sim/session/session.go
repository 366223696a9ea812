// Package session runs one replica's view of the tank: it reconciles
// ownership when the store syncs, advances every entity once per frame,
// writes back the owned entity and promotes its collisions.
//
// A Session is driven from a single goroutine; store callbacks and Tick must
// not run concurrently.
package session

import (
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"fishtank.ai/internal/prefs"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/physics"
	"fishtank.ai/internal/sim/promote"
	"fishtank.ai/internal/sim/reconcile"
	"fishtank.ai/internal/sim/store"
	"fishtank.ai/internal/sim/tuning"
	"fishtank.ai/internal/telemetry"
)

type Options struct {
	Store   *store.Store
	Profile *prefs.Profile
	Tuning  tuning.Tuning
	Room    string

	Rand   *rand.Rand
	Sink   telemetry.Sink
	Logger *log.Logger
	Now    func() time.Time
	NewID  func() string
}

// Frame summarizes one Tick.
type Frame struct {
	Entities  int
	Wrote     bool
	Promotion *promote.Promotion
}

type Session struct {
	store   *store.Store
	locals  *model.Locals
	profile *prefs.Profile
	tune    tuning.Tuning
	room    string
	rng     *rand.Rand
	sink    telemetry.Sink
	logger  *log.Logger
	now     func() time.Time

	rec  *reconcile.Reconciler
	prom *promote.Promoter
	env  physics.Env

	started   bool
	ended     bool
	expired   bool
	focused   bool
	lastInput time.Time
	lastBeat  time.Time

	unsubs []func()
}

func New(opts Options) *Session {
	s := &Session{
		store:   opts.Store,
		locals:  model.NewLocals(),
		profile: opts.Profile,
		tune:    opts.Tuning,
		room:    opts.Room,
		rng:     opts.Rand,
		sink:    opts.Sink,
		logger:  opts.Logger,
		now:     opts.Now,
		focused: true,
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.sink == nil {
		s.sink = telemetry.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.profile == nil {
		s.profile = prefs.LoadOrCreate(nil, s.rng, opts.Logger)
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	s.rec = reconcile.New(reconcile.Options{
		Store:  s.store,
		Locals: s.locals,
		Claims: s.profile,
		Tuning: s.tune,
		Rand:   s.rng,
		Logger: s.logger,
		NewID:  newID,
	})
	s.rec.SetIdentity(reconcile.Identity{Name: s.profile.Name(), Color: s.profile.Color()})
	s.prom = promote.New(s.store, s.tune.EntityRadius, s.rec.NewResource)
	s.Resize(s.tune.ArenaWidth, s.tune.ArenaHeight)

	now := s.now()
	s.lastInput, s.lastBeat = now, now

	s.unsubs = append(s.unsubs,
		s.store.ObserveEntities(s.onEntities),
		s.store.ObserveResource(s.prom.ResourceChanged),
	)
	s.store.OnSynced(s.onSynced)
	return s
}

func (s *Session) Locals() *model.Locals { return s.locals }

func (s *Session) Mine() string { return s.rec.Mine() }

func (s *Session) Name() string { return s.profile.Name() }

// Resize sets the arena, never smaller than the configured minimum.
func (s *Session) Resize(width, height float64) {
	width = math.Max(width, s.tune.MinArena)
	height = math.Max(height, s.tune.MinArena)
	s.env.Width, s.env.Height = width, height
	s.rec.SetArena(width, height)
}

func (s *Session) onSynced() {
	if s.ended {
		return
	}
	s.reconcile("sync")
	if !s.started {
		s.started = true
		s.emit(telemetry.KindSessionStart, nil)
	}
}

func (s *Session) reconcile(reason string) {
	res, err := s.rec.Run()
	if err != nil {
		s.printf("reconcile (%s): %v", reason, err)
		return
	}
	if res.Mutated() {
		s.emit(telemetry.KindReconcile, map[string]any{
			"reason":           reason,
			"deduped":          res.Deduped,
			"removed":          res.Removed,
			"created":          res.Created,
			"rewritten":        res.Rewritten,
			"resource_created": res.ResourceCreated,
		})
	}
}

func (s *Session) onEntities(ch store.EntityChange) {
	live := make(map[string]struct{}, len(ch.Entities))
	for _, e := range ch.Entities {
		live[e.ID] = struct{}{}
	}
	s.locals.Retain(live)

	if ch.Local || s.ended {
		return
	}
	// Only records rewritten by this change carry fresh motion fields.
	mine := s.rec.Mine()
	for _, d := range ch.Delta {
		for _, e := range d.Insert {
			if e.ID == mine {
				continue
			}
			if m, ok := s.locals.Get(e.ID); ok {
				m.Refresh(e)
				s.locals.Set(e.ID, m)
			}
		}
	}
	if n, err := s.rec.Dedup(); err != nil {
		s.printf("dedup: %v", err)
	} else if n > 0 {
		s.emit(telemetry.KindReconcile, map[string]any{"reason": "remote", "deduped": n})
	}
	if _, ok := live[mine]; mine != "" && !ok && !s.expired && s.store.Synced() {
		s.reconcile("lost")
	}
}

// SetName changes the display name and reclaims the owned entity under it.
func (s *Session) SetName(name string) error {
	old := s.profile.Name()
	if err := s.profile.SetName(name); err != nil {
		return err
	}
	s.rec.SetIdentity(reconcile.Identity{Name: s.profile.Name(), Color: s.profile.Color()})
	if s.store.Synced() && !s.expired && !s.ended {
		s.reconcile("rename")
	}
	s.emit(telemetry.KindRename, map[string]any{"from": old})
	return nil
}

// NeedsSkin reports whether the owned entity still has no custom skin.
func (s *Session) NeedsSkin() bool {
	idx, e := s.find(s.rec.Mine())
	return idx >= 0 && e.Skin == ""
}

// SetSkin replaces the owned entity's skin in place.
func (s *Session) SetSkin(skin string) error {
	idx, e := s.find(s.rec.Mine())
	if idx < 0 {
		return store.ErrNotReady
	}
	if m, ok := s.locals.Get(e.ID); ok {
		e = m.Record(e)
	}
	e.Skin = skin
	if err := s.store.SpliceEntities(idx, 1, e); err != nil {
		return err
	}
	s.emit(telemetry.KindSkin, map[string]any{"bytes": len(skin)})
	return nil
}

// Touch records local input. An expired session comes back with a fresh
// reconciliation pass.
func (s *Session) Touch() {
	if s.ended {
		return
	}
	s.lastInput = s.now()
	if s.expired {
		s.expired = false
		if s.store.Synced() {
			s.reconcile("resume")
		}
	}
}

// SetFocused marks passive presence. While focused the heartbeat keeps the
// session alive without input.
func (s *Session) SetFocused(v bool) { s.focused = v }

// Teardown removes the owned entity and stops observing the store.
func (s *Session) Teardown() {
	if s.ended {
		return
	}
	if !s.expired {
		s.release("teardown")
	}
	s.ended = true
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

func (s *Session) release(reason string) {
	if mine := s.rec.Mine(); mine != "" {
		if err := s.store.RemoveEntity(mine); err != nil {
			s.printf("remove %s: %v", mine, err)
		}
		s.locals.Delete(mine)
	}
	s.rec.Release()
	s.emit(telemetry.KindSessionEnd, map[string]any{"reason": reason})
}

// Tick advances the session by one frame.
func (s *Session) Tick() Frame {
	var f Frame
	if s.ended {
		return f
	}
	now := s.now()
	if s.focused && now.Sub(s.lastBeat) >= time.Duration(s.tune.HeartbeatSec)*time.Second {
		s.lastBeat = now
		s.lastInput = now
	}
	if !s.expired && now.Sub(s.lastInput) >= time.Duration(s.tune.InactivityTimeoutSec)*time.Second {
		s.expired = true
		s.release("inactivity")
	}

	var res *model.Resource
	if r, ok := s.store.Resource(); ok {
		res = &r
	}
	env := s.env
	env.Resource = res

	mine := s.rec.Mine()
	list := s.store.Entities()
	f.Entities = len(list)
	for idx, e := range list {
		m, ok := s.locals.Get(e.ID)
		if !ok {
			m = model.Derive(e, s.tune.Spawn, s.rng)
		}
		next := physics.Step(m, env, s.tune, s.rng)
		s.locals.Set(e.ID, next)
		if e.ID != mine {
			continue
		}

		rec := next.Record(e)
		if model.Changed(e, rec, s.tune.WriteEpsilon) {
			if err := s.store.SpliceEntities(idx, 1, rec); err != nil {
				s.printf("write back %s: %v", e.ID, err)
			} else {
				f.Wrote = true
			}
		}
		f.Promotion = s.promote(next)
	}
	return f
}

func (s *Session) promote(m model.Motion) *promote.Promotion {
	pr, ok, err := s.prom.Check(s.profile.Name(), m.X, m.Y)
	if err != nil {
		s.printf("promote: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	s.emit(telemetry.KindScore, map[string]any{"points": pr.Points, "resource": pr.Consumed})
	s.emit(telemetry.KindRespawn, map[string]any{"resource": pr.Next.ID, "x": pr.Next.X, "y": pr.Next.Y})
	return &pr
}

func (s *Session) find(id string) (int, model.Entity) {
	if id == "" {
		return -1, model.Entity{}
	}
	for i, e := range s.store.Entities() {
		if e.ID == id {
			return i, e
		}
	}
	return -1, model.Entity{}
}

func (s *Session) emit(kind telemetry.Kind, data map[string]any) {
	s.sink.Emit(telemetry.Event{
		Kind:      kind,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Room:      s.room,
		User:      s.profile.Name(),
		EntityID:  s.rec.Mine(),
		Data:      data,
	})
}

func (s *Session) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
