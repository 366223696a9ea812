// Command sim runs a room offline: several sessions share an in-memory
// sequencer and tick on a simulated clock.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"fishtank.ai/internal/persistence/snapshot"
	"fishtank.ai/internal/prefs"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/session"
	"fishtank.ai/internal/sim/store"
	"fishtank.ai/internal/sim/tuning"
)

type simConfig struct {
	Room     string
	Sessions int
	Frames   int
	Seed     int64
	Tuning   tuning.Tuning
	Logger   *log.Logger
}

type simResult struct {
	State      *replica.State
	Scores     []model.Score
	Entities   []model.Entity
	Promotions int
	// Divergent counts replicas whose confirmed seq differs from the
	// sequencer after the final flush.
	Divergent int
}

func simulate(cfg simConfig) simResult {
	hub := replica.NewHub()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	type member struct {
		doc   *replica.Doc
		store *store.Store
		sess  *session.Session
	}
	members := make([]member, 0, cfg.Sessions)
	for i := 0; i < cfg.Sessions; i++ {
		id := fmt.Sprintf("sim-%d", i+1)
		rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
		prof := prefs.LoadOrCreate(prefs.NewMemory(), rng, nil)
		_ = prof.SetName(id)

		doc := replica.NewDoc(id)
		st := store.New(doc)
		n := 0
		sess := session.New(session.Options{
			Store:   st,
			Profile: prof,
			Tuning:  cfg.Tuning,
			Room:    cfg.Room,
			Rand:    rng,
			Logger:  cfg.Logger,
			Now:     now,
			NewID: func() string {
				n++
				return fmt.Sprintf("%s-%d", id, n)
			},
		})
		hub.Join(doc)
		members = append(members, member{doc: doc, store: st, sess: sess})
	}
	hub.Flush()

	var res simResult
	step := time.Second / time.Duration(cfg.Tuning.FrameRateHz)
	for f := 0; f < cfg.Frames; f++ {
		clock = clock.Add(step)
		for _, m := range members {
			if fr := m.sess.Tick(); fr.Promotion != nil {
				res.Promotions++
			}
		}
		hub.Flush()
	}

	for _, m := range members {
		if m.doc.Seq() != hub.Seq() {
			res.Divergent++
		}
	}
	res.State = hub.Snapshot()
	if len(members) > 0 {
		res.Scores = members[0].store.Scores()
		res.Entities = members[0].store.Entities()
	}
	return res
}

func main() {
	var (
		room       = flag.String("room", "sim", "room name recorded in the snapshot")
		sessions   = flag.Int("sessions", 4, "number of simulated replicas")
		frames     = flag.Int("frames", 3600, "frames to run")
		seed       = flag.Int64("seed", 1, "random seed")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		outPath    = flag.String("out", "", "write the final room state as a snapshot (optional)")
		verbose    = flag.Bool("v", false, "log session activity")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[sim] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = tuning.Defaults()
	}
	if *sessions <= 0 || *frames < 0 {
		fmt.Fprintln(os.Stderr, "sessions must be > 0 and frames >= 0")
		os.Exit(2)
	}

	cfg := simConfig{Room: *room, Sessions: *sessions, Frames: *frames, Seed: *seed, Tuning: tune}
	if *verbose {
		cfg.Logger = logger
	}
	start := time.Now()
	res := simulate(cfg)

	logger.Printf("ran %d frames x %d sessions in %s: seq=%d fishes=%d promotions=%d divergent=%d",
		*frames, *sessions, time.Since(start).Round(time.Millisecond), res.State.Seq, len(res.Entities), res.Promotions, res.Divergent)
	for _, sc := range res.Scores {
		fmt.Printf("%s\t%d\n", sc.Owner, sc.Points)
	}

	if *outPath != "" {
		err := snapshot.WriteSnapshot(*outPath, snapshot.SnapshotV1{
			Header: snapshot.Header{Version: snapshot.Version, Room: *room, Seq: res.State.Seq, SavedAt: time.Now().UTC().Format(time.RFC3339Nano)},
			State:  res.State,
		})
		if err != nil {
			logger.Fatalf("write snapshot: %v", err)
		}
		logger.Printf("wrote %s", *outPath)
	}
	if res.Divergent > 0 {
		os.Exit(1)
	}
}
