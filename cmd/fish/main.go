package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"fishtank.ai/internal/prefs"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/session"
	"fishtank.ai/internal/sim/store"
	"fishtank.ai/internal/sim/tuning"
	"fishtank.ai/internal/telemetry"
	"fishtank.ai/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "relay ws url")
		room       = flag.String("room", "public-2", "room name")
		name       = flag.String("name", "", "display name (default: stored or user-xxxx)")
		prefsPath  = flag.String("prefs", "", "sqlite preference file (empty keeps identity in memory)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		fps        = flag.Int("fps", 0, "frame rate override (default: tuning frame_rate_hz)")
		logURL     = flag.String("telemetry", "", "relay /log endpoint for session telemetry (empty disables)")
		eventsDir  = flag.String("events", "", "also archive session telemetry locally as jsonl.zst (optional)")
		skin       = flag.String("skin", "", "skin to apply once the fish exists")
		focused    = flag.Bool("focused", true, "keep the session alive without input")
		seed       = flag.Int64("seed", 0, "random seed (0: time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[fish] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if *fps > 0 {
		tune.FrameRateHz = *fps
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	var ps prefs.Store
	if strings.TrimSpace(*prefsPath) != "" {
		db, err := prefs.OpenSQLite(*prefsPath)
		if err != nil {
			logger.Printf("open prefs %s: %v (keeping identity in memory)", *prefsPath, err)
		} else {
			defer db.Close()
			ps = db
		}
	}
	profile := prefs.LoadOrCreate(ps, rng, logger)
	if *name != "" {
		if err := profile.SetName(*name); err != nil {
			logger.Fatalf("name: %v", err)
		}
	}

	var sinks telemetry.Multi
	if strings.TrimSpace(*logURL) != "" {
		hs, err := telemetry.NewHTTPSink(telemetry.HTTPConfig{Endpoint: *logURL, Logger: logger})
		if err != nil {
			logger.Fatalf("telemetry: %v", err)
		}
		defer hs.Close()
		sinks = append(sinks, hs)
	}
	if strings.TrimSpace(*eventsDir) != "" {
		arch := telemetry.NewArchive(*eventsDir, logger)
		defer arch.Close()
		sinks = append(sinks, arch)
	}

	ctx, cancel := signalContext()
	defer cancel()

	doc := replica.NewDoc("")
	st := store.New(doc)
	sess := session.New(session.Options{
		Store:   st,
		Profile: profile,
		Tuning:  tune,
		Room:    *room,
		Rand:    rng,
		Sink:    sinks,
		Logger:  logger,
	})
	sess.SetFocused(*focused)
	st.ObserveScores(func(list []model.Score) {
		logger.Printf("leaderboard: %s", leaderboard(list, 5))
	})

	cli, err := dialWithBackoff(ctx, *url, *room, doc, logger)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	logger.Printf("joined room=%s as %s fish=%s seq=%d", cli.Room(), profile.Name(), sess.Mine(), doc.Seq())

	run(ctx, runConfig{
		URL:   *url,
		Room:  *room,
		Skin:  *skin,
		Frame: time.Second / time.Duration(tune.FrameRateHz),
	}, doc, sess, cli, logger)
}

type runConfig struct {
	URL   string
	Room  string
	Skin  string
	Frame time.Duration
}

// run owns doc and sess: every tick, incoming update and teardown happens on
// this goroutine.
func run(ctx context.Context, cfg runConfig, doc *replica.Doc, sess *session.Session, cli *ws.Client, logger *log.Logger) {
	frame := time.NewTicker(cfg.Frame)
	defer frame.Stop()
	status := time.NewTicker(10 * time.Second)
	defer status.Stop()

	var score int
	for {
		select {
		case <-ctx.Done():
			sess.Teardown()
			drain(cli, doc, 2*time.Second)
			_ = cli.Close()
			logger.Printf("left room=%s score=%d", cfg.Room, score)
			return

		case u := <-cli.Updates():
			doc.Apply(u)

		case <-cli.Done():
			doc.SetProvider(nil)
			logger.Printf("connection lost: %v", cli.Err())
			next, err := dialWithBackoff(ctx, cfg.URL, cfg.Room, doc, logger)
			if err != nil {
				sess.Teardown()
				return
			}
			cli = next
			logger.Printf("rejoined room=%s seq=%d pending=%d", cli.Room(), doc.Seq(), doc.Pending())

		case <-frame.C:
			f := sess.Tick()
			if f.Promotion != nil {
				score = f.Promotion.Points
				logger.Printf("scored %d (resource %s)", f.Promotion.Points, f.Promotion.Consumed)
			}
			if cfg.Skin != "" && sess.NeedsSkin() {
				if err := sess.SetSkin(cfg.Skin); err != nil {
					logger.Printf("skin: %v", err)
				}
				cfg.Skin = ""
			}

		case <-status.C:
			s := cli.Stats()
			logger.Printf("fish=%s seq=%d pending=%d sent=%d received=%d rejected=%d score=%d",
				sess.Mine(), doc.Seq(), doc.Pending(), s.Sent, s.Received, s.Rejected, score)
		}
	}
}

// drain applies echoes until nothing of ours is pending or d elapses, so the
// teardown removal reaches the relay before the socket closes.
func drain(cli *ws.Client, doc *replica.Doc, d time.Duration) {
	deadline := time.After(d)
	for doc.Pending() > 0 {
		select {
		case u := <-cli.Updates():
			doc.Apply(u)
		case <-cli.Done():
			return
		case <-deadline:
			return
		}
	}
}

// leaderboard formats the top n scores, highest first.
func leaderboard(list []model.Score, n int) string {
	sorted := append([]model.Score(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Points > sorted[j].Points })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	parts := make([]string, len(sorted))
	for i, sc := range sorted {
		parts[i] = fmt.Sprintf("%s=%d", sc.Owner, sc.Points)
	}
	return strings.Join(parts, " ")
}

func dialWithBackoff(ctx context.Context, url, room string, doc *replica.Doc, logger *log.Logger) (*ws.Client, error) {
	backoff := 500 * time.Millisecond
	for {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		cli, err := ws.Dial(dctx, url, room, doc, logger)
		cancel()
		if err == nil {
			return cli, nil
		}
		var re *ws.RemoteError
		if errors.As(err, &re) {
			// The relay refused us; retrying will not change its mind.
			return nil, err
		}
		logger.Printf("dial %s: %v (retry in %s)", url, err, backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
