package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	persistlog "fishtank.ai/internal/persistence/log"
	"fishtank.ai/internal/persistence/roomdb"
	"fishtank.ai/internal/rooms"
	"fishtank.ai/internal/telemetry"
	"fishtank.ai/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", envString("FT_RELAY_ADDR", ":8080"), "http listen address")
		dataDir     = flag.String("data", envString("FT_DATA_DIR", "./data"), "runtime data directory")
		roomsPath   = flag.String("rooms", "./configs/rooms.yaml", "room policy config (defaults when missing)")
		schemasDir  = flag.String("schemas", "./schemas", "json schema directory")
		disableDB   = flag.Bool("disable_db", false, "keep rooms in memory only")
		archiveUpd  = flag.Bool("archive", true, "archive sequenced updates as hourly jsonl.zst per room")
		saveEvery   = flag.Duration("save_every", 30*time.Second, "snapshot rooms that changed at this interval")
		exportEvery = flag.Duration("export_every", 10*time.Minute, "export room snapshot files at this interval (0 disables)")
		keepSnaps   = flag.Int("keep_snapshots", envInt("FT_KEEP_SNAPSHOTS", 24), "snapshot files kept per room")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := rooms.Load(*roomsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load rooms: %v", err)
		}
		logger.Printf("rooms config not found (%s); using defaults", *roomsPath)
		cfg = rooms.Defaults()
	}

	logSchema, err := jsonschema.Compile(filepath.Join(*schemasDir, "log.schema.json"))
	if err != nil {
		logger.Fatalf("compile log schema: %v", err)
	}

	var db *roomdb.DB
	opts := ws.Options{Rooms: cfg, Logger: logger}
	if !*disableDB {
		db, err = roomdb.Open(filepath.Join(*dataDir, "index", "rooms.sqlite"))
		if err != nil {
			logger.Fatalf("open room db: %v", err)
		}
		defer db.Close()
		opts.Store = db
		if ids, err := db.Rooms(context.Background()); err == nil && len(ids) > 0 {
			logger.Printf("persisted rooms: %s", strings.Join(ids, ","))
		}
	}
	r2Mirror, err := buildR2MirrorRuntime(*dataDir, logger)
	if err != nil {
		logger.Fatalf("r2 mirror: %v", err)
	}
	// Closed after the rooms so their final archive segments are uploaded.
	defer r2Mirror.Close()

	if *archiveUpd {
		logOpts := persistlog.LoggerOptions{}
		if r2Mirror.enabled {
			logOpts.RotateLayout = r2Mirror.rotateLayout
			logOpts.OnClose = r2Mirror.Enqueue
		}
		opts.OpenArchive = func(room string) ws.UpdateWriter {
			return persistlog.NewUpdateLoggerWithOptions(filepath.Join(*dataDir, "rooms", room), logOpts)
		}
	}

	relay := ws.NewServer(opts)
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Printf("close rooms: %v", err)
		}
	}()
	if _, err := relay.Room(context.Background(), cfg.DefaultRoom); err != nil {
		logger.Fatalf("open default room: %v", err)
	}

	events := telemetry.NewArchive(filepath.Join(*dataDir, "telemetry"), logger)
	defer events.Close()

	ctx, cancel := signalContext()
	defer cancel()

	exp := newExporter(*dataDir, *keepSnaps, r2Mirror, logger)
	go runHousekeeping(ctx, relay, exp, housekeeping{
		logEvery:    time.Duration(cfg.LogEverySec) * time.Second,
		saveEvery:   *saveEvery,
		exportEvery: *exportEvery,
	}, logger)

	mux := http.NewServeMux()
	a := newAPI(relay, logSchema, events, db, logger)
	a.mirror = r2Mirror
	a.routes(mux)
	if envBool("FT_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (FT_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (default room %s)", *addr, cfg.DefaultRoom)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	if *exportEvery > 0 {
		exp.exportAll(relay.Rooms(), time.Now())
	}
}

type housekeeping struct {
	logEvery    time.Duration
	saveEvery   time.Duration
	exportEvery time.Duration
}

// runHousekeeping logs room summaries, snapshots changed rooms into the room
// store and exports snapshot files until ctx is done. A zero interval
// disables that job.
func runHousekeeping(ctx context.Context, relay *ws.Server, exp *exporter, hk housekeeping, logger *log.Logger) {
	ticker := func(d time.Duration) (<-chan time.Time, func()) {
		if d <= 0 {
			return nil, func() {}
		}
		t := time.NewTicker(d)
		return t.C, t.Stop
	}
	logC, stopLog := ticker(hk.logEvery)
	defer stopLog()
	saveC, stopSave := ticker(hk.saveEvery)
	defer stopSave()
	exportC, stopExport := ticker(hk.exportEvery)
	defer stopExport()

	for {
		select {
		case <-ctx.Done():
			return
		case <-saveC:
			relay.SaveAll()
		case <-exportC:
			exp.exportAll(relay.Rooms(), time.Now())
		case <-logC:
			for _, room := range relay.Rooms() {
				d := roomData(room, time.Now())
				s := room.Stats()
				logger.Printf("room=%s seq=%d clients=%d fishes=%d food=%d scores=%d", d.Room, d.Seq, s.Conns, len(d.Fishes), len(d.Food), len(d.Scores))
			}
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
