package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fishtank.ai/internal/persistence/roomdb"
	"fishtank.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			fetchCmd("state", os.Args[2:])
			return
		case "data":
			fetchCmd("data", os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "rooms"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Println(e.Name())
		}
	}
}

// exportCmd rebuilds a room from the room store and writes it as a snapshot
// file that cmd/replay and the relay's archive understand.
func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "room store path (default: <data>/index/rooms.sqlite)")
	room := fs.String("room", "", "room name (required)")
	outPath := fs.String("out", "", "output snapshot path (default: <data>/rooms/<room>/snapshots/<seq>.export.snap.zst)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*room) == "" {
		fmt.Fprintln(os.Stderr, "missing -room")
		os.Exit(2)
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "rooms.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "room store:", err)
		os.Exit(1)
	}

	db, err := roomdb.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := db.Load(ctx, *room)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	if st.Seq == 0 {
		fmt.Fprintf(os.Stderr, "room %s has no persisted state\n", *room)
		os.Exit(2)
	}

	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(*dataDir, "rooms", *room, "snapshots", fmt.Sprintf("%d.export.snap.zst", st.Seq))
	}
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, Room: *room, Seq: st.Seq, SavedAt: time.Now().UTC().Format(time.RFC3339Nano)},
		State:  st,
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("export ok: room=%s seq=%d out=%s\n", *room, st.Seq, *outPath)
}
