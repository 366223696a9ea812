package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"fishtank.ai/internal/persistence/snapshot"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/store"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to a room .snap.zst (optional: start from an empty room)")
		updatesDir = flag.String("updates", "", "dir containing updates-*.jsonl.zst (optional)")
		room       = flag.String("room", "", "room name recorded in -out (default: snapshot room)")
		toSeq      = flag.Uint64("to_seq", 0, "stop at seq (inclusive, optional)")
		outPath    = flag.String("out", "", "write the replayed state as a new snapshot (optional)")
	)
	flag.Parse()

	st := replica.NewState()
	name := *room
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if snap.State != nil {
			st = snap.State
		}
		if name == "" {
			name = snap.Header.Room
		}
		fmt.Printf("snapshot v%d room=%s seq=%d saved_at=%s\n", snap.Header.Version, snap.Header.Room, snap.Header.Seq, snap.Header.SavedAt)
	}
	start := st.Seq

	if *updatesDir != "" {
		files, err := listUpdateFiles(*updatesDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list updates:", err)
			os.Exit(1)
		}
		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "no update files found in", *updatesDir)
			os.Exit(1)
		}
		for _, path := range files {
			if err := replayFile(st, path, *toSeq); err != nil {
				fmt.Fprintln(os.Stderr, "replay:", err)
				os.Exit(1)
			}
		}
		fmt.Printf("replay ok: applied=%d updates (seq %d..%d)\n", st.Seq-start, start, st.Seq)
	}

	printSummary(os.Stdout, st)

	if *outPath != "" {
		err := snapshot.WriteSnapshot(*outPath, snapshot.SnapshotV1{
			Header: snapshot.Header{Version: snapshot.Version, Room: name, Seq: st.Seq, SavedAt: time.Now().UTC().Format(time.RFC3339Nano)},
			State:  st,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *outPath)
	}
}

func listUpdateFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "updates-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// replayFile applies the updates in path that follow st.Seq. The archive is a
// sequenced log, so any hole is an error.
func replayFile(st *replica.State, path string, toSeq uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		var u replica.Update
		if err := json.Unmarshal(sc.Bytes(), &u); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if u.Seq <= st.Seq {
			continue
		}
		if toSeq != 0 && u.Seq > toSeq {
			return nil
		}
		if u.Seq != st.Seq+1 {
			return fmt.Errorf("seq gap: want=%d got=%d (file=%s)", st.Seq+1, u.Seq, filepath.Base(path))
		}
		st.Apply(u)
	}
	return sc.Err()
}

func printSummary(w io.Writer, st *replica.State) {
	doc := replica.NewDoc("replay")
	doc.Load(st)
	s := store.New(doc)

	fishes := s.Entities()
	owners := map[string]int{}
	for _, e := range fishes {
		owners[e.Owner]++
	}
	fmt.Fprintf(w, "seq=%d fishes=%d owners=%d\n", st.Seq, len(fishes), len(owners))
	for _, e := range fishes {
		fmt.Fprintf(w, "  fish %s owner=%s at (%.1f, %.1f)\n", e.ID, e.Owner, e.X, e.Y)
	}
	if r, ok := s.Resource(); ok {
		fmt.Fprintf(w, "  food %s at (%.1f, %.1f)\n", r.ID, r.X, r.Y)
	}
	for _, sc := range s.Scores() {
		fmt.Fprintf(w, "  score %s=%d\n", sc.Owner, sc.Points)
	}
}
