package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fishtank.ai/internal/persistence/archive"
	"fishtank.ai/internal/persistence/snapshot"
	"fishtank.ai/internal/transport/ws"
)

// exporter writes room snapshots as files under dataDir/rooms/<room>/snapshots,
// keeps the first one of each day in the room's archive, and hands every file
// it writes to the mirror.
type exporter struct {
	dataDir string
	keep    int
	mirror  *r2MirrorRuntime
	logger  *log.Logger

	mu      sync.Mutex
	lastSeq map[string]uint64
}

func newExporter(dataDir string, keep int, mirror *r2MirrorRuntime, logger *log.Logger) *exporter {
	return &exporter{dataDir: dataDir, keep: keep, mirror: mirror, logger: logger, lastSeq: map[string]uint64{}}
}

// exportAll snapshots every room whose seq moved since its last export.
func (e *exporter) exportAll(rooms []*ws.Room, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, room := range rooms {
		if _, err := e.export(room, now); err != nil {
			e.printf("export room=%s: %v", room.Name(), err)
		}
	}
}

func (e *exporter) export(room *ws.Room, now time.Time) (string, error) {
	st := room.Snapshot()
	name := room.Name()
	if last, ok := e.lastSeq[name]; ok && last == st.Seq {
		return "", nil
	}
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, Room: name, Seq: st.Seq, SavedAt: now.UTC().Format(time.RFC3339Nano)},
		State:  st,
	}
	roomDir := filepath.Join(e.dataDir, "rooms", name)
	path := filepath.Join(roomDir, "snapshots", fmt.Sprintf("%d.snap.zst", st.Seq))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	e.lastSeq[name] = st.Seq
	e.mirror.Enqueue(path)

	if day, archivedPath, ok, err := archive.ArchiveDailySnapshot(roomDir, path, snap); err != nil {
		e.printf("archive room=%s: %v", name, err)
	} else if ok {
		e.printf("archived room=%s day=%s seq=%d", name, day, st.Seq)
		e.mirror.Enqueue(archivedPath)
		e.mirror.Enqueue(filepath.Join(filepath.Dir(archivedPath), "meta.json"))
	}

	e.prune(filepath.Dir(path))
	return path, nil
}

// prune keeps the newest e.keep snapshot files of a room. Archived copies live
// elsewhere and are never pruned.
func (e *exporter) prune(dir string) {
	if e.keep <= 0 {
		return
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type snapFile struct {
		name string
		seq  uint64
	}
	var files []snapFile
	for _, ent := range ents {
		base, ok := strings.CutSuffix(ent.Name(), ".snap.zst")
		if !ok {
			continue
		}
		if seq, err := strconv.ParseUint(base, 10, 64); err == nil {
			files = append(files, snapFile{ent.Name(), seq})
		}
	}
	if len(files) <= e.keep {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq > files[j].seq })
	for _, f := range files[e.keep:] {
		_ = os.Remove(filepath.Join(dir, f.name))
	}
}

func (e *exporter) printf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
