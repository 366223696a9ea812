package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fishtank.ai/internal/persistence/snapshot"
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/rooms"
	"fishtank.ai/internal/transport/ws"
)

func TestExporter_WritesChangedRoomsAndArchivesDaily(t *testing.T) {
	relay := ws.NewServer(ws.Options{Rooms: rooms.Defaults()})
	room, err := relay.Room(context.Background(), "public-2")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	submit := func(txn uint64) {
		room.Submit(replica.Update{Origin: "a", Txn: txn, Ops: []replica.Op{{
			Kind: replica.OpSet, Name: "food", Key: "current", Value: json.RawMessage(`{"id":"r","x":1,"y":1,"radius":8}`),
		}}})
	}

	dir := t.TempDir()
	exp := newExporter(dir, 1, nil, nil)
	day := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	submit(1)
	exp.exportAll(relay.Rooms(), day)
	snapDir := filepath.Join(dir, "rooms", "public-2", "snapshots")
	h, err := snapshot.ReadHeader(filepath.Join(snapDir, "1.snap.zst"))
	if err != nil || h.Seq != 1 || h.Room != "public-2" {
		t.Fatalf("header=%+v err=%v", h, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "rooms", "public-2", "archives", "day_2024-05-01", "1.snap.zst")); err != nil {
		t.Fatalf("daily archive missing: %v", err)
	}

	// Unchanged rooms are not exported again.
	exp.exportAll(relay.Rooms(), day.Add(time.Minute))
	if ents, _ := os.ReadDir(snapDir); len(ents) != 1 {
		t.Fatalf("snapshots=%d", len(ents))
	}

	submit(2)
	exp.exportAll(relay.Rooms(), day.Add(time.Hour))
	ents, _ := os.ReadDir(snapDir)
	if len(ents) != 1 || ents[0].Name() != "2.snap.zst" {
		t.Fatalf("prune kept %v", ents)
	}
	if _, err := os.Stat(filepath.Join(dir, "rooms", "public-2", "archives", "day_2024-05-01", "2.snap.zst")); err == nil {
		t.Fatalf("second snapshot of the day was archived")
	}
}
