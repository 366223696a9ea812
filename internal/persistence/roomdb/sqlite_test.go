package roomdb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"fishtank.ai/internal/replica"
)

func insertOp(id, v string) replica.Op {
	return replica.Op{Kind: replica.OpInsert, Name: "fishes", Nodes: []replica.Node{{ID: id, Value: json.RawMessage(v)}}}
}

func TestDB_LoadReplaysSnapshotAndTail(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "rooms.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	seq := replica.NewSequencer(nil)
	u1 := seq.Sequence(replica.Update{Origin: "a", Txn: 1, Ops: []replica.Op{insertOp("a:1", `{"id":"f1"}`)}})
	u2 := seq.Sequence(replica.Update{Origin: "b", Txn: 1, Ops: []replica.Op{insertOp("b:1", `{"id":"f2"}`)}})
	db.AppendUpdate("public-2", u1)
	db.AppendUpdate("public-2", u2)
	db.SaveSnapshot("public-2", seq.Snapshot())
	u3 := seq.Sequence(replica.Update{Origin: "a", Txn: 2, Ops: []replica.Op{{Kind: replica.OpDelete, Name: "fishes", IDs: []string{"a:1"}}}})
	db.AppendUpdate("public-2", u3)
	db.AppendUpdate("other", u1)

	if err := db.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	st, err := db.Load(ctx, "public-2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Seq != 3 {
		t.Fatalf("seq=%d want 3", st.Seq)
	}
	vis := st.Visible("fishes")
	if len(vis) != 1 || vis[0].ID != "b:1" {
		t.Fatalf("fishes=%+v", vis)
	}
	if st.Applied["a"] != 2 || st.Applied["b"] != 1 {
		t.Fatalf("applied=%v", st.Applied)
	}

	var tail int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM updates WHERE room='public-2'`).Scan(&tail); err != nil {
		t.Fatalf("count: %v", err)
	}
	if tail != 1 {
		t.Fatalf("updates covered by the snapshot were not compacted: %d left", tail)
	}

	rooms, err := db.Rooms(ctx)
	if err != nil || len(rooms) != 2 || rooms[0] != "other" || rooms[1] != "public-2" {
		t.Fatalf("rooms=%v err=%v", rooms, err)
	}
}

func TestDB_LoadUnknownRoomIsEmpty(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "rooms.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	st, err := db.Load(context.Background(), "nope")
	if err != nil || st.Seq != 0 || len(st.Visible("fishes")) != 0 {
		t.Fatalf("st=%+v err=%v", st, err)
	}
}

func TestDB_QueueDropStats(t *testing.T) {
	s := &DB{ch: make(chan req, 1)}
	s.ch <- req{kind: reqUpdate}

	s.AppendUpdate("r", replica.Update{Seq: 2})
	s.SaveSnapshot("r", replica.NewState())

	st := s.Stats()
	if st.DropUpdateTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
