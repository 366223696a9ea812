// Package roomdb keeps the sequenced update log and the latest snapshot of
// every room in sqlite, so a relay restart resumes rooms where they were.
package roomdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fishtank.ai/internal/persistence/snapshot"
	"fishtank.ai/internal/replica"
)

type DB struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropUpdateTotal   atomic.Uint64
	dropSnapshotTotal atomic.Uint64
	writeErrTotal     atomic.Uint64
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropUpdateTotal   uint64
	DropSnapshotTotal uint64
	WriteErrTotal     uint64
}

type reqKind int

const (
	reqUpdate reqKind = iota + 1
	reqSnapshot
	reqBarrier
)

type req struct {
	kind reqKind
	room string

	update replica.Update
	state  *replica.State
	done   chan struct{}
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &DB{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS updates (
			room TEXT NOT NULL,
			seq INTEGER NOT NULL,
			origin TEXT NOT NULL,
			txn INTEGER NOT NULL,
			ops_json TEXT NOT NULL,
			PRIMARY KEY (room, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			room TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			saved_at TEXT NOT NULL,
			blob BLOB NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *DB) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropUpdateTotal:   s.dropUpdateTotal.Load(),
		DropSnapshotTotal: s.dropSnapshotTotal.Load(),
		WriteErrTotal:     s.writeErrTotal.Load(),
	}
}

// AppendUpdate queues one sequenced update. It never blocks; when the writer
// falls behind the update is dropped and the next snapshot covers it.
func (s *DB) AppendUpdate(room string, u replica.Update) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqUpdate, room: room, update: u}:
	default:
		s.dropUpdateTotal.Add(1)
	}
}

// SaveSnapshot queues st as the room's snapshot and compacts the updates it
// covers. st must not be modified afterwards.
func (s *DB) SaveSnapshot(room string, st *replica.State) {
	if s == nil || s.closed.Load() || st == nil {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, room: room, state: st}:
	default:
		s.dropSnapshotTotal.Add(1)
	}
}

// Sync waits until everything queued before it is committed.
func (s *DB) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqBarrier, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load rebuilds a room from its snapshot plus the updates sequenced after it.
// An unknown room loads as an empty state.
func (s *DB) Load(ctx context.Context, room string) (*replica.State, error) {
	st := replica.NewState()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM snapshots WHERE room=?`, room).Scan(&blob)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		snap, err := snapshot.Unmarshal(blob)
		if err != nil {
			return nil, fmt.Errorf("room %s snapshot: %w", room, err)
		}
		st = snap.State
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq,origin,txn,ops_json FROM updates WHERE room=? AND seq>? ORDER BY seq`, room, int64(st.Seq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq, txn int64
			origin   string
			opsJSON  string
		)
		if err := rows.Scan(&seq, &origin, &txn, &opsJSON); err != nil {
			return nil, err
		}
		u := replica.Update{Seq: uint64(seq), Origin: origin, Txn: uint64(txn)}
		if err := json.Unmarshal([]byte(opsJSON), &u.Ops); err != nil {
			return nil, fmt.Errorf("room %s update %d: %w", room, seq, err)
		}
		st.Apply(u)
	}
	return st, rows.Err()
}

// Rooms lists every room with persisted state.
func (s *DB) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room FROM snapshots UNION SELECT DISTINCT room FROM updates ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) loop() {
	ctx := context.Background()

	insertUpdate, _ := s.db.Prepare(`INSERT OR REPLACE INTO updates(room,seq,origin,txn,ops_json) VALUES(?,?,?,?,?)`)
	upsertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(room,seq,saved_at,blob) VALUES(?,?,?,?)`)
	compact, _ := s.db.Prepare(`DELETE FROM updates WHERE room=? AND seq<=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertUpdate, upsertSnapshot, compact} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		commitEvery = 512
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrTotal.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrTotal.Add(1)
		}
		tx = nil
		opCount = 0
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		s.writeErrTotal.Add(1)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			commit()
			continue
		}

		if r.kind == reqBarrier {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqUpdate:
			if insertUpdate == nil {
				continue
			}
			ops, _ := json.Marshal(r.update.Ops)
			if _, err := tx.Stmt(insertUpdate).Exec(r.room, int64(r.update.Seq), r.update.Origin, int64(r.update.Txn), string(ops)); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqSnapshot:
			if upsertSnapshot == nil || compact == nil {
				continue
			}
			blob, err := snapshot.Marshal(snapshot.SnapshotV1{
				Header: snapshot.Header{Version: snapshot.Version, Room: r.room, Seq: r.state.Seq, SavedAt: time.Now().UTC().Format(time.RFC3339Nano)},
				State:  r.state,
			})
			if err != nil {
				s.writeErrTotal.Add(1)
				continue
			}
			if _, err := tx.Stmt(upsertSnapshot).Exec(r.room, int64(r.state.Seq), time.Now().UTC().Format(time.RFC3339Nano), blob); err != nil {
				rollback()
				continue
			}
			if _, err := tx.Stmt(compact).Exec(r.room, int64(r.state.Seq)); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if opCount >= commitEvery {
			commit()
		}
	}
}
