package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const dbUsage = "usage: admin db [-data ./data|-db PATH] [-room ROOM] [-limit N] rooms|snapshots|updates|origins"

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "room store path (default: <data>/index/rooms.sqlite)")
	room := fs.String("room", "", "room filter (required for updates/origins)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "rooms"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "rooms.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(os.Stdout, db, q, strings.TrimSpace(*room), *limit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if strings.HasPrefix(err.Error(), "usage") {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runQuery prints one JSON object per row of the named query.
func runQuery(w io.Writer, db *sql.DB, q, room string, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	switch q {
	case "rooms":
		rows, err := db.Query(`SELECT r.room, COALESCE(s.seq,0), COALESCE(s.saved_at,''),
			(SELECT COUNT(*) FROM updates u WHERE u.room=r.room),
			(SELECT COALESCE(MAX(seq),0) FROM updates u WHERE u.room=r.room)
			FROM (SELECT room FROM snapshots UNION SELECT DISTINCT room FROM updates) r
			LEFT JOIN snapshots s ON s.room=r.room
			ORDER BY r.room LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Room         string `json:"room"`
				SnapshotSeq  int64  `json:"snapshot_seq"`
				SavedAt      string `json:"saved_at,omitempty"`
				UpdatesCount int64  `json:"updates"`
				LastSeq      int64  `json:"last_seq"`
			}
			if err := rows.Scan(&r.Room, &r.SnapshotSeq, &r.SavedAt, &r.UpdatesCount, &r.LastSeq); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			if r.SnapshotSeq > r.LastSeq {
				r.LastSeq = r.SnapshotSeq
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "snapshots":
		rows, err := db.Query(`SELECT room,seq,saved_at,length(blob) FROM snapshots ORDER BY room LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Room    string `json:"room"`
				Seq     int64  `json:"seq"`
				SavedAt string `json:"saved_at"`
				Bytes   int64  `json:"bytes"`
			}
			if err := rows.Scan(&r.Room, &r.Seq, &r.SavedAt, &r.Bytes); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "updates":
		if room == "" {
			return fmt.Errorf("usage: updates needs -room")
		}
		rows, err := db.Query(`SELECT seq,origin,txn,ops_json FROM updates WHERE room=? ORDER BY seq DESC LIMIT ?`, room, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r struct {
					Seq    int64           `json:"seq"`
					Origin string          `json:"origin"`
					Txn    int64           `json:"txn"`
					Ops    json.RawMessage `json:"ops"`
				}
				ops string
			)
			if err := rows.Scan(&r.Seq, &r.Origin, &r.Txn, &ops); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.Ops = json.RawMessage(ops)
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "origins":
		if room == "" {
			return fmt.Errorf("usage: origins needs -room")
		}
		rows, err := db.Query(`SELECT origin,COUNT(*),MAX(txn),MAX(seq) FROM updates WHERE room=? GROUP BY origin ORDER BY 2 DESC, 1 LIMIT ?`, room, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Origin  string `json:"origin"`
				Updates int64  `json:"updates"`
				LastTxn int64  `json:"last_txn"`
				LastSeq int64  `json:"last_seq"`
			}
			if err := rows.Scan(&r.Origin, &r.Updates, &r.LastTxn, &r.LastSeq); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	default:
		return fmt.Errorf("usage: unknown query %q\n%s", q, dbUsage)
	}
}
