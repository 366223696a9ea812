package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fishtank.ai/internal/persistence/snapshot"
)

type DailyArchiveMeta struct {
	Room      string `json:"room"`
	Day       string `json:"day"`
	Seq       uint64 `json:"seq"`
	Snapshot  string `json:"snapshot"`
	SavedAt   string `json:"saved_at"`
	CreatedAt string `json:"created_at"`
}

// ArchiveDailySnapshot copies the first snapshot exported on each UTC day into
// `roomDir/archives/day_<YYYY-MM-DD>/`. It returns (day, archivedPath,
// archived=true) when the copy was made; later snapshots of the same day are
// left alone.
func ArchiveDailySnapshot(roomDir, snapshotPath string, snap snapshot.SnapshotV1) (day string, archivedPath string, archived bool, err error) {
	saved, err := time.Parse(time.RFC3339Nano, snap.Header.SavedAt)
	if err != nil {
		return "", "", false, fmt.Errorf("snapshot saved_at: %w", err)
	}
	day = saved.UTC().Format("2006-01-02")

	archiveDir := filepath.Join(roomDir, "archives", "day_"+day)
	metaPath := filepath.Join(archiveDir, "meta.json")
	if _, err := os.Stat(metaPath); err == nil {
		return day, "", false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", "", false, err
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", "", false, err
	}

	meta := DailyArchiveMeta{
		Room:      snap.Header.Room,
		Day:       day,
		Seq:       snap.Header.Seq,
		Snapshot:  filepath.Base(dst),
		SavedAt:   snap.Header.SavedAt,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(metaPath, b, 0o644)
	}

	return day, dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
