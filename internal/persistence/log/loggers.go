package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"fishtank.ai/internal/replica"
)

// LoggerOptions tunes segment rotation. RotateLayout is a time layout whose
// formatted value names the segment (hourly by default); OnClose receives the
// path of every segment once it is closed and complete.
type LoggerOptions struct {
	RotateLayout string
	OnClose      func(path string)
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	layout  string
	onClose func(path string)

	now func() time.Time

	mu      sync.Mutex
	curSeg  string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return NewJSONLZstdWriterWithOptions(baseDir, prefix, LoggerOptions{})
}

func NewJSONLZstdWriterWithOptions(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	layout := opts.RotateLayout
	if layout == "" {
		layout = "2006-01-02-15"
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		layout:  layout,
		onClose: opts.OnClose,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := w.now().UTC().Format(w.layout)
	if seg != w.curSeg {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(seg string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForSegment(seg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSeg = seg
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	closed := ""
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		closed = w.curPath
	}
	w.w = nil
	w.curPath = ""
	if closed != "" && err1 == nil && w.onClose != nil {
		w.onClose(closed)
	}
	return err1
}

func (w *JSONLZstdWriter) pathForSegment(seg string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, seg))
}

// UpdateLogger appends every sequenced update of a room (compressed). The
// stream is an audit trail; sqlite holds the copy rooms are restored from.
type UpdateLogger struct{ w *JSONLZstdWriter }

func NewUpdateLogger(roomDir string) *UpdateLogger {
	return NewUpdateLoggerWithOptions(roomDir, LoggerOptions{})
}

func NewUpdateLoggerWithOptions(roomDir string, opts LoggerOptions) *UpdateLogger {
	return &UpdateLogger{w: NewJSONLZstdWriterWithOptions(filepath.Join(roomDir, "updates"), "updates", opts)}
}

func (l *UpdateLogger) WriteUpdate(u replica.Update) error { return l.w.Write(u) }
func (l *UpdateLogger) Close() error                      { return l.w.Close() }

// EventLogger archives client telemetry records (compressed).
type EventLogger struct{ w *JSONLZstdWriter }

func NewEventLogger(dir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(dir, "events")}
}

func (l *EventLogger) WriteEvent(v any) error { return l.w.Write(v) }
func (l *EventLogger) Close() error          { return l.w.Close() }
