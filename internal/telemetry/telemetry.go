// Package telemetry ships session milestones to an out-of-process log
// endpoint. Emitting never blocks and never fails the caller.
package telemetry

import (
	"log"
	"time"

	fishlog "fishtank.ai/internal/persistence/log"
)

type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"
	KindScore        Kind = "score"
	KindRespawn      Kind = "respawn"
	KindReconcile    Kind = "reconcile"
	KindSkin         Kind = "skin"
	KindRename       Kind = "rename"
)

type Event struct {
	Kind      Kind           `json:"event"`
	Timestamp string         `json:"timestamp"`
	Room      string         `json:"room,omitempty"`
	User      string         `json:"user,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stamp fills Timestamp when it is empty.
func (e Event) Stamp(now time.Time) Event {
	if e.Timestamp == "" {
		e.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
	return e
}

type Sink interface {
	Emit(ev Event)
}

type Nop struct{}

func (Nop) Emit(Event) {}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Archive appends events to hourly compressed JSONL files.
type Archive struct {
	w      *fishlog.EventLogger
	logger *log.Logger
}

func NewArchive(dir string, logger *log.Logger) *Archive {
	return &Archive{w: fishlog.NewEventLogger(dir), logger: logger}
}

func (a *Archive) Emit(ev Event) {
	if err := a.w.WriteEvent(ev.Stamp(time.Now())); err != nil && a.logger != nil {
		a.logger.Printf("telemetry archive: %v", err)
	}
}

func (a *Archive) Close() error { return a.w.Close() }
