package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type HTTPConfig struct {
	Endpoint    string
	QueueSize   int
	HTTPTimeout time.Duration
	Logger      *log.Logger
}

// HTTPSink posts each event to Endpoint from a background goroutine. A full
// queue drops the event; a failed post is logged and not retried.
type HTTPSink struct {
	cfg        HTTPConfig
	httpClient *http.Client

	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	sentTotal atomic.Uint64
	dropTotal atomic.Uint64
	failTotal atomic.Uint64
}

type HTTPStats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty telemetry endpoint")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	s := &HTTPSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan Event, cfg.QueueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range s.ch {
			if err := s.send(ev); err != nil {
				s.failTotal.Add(1)
				s.printf("telemetry post failed event=%s err=%v", ev.Kind, err)
				continue
			}
			s.sentTotal.Add(1)
		}
	}()
	return s, nil
}

func (s *HTTPSink) Emit(ev Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- ev.Stamp(time.Now()):
	default:
		s.dropTotal.Add(1)
		s.printf("telemetry queue full; drop event=%s", ev.Kind)
	}
}

// Close flushes what is queued and stops the sender.
func (s *HTTPSink) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
	})
	return nil
}

func (s *HTTPSink) Stats() HTTPStats {
	return HTTPStats{Sent: s.sentTotal.Load(), Dropped: s.dropTotal.Load(), Failed: s.failTotal.Load()}
}

func (s *HTTPSink) send(ev Event) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *HTTPSink) printf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
