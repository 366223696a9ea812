package r2s3

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	uploadAttempts = 4
	uploadTimeout  = 2 * time.Minute
)

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	EnqueuedTotal      uint64
	DroppedTotal       uint64
	SkippedTotal       uint64
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	LastSuccessUnix    int64
}

type MirrorOptions struct {
	// DataDir is the local root; object keys are paths relative to it.
	DataDir       string
	Prefix        string
	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue waits on a full queue.
	EnqueueWait time.Duration
	Logger      *log.Logger
}

// Mirror copies finished files under the data dir to the bucket from a pool
// of background workers. A path is uploaded again only after its size or
// mtime changed.
type Mirror struct {
	client *Client
	root   string
	prefix string
	wait   time.Duration
	logger *log.Logger

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	stamps map[string]stamp

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	skipped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
}

type stamp struct {
	size  int64
	mtime time.Time
}

func NewMirror(client *Client, opts MirrorOptions) *Mirror {
	workers := max(opts.Workers, 1)
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 2048
	}
	wait := opts.EnqueueWait
	if wait <= 0 {
		wait = 25 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		client: client,
		root:   opts.DataDir,
		prefix: strings.Trim(filepath.ToSlash(opts.Prefix), "/"),
		wait:   wait,
		logger: opts.Logger,
		queue:  make(chan string, capacity),
		ctx:    ctx,
		cancel: cancel,
		stamps: map[string]stamp{},
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.work()
	}
	return m
}

// Enqueue schedules localPath. On a full queue it waits up to EnqueueWait and
// then drops the path.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueued.Add(1)
	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	select {
	case m.queue <- localPath:
	case <-timer.C:
		n := m.dropped.Add(1)
		m.printf("r2 mirror: queue full, dropped %s (%d dropped so far)", localPath, n)
	}
}

// Close uploads what is queued, with the usual retries, and waits for the
// workers.
func (m *Mirror) Close() { m.Shutdown(context.Background()) }

// Shutdown is Close with a deadline: once ctx is done, in-flight uploads are
// cancelled and the rest of the queue gets a single attempt each.
func (m *Mirror) Shutdown(ctx context.Context) {
	if m == nil {
		return
	}
	close(m.queue)
	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		m.cancel()
		<-finished
	}
	m.cancel()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(m.queue),
		QueueCapacity:      cap(m.queue),
		EnqueuedTotal:      m.enqueued.Load(),
		DroppedTotal:       m.dropped.Load(),
		SkippedTotal:       m.skipped.Load(),
		UploadSuccessTotal: m.uploaded.Load(),
		UploadFailTotal:    m.failed.Load(),
		LastSuccessUnix:    m.lastSuccess.Load(),
	}
}

func (m *Mirror) work() {
	defer m.wg.Done()
	for p := range m.queue {
		m.mirror(p)
	}
}

func (m *Mirror) mirror(localPath string) {
	info, err := os.Stat(localPath)
	if err != nil {
		m.printf("r2 mirror: skip %s: %v", localPath, err)
		return
	}
	cur := stamp{size: info.Size(), mtime: info.ModTime()}
	m.mu.Lock()
	prev, ok := m.stamps[localPath]
	m.mu.Unlock()
	if ok && prev == cur {
		m.skipped.Add(1)
		return
	}

	key, err := m.keyFor(localPath)
	if err != nil {
		m.printf("r2 mirror: skip %s: %v", localPath, err)
		return
	}
	if err := m.upload(key, localPath); err != nil {
		m.failed.Add(1)
		m.printf("r2 mirror: upload %s failed: %v", key, err)
		return
	}
	m.mu.Lock()
	m.stamps[localPath] = cur
	m.mu.Unlock()
	m.uploaded.Add(1)
	m.lastSuccess.Store(time.Now().Unix())
	m.printf("r2 mirror: uploaded %s", key)
}

// upload retries with a quadratic backoff until the attempts run out or the
// mirror is cancelled.
func (m *Mirror) upload(key, localPath string) error {
	var err error
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, uploadTimeout)
		err = m.client.PutFile(ctx, key, localPath)
		cancel()
		if err == nil || attempt == uploadAttempts || m.ctx.Err() != nil {
			return err
		}
		select {
		case <-m.ctx.Done():
			return err
		case <-time.After(time.Duration(attempt*attempt) * 200 * time.Millisecond):
		}
	}
}

// keyFor maps a file under the data dir to its object key.
func (m *Mirror) keyFor(localPath string) (string, error) {
	root, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not under %s", abs, root)
	}
	return path.Join(m.prefix, rel), nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
