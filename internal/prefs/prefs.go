// Package prefs stores the local user's display name, color and claimed
// entity id so they survive restarts.
package prefs

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
)

const (
	KeyName     = "fish:name"
	KeyColor    = "fish:color"
	KeyEntityID = "fish:id"
)

var ErrNotFound = errors.New("prefs: not found")

// Store is a small string key-value store.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

type Memory struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: map[string]string{}} }

func (s *Memory) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Profile is the local identity backed by a Store. Reads and writes that the
// store rejects fall back to an in-memory copy for the rest of the session.
type Profile struct {
	store  Store
	logger *log.Logger

	mu  sync.Mutex
	mem map[string]string
}

// LoadOrCreate reads the profile from st, drawing and persisting a default
// name and color when they are missing. A nil st keeps everything in memory.
func LoadOrCreate(st Store, rng *rand.Rand, logger *log.Logger) *Profile {
	p := &Profile{store: st, logger: logger, mem: map[string]string{}}
	for _, k := range []string{KeyName, KeyColor, KeyEntityID} {
		if v, ok := p.read(k); ok {
			p.mem[k] = v
		}
	}
	if strings.TrimSpace(p.mem[KeyName]) == "" {
		p.write(KeyName, DefaultName(rng))
	}
	if p.mem[KeyColor] == "" {
		p.write(KeyColor, RandomColor(rng))
	}
	return p
}

func (p *Profile) Name() string     { return p.get(KeyName) }
func (p *Profile) Color() string    { return p.get(KeyColor) }
func (p *Profile) EntityID() string { return p.get(KeyEntityID) }

// SetName stores a trimmed, non-empty display name.
func (p *Profile) SetName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("empty name")
	}
	p.write(KeyName, name)
	return nil
}

func (p *Profile) SetColor(c string) { p.write(KeyColor, c) }

// SetEntityID always succeeds in memory; a store failure is only logged.
func (p *Profile) SetEntityID(id string) error {
	if id == "" {
		p.mu.Lock()
		delete(p.mem, KeyEntityID)
		p.mu.Unlock()
		if p.store != nil {
			if err := p.store.Delete(KeyEntityID); err != nil {
				p.printf("prefs: delete %s: %v", KeyEntityID, err)
			}
		}
		return nil
	}
	p.write(KeyEntityID, id)
	return nil
}

func (p *Profile) get(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mem[key]
}

func (p *Profile) read(key string) (string, bool) {
	if p.store == nil {
		return "", false
	}
	v, err := p.store.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.printf("prefs: get %s: %v", key, err)
		}
		return "", false
	}
	return v, true
}

func (p *Profile) write(key, value string) {
	p.mu.Lock()
	p.mem[key] = value
	p.mu.Unlock()
	if p.store == nil {
		return
	}
	if err := p.store.Set(key, value); err != nil {
		p.printf("prefs: set %s: %v", key, err)
	}
}

func (p *Profile) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// DefaultName is "user-" followed by four random base36 characters.
func DefaultName(rng *rand.Rand) string {
	var b strings.Builder
	b.WriteString("user-")
	for i := 0; i < 4; i++ {
		b.WriteByte(nameAlphabet[rng.Intn(len(nameAlphabet))])
	}
	return b.String()
}

func RandomColor(rng *rand.Rand) string {
	return fmt.Sprintf("hsl(%d, 80%%, 50%%)", rng.Intn(360))
}
