// Package rooms holds the relay's room policy: which rooms exist and the
// per-room limits the relay enforces.
package rooms

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultRoom = "public-2"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidID reports whether id may name a room.
func ValidID(id string) bool { return idPattern.MatchString(id) }

type Config struct {
	DefaultRoom string `yaml:"default_room"`
	// AllowUnlisted lets clients open any well-formed room name with the
	// default limits.
	AllowUnlisted bool       `yaml:"allow_unlisted"`
	LogEverySec   int        `yaml:"log_every_sec"`
	Defaults      RoomSpec   `yaml:"defaults"`
	Rooms         []RoomSpec `yaml:"rooms"`
}

type RoomSpec struct {
	ID              string  `yaml:"id"`
	SnapshotEvery   int     `yaml:"snapshot_every"`
	UpdatesPerSec   float64 `yaml:"updates_per_sec"`
	UpdateBurst     int     `yaml:"update_burst"`
	MaxConns        int     `yaml:"max_conns"`
	MaxMessageBytes int64   `yaml:"max_message_bytes"`
	QueueSize       int     `yaml:"queue_size"`
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		DefaultRoom:   DefaultRoom,
		AllowUnlisted: true,
		LogEverySec:   3,
		Defaults: RoomSpec{
			SnapshotEvery:   500,
			UpdatesPerSec:   90,
			UpdateBurst:     180,
			MaxConns:        64,
			MaxMessageBytes: 512 * 1024,
			QueueSize:       256,
		},
		Rooms: []RoomSpec{{ID: DefaultRoom}},
	}
}

// Normalize fills unset per-room limits from Defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults().Defaults
	fill(&c.Defaults, d)
	for i := range c.Rooms {
		c.Rooms[i].ID = strings.TrimSpace(c.Rooms[i].ID)
		fill(&c.Rooms[i], c.Defaults)
	}
	if strings.TrimSpace(c.DefaultRoom) == "" {
		c.DefaultRoom = DefaultRoom
		if len(c.Rooms) > 0 {
			c.DefaultRoom = c.Rooms[0].ID
		}
	}
	if c.LogEverySec < 0 {
		c.LogEverySec = 0
	}
}

func fill(s *RoomSpec, d RoomSpec) {
	if s.SnapshotEvery <= 0 {
		s.SnapshotEvery = d.SnapshotEvery
	}
	if s.UpdatesPerSec <= 0 {
		s.UpdatesPerSec = d.UpdatesPerSec
	}
	if s.UpdateBurst <= 0 {
		s.UpdateBurst = d.UpdateBurst
	}
	if s.MaxConns <= 0 {
		s.MaxConns = d.MaxConns
	}
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = d.MaxMessageBytes
	}
	if s.QueueSize <= 0 {
		s.QueueSize = d.QueueSize
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Rooms) == 0 && !c.AllowUnlisted {
		return fmt.Errorf("rooms must not be empty unless allow_unlisted is set")
	}
	seen := map[string]bool{}
	for _, r := range c.Rooms {
		if !ValidID(r.ID) {
			return fmt.Errorf("invalid room id %q", r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate room id: %s", r.ID)
		}
		seen[r.ID] = true
		if r.UpdateBurst < 1 {
			return fmt.Errorf("room %s update_burst must be >= 1", r.ID)
		}
		if r.QueueSize < 2 {
			return fmt.Errorf("room %s queue_size must be >= 2", r.ID)
		}
	}
	if !ValidID(c.DefaultRoom) {
		return fmt.Errorf("invalid default_room %q", c.DefaultRoom)
	}
	if !seen[c.DefaultRoom] && !c.AllowUnlisted {
		return fmt.Errorf("default_room %q not found in rooms", c.DefaultRoom)
	}
	return nil
}

// Listed reports whether id is one of the configured rooms.
func (c Config) Listed(id string) bool {
	for _, r := range c.Rooms {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Lookup resolves the limits for id. Unlisted rooms get the defaults when
// AllowUnlisted is set.
func (c Config) Lookup(id string) (RoomSpec, bool) {
	if !ValidID(id) {
		return RoomSpec{}, false
	}
	for _, r := range c.Rooms {
		if r.ID == id {
			return r, true
		}
	}
	if !c.AllowUnlisted {
		return RoomSpec{}, false
	}
	s := c.Defaults
	s.ID = id
	return s, true
}
