package tuning

import (
	"errors"
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	FrameRateHz int `yaml:"frame_rate_hz"`

	ArenaWidth     float64 `yaml:"arena_width"`
	ArenaHeight    float64 `yaml:"arena_height"`
	MinArena       float64 `yaml:"min_arena"`
	EntityRadius   float64 `yaml:"entity_radius"`
	ResourceRadius float64 `yaml:"resource_radius"`

	TurnRate     float64 `yaml:"turn_rate"`
	WaveScale    float64 `yaml:"wave_scale"`
	MaxJump      float64 `yaml:"max_jump"`
	WriteEpsilon float64 `yaml:"write_epsilon"`
	EdgeDamping  float64 `yaml:"edge_damping"`
	EdgeKick     float64 `yaml:"edge_kick"`

	Direction  Direction        `yaml:"direction"`
	Attraction Attraction       `yaml:"attraction"`
	Timers     Timers           `yaml:"timers"`
	Styles     map[string]Style `yaml:"styles"`
	Spawn      Spawn            `yaml:"spawn"`

	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec"`
	HeartbeatSec         int `yaml:"heartbeat_sec"`
}

// Range is an inclusive-exclusive interval drawn uniformly.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (r Range) Draw(rng *rand.Rand) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Direction weights the three re-heading policies; whatever is left after
// Keep and Reverse goes to Perturb.
type Direction struct {
	Keep       float64 `yaml:"keep"`
	Reverse    float64 `yaml:"reverse"`
	PerturbArc float64 `yaml:"perturb_arc"`
}

type Attraction struct {
	Blend       float64 `yaml:"blend"`
	MinStrength float64 `yaml:"min_strength"`
	SpeedBoost  float64 `yaml:"speed_boost"`
}

type Timers struct {
	DirectionChange     Range   `yaml:"direction_change"`
	EdgeDirectionChange Range   `yaml:"edge_direction_change"`
	StyleChange         Range   `yaml:"style_change"`
	SpeedBoost          Range   `yaml:"speed_boost"`
	SpeedBoostChance    float64 `yaml:"speed_boost_chance"`
	SpeedVariation      Range   `yaml:"speed_variation"`
	SeekNear            Range   `yaml:"seek_near"`
	SeekFar             Range   `yaml:"seek_far"`
}

// Style is the speed profile of one swimming style.
type Style struct {
	Multiplier float64 `yaml:"multiplier"`
	Variation  float64 `yaml:"variation"`
}

// Spawn holds the ranges fresh simulation parameters are drawn from, both for
// new entities and for fields missing from older records.
type Spawn struct {
	BaseSpeed       Range `yaml:"base_speed"`
	SwimAmplitude   Range `yaml:"swim_amplitude"`
	SwimFrequency   Range `yaml:"swim_frequency"`
	DirectionChange Range `yaml:"direction_change"`
	SpeedVariation  Range `yaml:"speed_variation"`
	SpeedBoost      Range `yaml:"speed_boost"`
	StyleChange     Range `yaml:"style_change"`
	SensingRange    Range `yaml:"sensing_range"`
	ResourceSeeking Range `yaml:"resource_seeking"`
}

func Defaults() Tuning {
	return Tuning{
		FrameRateHz: 60,

		ArenaWidth:     1280,
		ArenaHeight:    656,
		MinArena:       50,
		EntityRadius:   18,
		ResourceRadius: 8,

		TurnRate:     0.015,
		WaveScale:    0.5,
		MaxJump:      50,
		WriteEpsilon: 0.1,
		EdgeDamping:  0.8,
		EdgeKick:     0.1,

		Direction: Direction{Keep: 0.4, Reverse: 0.2, PerturbArc: 0.5},
		Attraction: Attraction{
			Blend:       0.3,
			MinStrength: 0.1,
			SpeedBoost:  0.4,
		},
		Timers: Timers{
			DirectionChange:     Range{180, 420},
			EdgeDirectionChange: Range{120, 300},
			StyleChange:         Range{600, 1400},
			SpeedBoost:          Range{300, 700},
			SpeedBoostChance:    0.3,
			SpeedVariation:      Range{0.2, 1.0},
			SeekNear:            Range{60, 180},
			SeekFar:             Range{100, 300},
		},
		Styles: map[string]Style{
			"normal":  {Multiplier: 1, Variation: 0.3},
			"fast":    {Multiplier: 1.5, Variation: 0.2},
			"slow":    {Multiplier: 0.6, Variation: 0.1},
			"erratic": {Multiplier: 1.2, Variation: 0.6},
		},
		Spawn: Spawn{
			BaseSpeed:       Range{0.4, 0.8},
			SwimAmplitude:   Range{0.1, 0.3},
			SwimFrequency:   Range{0.02, 0.05},
			DirectionChange: Range{120, 300},
			SpeedVariation:  Range{0.3, 0.7},
			SpeedBoost:      Range{200, 500},
			StyleChange:     Range{400, 1000},
			SensingRange:    Range{80, 140},
			ResourceSeeking: Range{100, 300},
		},

		InactivityTimeoutSec: 300,
		HeartbeatSec:         60,
	}
}

// Load reads a tuning.yaml on top of Defaults. Keys missing from the file keep
// their default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.FrameRateHz <= 0 {
		return errors.New("frame_rate_hz must be > 0")
	}
	if t.EntityRadius <= 0 || t.ResourceRadius <= 0 {
		return errors.New("entity_radius and resource_radius must be > 0")
	}
	if t.ArenaWidth < 2*t.EntityRadius || t.ArenaHeight < 2*t.EntityRadius {
		return fmt.Errorf("arena %vx%v smaller than one entity", t.ArenaWidth, t.ArenaHeight)
	}
	if t.TurnRate <= 0 || t.TurnRate > 1 {
		return fmt.Errorf("turn_rate %v outside (0,1]", t.TurnRate)
	}
	if t.Direction.Keep < 0 || t.Direction.Reverse < 0 || t.Direction.Keep+t.Direction.Reverse > 1 {
		return errors.New("direction keep+reverse must be within [0,1]")
	}
	for _, name := range []string{"normal", "fast", "slow", "erratic"} {
		if _, ok := t.Styles[name]; !ok {
			return fmt.Errorf("styles: missing %q", name)
		}
	}
	if t.InactivityTimeoutSec <= 0 || t.HeartbeatSec <= 0 {
		return errors.New("inactivity_timeout_sec and heartbeat_sec must be > 0")
	}
	return nil
}
