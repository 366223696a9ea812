// Package model holds the replicated records of the shared tank and the
// per-replica motion state that shadows them.
package model

import "math"

type Style string

const (
	StyleNormal  Style = "normal"
	StyleFast    Style = "fast"
	StyleSlow    Style = "slow"
	StyleErratic Style = "erratic"
)

var Styles = []Style{StyleNormal, StyleFast, StyleSlow, StyleErratic}

func (s Style) Valid() bool {
	for _, v := range Styles {
		if v == s {
			return true
		}
	}
	return false
}

// Entity is the replicated record of one fish. Simulation fields are optional
// on the wire: a zero value means "missing" and is derived again on read.
type Entity struct {
	ID    string  `json:"id"`
	Owner string  `json:"owner"`
	Color string  `json:"color"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	DX    float64 `json:"dx"`
	DY    float64 `json:"dy"`
	Skin  string  `json:"skin,omitempty"`

	SwimPhase            float64 `json:"swimPhase,omitempty"`
	SwimAmplitude        float64 `json:"swimAmplitude,omitempty"`
	SwimFrequency        float64 `json:"swimFrequency,omitempty"`
	DirectionChangeTimer float64 `json:"directionChangeTimer,omitempty"`
	BaseSpeed            float64 `json:"baseSpeed,omitempty"`
	CurrentSpeed         float64 `json:"currentSpeed,omitempty"`
	TargetDX             float64 `json:"targetDx,omitempty"`
	TargetDY             float64 `json:"targetDy,omitempty"`
	SpeedVariation       float64 `json:"speedVariation,omitempty"`
	SpeedBoostTimer      float64 `json:"speedBoostTimer,omitempty"`
	SwimmingStyle        Style   `json:"swimmingStyle,omitempty"`
	FoodAttraction       *bool   `json:"foodAttraction,omitempty"`
	SensingRange         float64 `json:"sensingRange,omitempty"`
	FoodSeekingTimer     float64 `json:"foodSeekingTimer,omitempty"`
}

// Resource is the single shared food item. It is replaced, never edited.
type Resource struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

// Score is one owner's point count.
type Score struct {
	Owner  string `json:"owner"`
	Points int    `json:"points"`
}

// Motion is the local, never replicated, state used to integrate an entity
// between frames. For the owned entity it is authoritative over the record.
type Motion struct {
	X  float64
	Y  float64
	DX float64
	DY float64

	SwimPhase     float64
	SwimAmplitude float64
	SwimFrequency float64

	BaseSpeed      float64
	CurrentSpeed   float64
	TargetDX       float64
	TargetDY       float64
	SpeedVariation float64
	Style          Style
	Attraction     bool
	SensingRange   float64

	// Countdowns, in frames.
	DirectionChangeTimer float64
	SpeedBoostTimer      float64
	StyleChangeTimer     float64
	SeekTimer            float64
}

// Record writes the motion fields onto e, keeping identity, owner, color and skin.
func (m Motion) Record(e Entity) Entity {
	attract := m.Attraction
	e.X, e.Y = m.X, m.Y
	e.DX, e.DY = m.DX, m.DY
	e.SwimPhase = m.SwimPhase
	e.SwimAmplitude = m.SwimAmplitude
	e.SwimFrequency = m.SwimFrequency
	e.DirectionChangeTimer = m.DirectionChangeTimer
	e.BaseSpeed = m.BaseSpeed
	e.CurrentSpeed = m.CurrentSpeed
	e.TargetDX, e.TargetDY = m.TargetDX, m.TargetDY
	e.SpeedVariation = m.SpeedVariation
	e.SpeedBoostTimer = m.SpeedBoostTimer
	e.SwimmingStyle = m.Style
	e.FoodAttraction = &attract
	e.SensingRange = m.SensingRange
	e.FoodSeekingTimer = m.SeekTimer
	return e
}

// Refresh pulls the remotely owned heading and speed into a shadow state.
// Position stays local so remote writes never make the entity pop.
func (m *Motion) Refresh(e Entity) {
	m.DX, m.DY = e.DX, e.DY
	if e.BaseSpeed != 0 {
		m.BaseSpeed = e.BaseSpeed
	}
	if e.CurrentSpeed != 0 {
		m.CurrentSpeed = e.CurrentSpeed
	}
	if e.TargetDX != 0 {
		m.TargetDX = e.TargetDX
	}
	if e.TargetDY != 0 {
		m.TargetDY = e.TargetDY
	}
}

// Changed reports whether next differs enough from prev to be worth a write:
// a move of more than eps on either axis, or any simulation field change.
func Changed(prev, next Entity, eps float64) bool {
	if math.Abs(next.X-prev.X) > eps || math.Abs(next.Y-prev.Y) > eps {
		return true
	}
	p, n := prev, next
	p.X, p.Y, n.X, n.Y = 0, 0, 0, 0
	pa, na := p.FoodAttraction, n.FoodAttraction
	p.FoodAttraction, n.FoodAttraction = nil, nil
	if (pa == nil) != (na == nil) || (pa != nil && *pa != *na) {
		return true
	}
	return p != n
}

func Distance(ax, ay, bx, by float64) float64 {
	return math.Hypot(ax-bx, ay-by)
}

// Locals is the per-replica motion state keyed by entity id.
type Locals struct {
	m map[string]Motion
}

func NewLocals() *Locals { return &Locals{m: map[string]Motion{}} }

func (l *Locals) Get(id string) (Motion, bool) {
	m, ok := l.m[id]
	return m, ok
}

func (l *Locals) Set(id string, m Motion) { l.m[id] = m }

func (l *Locals) Delete(id string) { delete(l.m, id) }

func (l *Locals) Len() int { return len(l.m) }

// Retain drops every id that is not in live.
func (l *Locals) Retain(live map[string]struct{}) {
	for id := range l.m {
		if _, ok := live[id]; !ok {
			delete(l.m, id)
		}
	}
}
