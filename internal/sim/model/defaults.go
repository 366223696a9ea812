package model

import (
	"math"
	"math/rand"

	"fishtank.ai/internal/sim/tuning"
)

// Derive builds the local motion state for a record. Every field uses the
// record's value when present and a fresh randomized default otherwise; this
// is the only place defaults are drawn, so records written by older clients or
// caught mid-write all complete the same way.
func Derive(e Entity, sp tuning.Spawn, rng *rand.Rand) Motion {
	m := Motion{
		X:  e.X,
		Y:  e.Y,
		DX: e.DX,
		DY: e.DY,

		SwimPhase:     or(e.SwimPhase, func() float64 { return rng.Float64() * 2 * math.Pi }),
		SwimAmplitude: or(e.SwimAmplitude, func() float64 { return sp.SwimAmplitude.Draw(rng) }),
		SwimFrequency: or(e.SwimFrequency, func() float64 { return sp.SwimFrequency.Draw(rng) }),

		BaseSpeed:      or(e.BaseSpeed, func() float64 { return sp.BaseSpeed.Draw(rng) }),
		SpeedVariation: or(e.SpeedVariation, func() float64 { return sp.SpeedVariation.Draw(rng) }),
		SensingRange:   or(e.SensingRange, func() float64 { return sp.SensingRange.Draw(rng) }),

		DirectionChangeTimer: or(e.DirectionChangeTimer, func() float64 { return sp.DirectionChange.Draw(rng) }),
		SpeedBoostTimer:      or(e.SpeedBoostTimer, func() float64 { return sp.SpeedBoost.Draw(rng) }),
		StyleChangeTimer:     sp.StyleChange.Draw(rng),
		SeekTimer:            or(e.FoodSeekingTimer, func() float64 { return sp.ResourceSeeking.Draw(rng) }),
	}
	m.CurrentSpeed = or(e.CurrentSpeed, func() float64 { return m.BaseSpeed })
	m.TargetDX = or(e.TargetDX, func() float64 { return e.DX })
	m.TargetDY = or(e.TargetDY, func() float64 { return e.DY })

	m.Style = e.SwimmingStyle
	if !m.Style.Valid() {
		m.Style = RandomStyle(rng)
	}
	m.Attraction = true
	if e.FoodAttraction != nil {
		m.Attraction = *e.FoodAttraction
	}
	return m
}

func or(v float64, fallback func() float64) float64 {
	if v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v
	}
	return fallback()
}

func RandomStyle(rng *rand.Rand) Style {
	return Styles[rng.Intn(len(Styles))]
}

// NewEntity creates a complete record for owner at (x, y) heading in a random
// direction, together with its motion state.
func NewEntity(id, owner, color string, x, y float64, sp tuning.Spawn, rng *rand.Rand) (Entity, Motion) {
	base := sp.BaseSpeed.Draw(rng)
	angle := rng.Float64() * 2 * math.Pi
	dx, dy := math.Cos(angle)*base, math.Sin(angle)*base
	m := Derive(Entity{
		X: x, Y: y, DX: dx, DY: dy,
		BaseSpeed:    base,
		CurrentSpeed: base,
		TargetDX:     dx,
		TargetDY:     dy,
	}, sp, rng)
	e := m.Record(Entity{ID: id, Owner: owner, Color: color})
	return e, m
}

// NewResource places a resource uniformly inside a width x height arena,
// fully in bounds.
func NewResource(id string, width, height, radius float64, rng *rand.Rand) Resource {
	return Resource{
		ID:     id,
		X:      radius + rng.Float64()*math.Max(0, width-2*radius),
		Y:      radius + rng.Float64()*math.Max(0, height-2*radius),
		Radius: radius,
	}
}
