// Package physics advances one entity's local motion state by one frame.
// Step is a pure function of the previous state, the arena and the random
// source; it never touches replicated state.
package physics

import (
	"math"
	"math/rand"

	"fishtank.ai/internal/sim/model"
	"fishtank.ai/internal/sim/tuning"
)

// Env is what a frame can see besides the entity itself.
type Env struct {
	Width    float64
	Height   float64
	Resource *model.Resource
}

// Step returns m advanced by one frame.
func Step(m model.Motion, env Env, t tuning.Tuning, rng *rand.Rand) model.Motion {
	prevX, prevY := m.X, m.Y

	m.SwimPhase += m.SwimFrequency
	m.DirectionChangeTimer--
	m.StyleChangeTimer--
	m.SpeedBoostTimer--
	m.SeekTimer--

	if m.StyleChangeTimer <= 0 {
		m.Style = model.RandomStyle(rng)
		m.StyleChangeTimer = t.Timers.StyleChange.Draw(rng)
	}
	if m.SpeedBoostTimer <= 0 {
		m.SpeedBoostTimer = t.Timers.SpeedBoost.Draw(rng)
		if rng.Float64() < t.Timers.SpeedBoostChance {
			m.SpeedVariation = t.Timers.SpeedVariation.Draw(rng)
		}
	}

	boost := 1.0
	if m.Attraction && env.Resource != nil && m.SeekTimer <= 0 {
		boost = attract(&m, *env.Resource, t, rng)
	}

	if m.DirectionChangeTimer <= 0 {
		redirect(&m, t, rng)
		m.DirectionChangeTimer = t.Timers.DirectionChange.Draw(rng)
	}

	m.DX += (m.TargetDX - m.DX) * t.TurnRate
	m.DY += (m.TargetDY - m.DY) * t.TurnRate

	speed := frameSpeed(m, t, rng) * boost
	m.CurrentSpeed = speed

	vx, vy := 0.0, 0.0
	if h := math.Hypot(m.DX, m.DY); h > 0 && !math.IsInf(h, 0) && !math.IsNaN(h) {
		vx, vy = m.DX/h*speed, m.DY/h*speed
	}
	m.DX, m.DY = vx, vy

	// Perpendicular wave on top of the straight path.
	wx, wy := 0.0, 0.0
	if speed > 0 {
		w := math.Sin(m.SwimPhase) * m.SwimAmplitude * t.WaveScale / speed
		wx, wy = -vy*w, vx*w
	}

	nx, ny := prevX+vx+wx, prevY+vy+wy
	if model.Distance(nx, ny, prevX, prevY) > t.MaxJump {
		nx, ny = prevX+vx, prevY+vy
	}
	m.X, m.Y = nx, ny

	bounce(&m, env, t, rng, prevX, prevY)
	return m
}

// attract steers m toward the resource when it is in sensing range and
// returns the speed multiplier for this frame.
func attract(m *model.Motion, r model.Resource, t tuning.Tuning, rng *rand.Rand) float64 {
	d := model.Distance(m.X, m.Y, r.X, r.Y)
	if m.SensingRange <= 0 || d >= m.SensingRange {
		m.SeekTimer = t.Timers.SeekFar.Draw(rng)
		return 1
	}
	strength := math.Max(t.Attraction.MinStrength, 1-d/m.SensingRange)

	toward := math.Atan2(r.Y-m.Y, r.X-m.X)
	heading := math.Atan2(m.TargetDY, m.TargetDX)
	diff := math.Remainder(toward-heading, 2*math.Pi)
	angle := heading + diff*t.Attraction.Blend*strength

	mag := math.Hypot(m.TargetDX, m.TargetDY)
	if mag == 0 {
		mag = m.BaseSpeed
	}
	m.TargetDX, m.TargetDY = math.Cos(angle)*mag, math.Sin(angle)*mag
	m.SeekTimer = t.Timers.SeekNear.Draw(rng)
	return 1 + strength*t.Attraction.SpeedBoost
}

// redirect draws a new target heading: keep, reverse or perturb the current one.
func redirect(m *model.Motion, t tuning.Tuning, rng *rand.Rand) {
	heading := math.Atan2(m.DY, m.DX)
	if m.DX == 0 && m.DY == 0 {
		heading = rng.Float64() * 2 * math.Pi
	}
	switch r := rng.Float64(); {
	case r < t.Direction.Keep:
	case r < t.Direction.Keep+t.Direction.Reverse:
		heading += math.Pi
	default:
		heading += (rng.Float64() - 0.5) * math.Pi * t.Direction.PerturbArc
	}
	m.TargetDX = math.Cos(heading) * m.BaseSpeed
	m.TargetDY = math.Sin(heading) * m.BaseSpeed
}

func frameSpeed(m model.Motion, t tuning.Tuning, rng *rand.Rand) float64 {
	st, ok := t.Styles[string(m.Style)]
	if !ok {
		st = tuning.Style{Multiplier: 1}
	}
	s := m.BaseSpeed * st.Multiplier
	s *= 0.9 + 0.2*math.Sin(m.SwimPhase*1.5)
	s *= 1 + (rng.Float64()-0.5)*st.Variation
	s *= 1 + math.Sin(m.SwimPhase*2)*m.SpeedVariation*0.3
	if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return s
}

// bounce keeps the entity inside [r, size-r] on both axes and points the
// velocity away from any wall it touched.
func bounce(m *model.Motion, env Env, t tuning.Tuning, rng *rand.Rand, prevX, prevY float64) {
	r := t.EntityRadius
	hitX := clamp(&m.X, prevX, r, env.Width-r)
	hitY := clamp(&m.Y, prevY, r, env.Height-r)

	if hitX != 0 {
		m.DX = float64(hitX) * (math.Abs(m.DX)*t.EdgeDamping + rng.Float64()*t.EdgeKick)
		m.TargetDX = float64(hitX) * math.Abs(m.TargetDX)
	}
	if hitY != 0 {
		m.DY = float64(hitY) * (math.Abs(m.DY)*t.EdgeDamping + rng.Float64()*t.EdgeKick)
		m.TargetDY = float64(hitY) * math.Abs(m.TargetDY)
	}
	if hitX != 0 || hitY != 0 {
		m.DirectionChangeTimer = t.Timers.EdgeDirectionChange.Draw(rng)
	}
}

// clamp pins *v into [lo, hi] and reports the direction pointing back inside:
// +1 after hitting lo, -1 after hitting hi, 0 otherwise. A range narrower than
// one entity collapses to its midpoint.
func clamp(v *float64, prev, lo, hi float64) int {
	if hi < lo {
		*v = (lo + hi) / 2
		return 0
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		*v = prev
	}
	if math.IsNaN(*v) {
		*v = lo
	}
	switch {
	case *v < lo:
		*v = lo
		return 1
	case *v > hi:
		*v = hi
		return -1
	}
	return 0
}
