// Package pid implements the per-tick PID computation. It is pure: all state
// lives in State, which the owning loop keeps between ticks.
package pid

import "math"

// Params is the tick-invariant part of a loop configuration.
type Params struct {
	Kp, Ki, Kd       float64
	OutputMin        float64
	OutputMax        float64
	DeadZone         float64
	DerivativeFilter float64 // alpha in (0,1]
	MaxSlewRate      float64 // units per second, 0 = unlimited
}

// State is the runtime memory of one loop.
type State struct {
	// Integral holds the accumulated Ki*error*dt, so a gain change does not
	// rescale history.
	Integral      float64
	PrevError     float64
	FilteredDeriv float64
	PrevOutput    float64

	HasPrevError  bool
	HasPrevOutput bool
}

// Reset clears the integral and derivative memory. The previous output is
// kept so slew limiting stays continuous across the reset.
func (s *State) Reset() {
	s.Integral = 0
	s.PrevError = 0
	s.FilteredDeriv = 0
	s.HasPrevError = false
}

// Terms describes how one tick's output was produced.
type Terms struct {
	Error       float64
	P, I, D     float64
	Raw         float64 // P+I+D before clamping
	Output      float64
	InDeadZone  bool
	Saturated   bool
	SlewLimited bool
}

// Step advances the controller by dt seconds for the given error and returns
// the resulting output. dt must be positive.
func Step(p Params, s *State, err, dt float64) Terms {
	t := Terms{Error: err}

	effective := err
	if math.Abs(err) < p.DeadZone {
		effective = 0
		t.InDeadZone = true
	}

	t.P = p.Kp * effective

	if !t.InDeadZone {
		s.Integral = integrate(p, s.Integral, t.P, p.Ki*err*dt)
	}
	t.I = s.Integral

	raw := 0.0
	if s.HasPrevError {
		raw = (effective - s.PrevError) / dt
	}
	alpha := p.DerivativeFilter
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	s.FilteredDeriv = alpha*raw + (1-alpha)*s.FilteredDeriv
	t.D = p.Kd * s.FilteredDeriv

	t.Raw = t.P + t.I + t.D
	out := clamp(t.Raw, p.OutputMin, p.OutputMax)
	t.Saturated = out != t.Raw

	if p.MaxSlewRate > 0 && s.HasPrevOutput {
		limit := p.MaxSlewRate * dt
		limited := clamp(out, s.PrevOutput-limit, s.PrevOutput+limit)
		t.SlewLimited = limited != out
		out = limited
	}
	t.Output = out

	s.PrevError = effective
	s.HasPrevError = true
	s.PrevOutput = out
	s.HasPrevOutput = true
	return t
}

// integrate applies conditional anti-windup: the accumulator may move toward
// saturation only until P+I reaches the bound, and is never pulled back by
// the clamp itself.
func integrate(p Params, acc, pTerm, inc float64) float64 {
	candidate := acc + inc
	switch {
	case inc > 0:
		return math.Min(candidate, math.Max(acc, p.OutputMax-pTerm))
	case inc < 0:
		return math.Max(candidate, math.Min(acc, p.OutputMin-pTerm))
	default:
		return acc
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Comparator is a bang-bang switch with hysteresis: on above High, off below
// Low, unchanged in between.
type Comparator struct {
	High, Low float64
	On        bool
}

// Update feeds v into the comparator and returns the new state.
func (c *Comparator) Update(v float64) bool {
	switch {
	case v > c.High:
		c.On = true
	case v < c.Low:
		c.On = false
	}
	return c.On
}
