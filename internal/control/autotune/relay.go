// Package autotune runs relay-feedback auto-tuning experiments on control
// loops and turns the measured oscillation into PID gains.
package autotune

import (
	"math"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
)

const (
	consistentCV = 0.2
	acceptableCV = 0.5
)

type RelayState int

const (
	RelayRunning RelayState = iota
	RelayCompleted
	RelayFailed
)

// RelayConfig fixes one experiment.
type RelayConfig struct {
	Amplitude    float64
	Hysteresis   float64
	MinCycles    int
	MaxCycles    int
	MaxAmplitude float64
	Timeout      time.Duration
	Rule         model.TuningRule

	Base      float64
	OutputMin float64
	OutputMax float64
	Reverse   bool
}

// Cycle is one full oscillation between two upward zero crossings.
type Cycle struct {
	Period    float64 // seconds
	Amplitude float64 // half peak-to-trough
}

// Estimate is the outcome of a completed experiment.
type Estimate struct {
	UltimatePeriod    float64
	UltimateAmplitude float64
	CriticalGain      float64
	Gains             model.Gains
	Confidence        float64
	Cycles            int
}

// Relay is the pure relay state machine. It is driven by Step and holds no
// references to the process.
type Relay struct {
	cfg   RelayConfig
	start time.Time
	high  bool
	init  bool

	prevErr  float64
	prevAt   time.Time
	hasPrev  bool
	crossAt  time.Time
	crossed  bool
	peak     float64
	trough   float64
	measured int
	cycles   []Cycle

	state    RelayState
	reason   string
	estimate Estimate
}

func NewRelay(cfg RelayConfig, start time.Time) *Relay {
	if math.IsNaN(cfg.Base) || cfg.Base < cfg.OutputMin || cfg.Base > cfg.OutputMax {
		cfg.Base = (cfg.OutputMin + cfg.OutputMax) / 2
	}
	return &Relay{cfg: cfg, start: start}
}

func (r *Relay) State() RelayState  { return r.state }
func (r *Relay) Reason() string     { return r.reason }
func (r *Relay) Estimate() Estimate { return r.estimate }
func (r *Relay) Cycles() int        { return len(r.cycles) }

// Output is the relay output for the current relay position.
func (r *Relay) Output() float64 {
	up := r.high != r.cfg.Reverse
	v := r.cfg.Base - r.cfg.Amplitude
	if up {
		v = r.cfg.Base + r.cfg.Amplitude
	}
	return math.Max(r.cfg.OutputMin, math.Min(r.cfg.OutputMax, v))
}

// CheckTimeout fails the experiment once the timeout has elapsed. It is also
// called on ticks whose inputs could not be resolved.
func (r *Relay) CheckTimeout(now time.Time) bool {
	if r.state != RelayRunning {
		return r.state == RelayFailed
	}
	if r.cfg.Timeout > 0 && now.Sub(r.start) > r.cfg.Timeout {
		r.fail("timeout elapsed before a stable oscillation was measured")
		return true
	}
	return false
}

// Step feeds one sample and returns the output to write.
func (r *Relay) Step(now time.Time, pv, sp float64) float64 {
	if r.state != RelayRunning || r.CheckTimeout(now) {
		return r.Output()
	}

	e := pv - sp
	if math.Abs(e) > r.cfg.MaxAmplitude {
		r.fail("oscillation amplitude exceeded the safety limit")
		return r.Output()
	}

	half := r.cfg.Hysteresis / 2
	switch {
	case pv < sp-half:
		r.high = true
	case pv > sp+half:
		r.high = false
	case !r.init:
		r.high = e <= 0
	}
	r.init = true

	if r.hasPrev && r.prevErr < 0 && e >= 0 {
		at := r.prevAt
		if span := e - r.prevErr; span > 0 {
			frac := -r.prevErr / span
			at = r.prevAt.Add(time.Duration(frac * float64(now.Sub(r.prevAt))))
		}
		r.crossing(at)
	}
	r.peak = math.Max(r.peak, e)
	r.trough = math.Min(r.trough, e)
	r.prevErr, r.prevAt, r.hasPrev = e, now, true
	return r.Output()
}

func (r *Relay) crossing(at time.Time) {
	if r.crossed {
		c := Cycle{Period: at.Sub(r.crossAt).Seconds(), Amplitude: (r.peak - r.trough) / 2}
		r.measured++
		// The first cycle still carries the start-up transient.
		if r.measured > 1 && c.Period > 0 && c.Amplitude > 0 {
			r.cycles = append(r.cycles, c)
			r.evaluate()
		}
	}
	r.crossAt, r.crossed = at, true
	r.peak, r.trough = 0, 0
}

func (r *Relay) evaluate() {
	n := len(r.cycles)
	if n >= r.cfg.MinCycles {
		recent := r.cycles[n-r.cfg.MinCycles:]
		if r.consistent(recent, consistentCV) {
			r.complete(recent)
			return
		}
	}
	if n >= r.cfg.MaxCycles {
		if r.consistent(r.cycles, acceptableCV) {
			r.complete(r.cycles)
			return
		}
		r.fail("oscillation did not settle within the maximum number of cycles")
	}
}

func (r *Relay) consistent(cs []Cycle, limit float64) bool {
	cvP, cvA := spread(cs)
	return cvP <= limit && cvA <= limit
}

func spread(cs []Cycle) (cvPeriod, cvAmplitude float64) {
	periods := make([]float64, len(cs))
	amps := make([]float64, len(cs))
	for i, c := range cs {
		periods[i], amps[i] = c.Period, c.Amplitude
	}
	return cv(periods), cv(amps)
}

func (r *Relay) complete(cs []Cycle) {
	periods := make([]float64, len(cs))
	amps := make([]float64, len(cs))
	for i, c := range cs {
		periods[i], amps[i] = c.Period, c.Amplitude
	}
	pu, a := mean(periods), mean(amps)
	ku := UltimateGain(r.cfg.Amplitude, a)
	gains, err := GainsFor(r.cfg.Rule, ku, pu)
	if err != nil {
		r.fail(err.Error())
		return
	}
	cvP, cvA := spread(cs)
	r.estimate = Estimate{
		UltimatePeriod:    pu,
		UltimateAmplitude: a,
		CriticalGain:      ku,
		Gains:             gains,
		Confidence:        math.Max(0, math.Min(1, 1-math.Max(cvP, cvA))),
		Cycles:            len(r.cycles),
	}
	r.state = RelayCompleted
}

func (r *Relay) fail(reason string) {
	r.state = RelayFailed
	r.reason = reason
}
