package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "RUNNING"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// TuningRule selects the closed-loop formula that maps Ku/Pu to PID gains.
type TuningRule string

const (
	TuningRuleZieglerNichols TuningRule = "ziegler_nichols"
	TuningRuleTyreusLuyben   TuningRule = "tyreus_luyben"
	TuningRuleSomeOvershoot  TuningRule = "some_overshoot"
	TuningRuleNoOvershoot    TuningRule = "no_overshoot"
)

func (r TuningRule) Valid() bool {
	switch r {
	case TuningRuleZieglerNichols, TuningRuleTyreusLuyben, TuningRuleSomeOvershoot, TuningRuleNoOvershoot:
		return true
	}
	return false
}

const (
	DefaultTuningMinCycles = 3
	DefaultTuningMaxCycles = 10
	DefaultTuningTimeout   = 30 * time.Minute
)

// TuningParams are the operator-supplied relay experiment parameters.
type TuningParams struct {
	RelayAmplitude  float64       `json:"relay_amplitude"`
	RelayHysteresis float64       `json:"relay_hysteresis"`
	MinCycles       int           `json:"min_cycles"`
	MaxCycles       int           `json:"max_cycles"`
	MaxAmplitude    float64       `json:"max_amplitude"`
	Timeout         time.Duration `json:"timeout"`
	Interval        time.Duration `json:"interval"` // 0 = target loop interval
	Rule            TuningRule    `json:"rule"`
}

// WithDefaults fills zero-valued optional fields.
func (p TuningParams) WithDefaults(defaultTimeout time.Duration) TuningParams {
	if p.MinCycles == 0 {
		p.MinCycles = DefaultTuningMinCycles
	}
	if p.MaxCycles == 0 {
		p.MaxCycles = max(DefaultTuningMaxCycles, p.MinCycles)
	}
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
		if p.Timeout <= 0 {
			p.Timeout = DefaultTuningTimeout
		}
	}
	if p.Rule == "" {
		p.Rule = TuningRuleZieglerNichols
	}
	return p
}

func (p TuningParams) Validate() error {
	var errs []error
	if !(p.RelayAmplitude > 0) {
		errs = append(errs, errors.New("relay_amplitude must be positive"))
	}
	if p.RelayHysteresis < 0 {
		errs = append(errs, errors.New("relay_hysteresis must be non-negative"))
	}
	if p.MinCycles < 2 {
		errs = append(errs, errors.New("min_cycles must be at least 2"))
	}
	if p.MaxCycles < p.MinCycles {
		errs = append(errs, fmt.Errorf("max_cycles %d is below min_cycles %d", p.MaxCycles, p.MinCycles))
	}
	if !(p.MaxAmplitude > 0) {
		errs = append(errs, errors.New("max_amplitude must be positive"))
	}
	if p.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if p.Interval < 0 {
		errs = append(errs, errors.New("interval must be non-negative"))
	}
	if !p.Rule.Valid() {
		errs = append(errs, fmt.Errorf("unknown tuning rule %q", p.Rule))
	}
	return errors.Join(errs...)
}

// TuningSession is the persisted record of one relay auto-tuning run.
type TuningSession struct {
	ID        uuid.UUID
	LoopID    int64
	Status    SessionStatus
	StartedAt time.Time
	EndedAt   *time.Time

	Params TuningParams

	UltimatePeriod    float64 // seconds
	UltimateAmplitude float64
	CriticalGain      float64
	ComputedGains     *Gains
	OriginalGains     Gains
	Confidence        float64
	Cycles            int

	// Applied is true while the computed gains are the loop's live gains.
	Applied bool
	Notes   string
}

// Finish moves a running session into a terminal state. Terminal sessions
// are immutable, so a second call returns an error.
func (s *TuningSession) Finish(status SessionStatus, at time.Time, notes string) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session %s already %s", s.ID, s.Status)
	}
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	s.Status = status
	s.EndedAt = &at
	s.Notes = notes
	return nil
}
