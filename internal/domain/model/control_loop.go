package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Gains holds the proportional, integral and derivative coefficients of a loop.
type Gains struct {
	Kp float64 `json:"kp" yaml:"kp"`
	Ki float64 `json:"ki" yaml:"ki"`
	Kd float64 `json:"kd" yaml:"kd"`
}

func (g Gains) Validate() error {
	for name, v := range map[string]float64{"kp": g.Kp, "ki": g.Ki, "kd": g.Kd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("gain %s must be finite", name)
		}
		if v < 0 {
			return fmt.Errorf("gain %s must be non-negative", name)
		}
	}
	return nil
}

// ControlLoop is the configuration record of one PID loop. Runtime state lives
// in the loop engine and is never part of this record.
type ControlLoop struct {
	ID   int64
	Name string

	Input    Reference
	SetPoint *Reference // ignored for cascade slaves
	Output   Reference

	ManualValue   *Reference
	AutoSwitch    *Reference
	ReverseFlag   *Reference
	DigitalOutput *Reference

	Gains Gains

	OutputMin        float64
	OutputMax        float64
	DeadZone         float64
	DerivativeFilter float64 // alpha in (0,1]; 1 disables filtering
	MaxSlewRate      float64 // units per second, 0 = unlimited

	HysteresisHigh *float64
	HysteresisLow  *float64

	CascadeLevel int
	ParentID     *int64

	Enabled     bool
	Interval    time.Duration
	MaxInputAge time.Duration // 0 = runtime default

	Version   int64
	UpdatedAt time.Time
}

// IsCascadeSlave reports whether the loop takes its set point from a master.
func (l *ControlLoop) IsCascadeSlave() bool {
	return l.CascadeLevel > 0
}

// HasHysteresis reports whether the bang-bang digital output is configured.
func (l *ControlLoop) HasHysteresis() bool {
	return l.HysteresisHigh != nil && l.HysteresisLow != nil && l.DigitalOutput != nil
}

// Validate checks the static configuration of a single loop. Cross-loop rules
// (parent existence, levels, cycles) belong to the cascade planner.
func (l *ControlLoop) Validate() error {
	var errs []error

	if l.ID <= 0 {
		errs = append(errs, errors.New("id must be positive"))
	}
	if !l.Input.Valid() {
		errs = append(errs, fmt.Errorf("input reference %s is invalid", l.Input))
	}
	if !l.Output.Valid() {
		errs = append(errs, fmt.Errorf("output reference %s is invalid", l.Output))
	}
	for name, ref := range map[string]*Reference{
		"set_point":      l.SetPoint,
		"manual_value":   l.ManualValue,
		"auto_switch":    l.AutoSwitch,
		"reverse_flag":   l.ReverseFlag,
		"digital_output": l.DigitalOutput,
	} {
		if ref != nil && !ref.Valid() {
			errs = append(errs, fmt.Errorf("%s reference %s is invalid", name, ref))
		}
	}
	if l.AutoSwitch != nil && l.ManualValue == nil {
		errs = append(errs, errors.New("auto_switch requires a manual_value reference"))
	}
	if err := l.Gains.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !(l.OutputMin < l.OutputMax) {
		errs = append(errs, fmt.Errorf("output bounds [%g, %g] are empty", l.OutputMin, l.OutputMax))
	}
	if l.DeadZone < 0 {
		errs = append(errs, errors.New("dead_zone must be non-negative"))
	}
	if !(l.DerivativeFilter > 0 && l.DerivativeFilter <= 1) {
		errs = append(errs, fmt.Errorf("derivative_filter %g must be in (0,1]", l.DerivativeFilter))
	}
	if l.MaxSlewRate < 0 {
		errs = append(errs, errors.New("max_slew_rate must be non-negative"))
	}
	if (l.HysteresisHigh == nil) != (l.HysteresisLow == nil) {
		errs = append(errs, errors.New("hysteresis needs both high and low thresholds"))
	}
	if l.HysteresisHigh != nil && l.HysteresisLow != nil {
		if *l.HysteresisLow > *l.HysteresisHigh {
			errs = append(errs, errors.New("hysteresis low threshold exceeds high threshold"))
		}
		if l.DigitalOutput == nil {
			errs = append(errs, errors.New("hysteresis requires a digital_output reference"))
		}
	}
	if l.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if l.MaxInputAge < 0 {
		errs = append(errs, errors.New("max_input_age must be non-negative"))
	}
	switch {
	case l.CascadeLevel < 0:
		errs = append(errs, errors.New("cascade_level must be non-negative"))
	case l.CascadeLevel == 0 && l.ParentID != nil:
		errs = append(errs, errors.New("independent loop must not have a parent"))
	case l.CascadeLevel == 0 && l.SetPoint == nil:
		errs = append(errs, errors.New("set_point reference is required"))
	case l.CascadeLevel > 0 && l.ParentID == nil:
		errs = append(errs, fmt.Errorf("cascade level %d requires a parent loop", l.CascadeLevel))
	}
	if l.ParentID != nil && *l.ParentID == l.ID {
		errs = append(errs, errors.New("loop cannot be its own parent"))
	}

	return errors.Join(errs...)
}

// SameTuningTarget reports whether two configurations are equivalent from the
// point of view of a running tuning session. Gains are not compared.
func (l *ControlLoop) SameTuningTarget(o *ControlLoop) bool {
	return l.Input == o.Input &&
		refEqual(l.SetPoint, o.SetPoint) &&
		l.Output == o.Output &&
		refEqual(l.ReverseFlag, o.ReverseFlag) &&
		l.OutputMin == o.OutputMin &&
		l.OutputMax == o.OutputMax &&
		l.CascadeLevel == o.CascadeLevel &&
		int64PtrEqual(l.ParentID, o.ParentID) &&
		l.Enabled == o.Enabled &&
		l.Interval == o.Interval
}

func refEqual(a, b *Reference) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
