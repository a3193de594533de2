package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLoop() ControlLoop {
	sp := GlobalRef(2)
	return ControlLoop{
		ID:               1,
		Input:            PointRef(1),
		SetPoint:         &sp,
		Output:           PointRef(3),
		Gains:            Gains{Kp: 1, Ki: 0.1, Kd: 0.05},
		OutputMin:        0,
		OutputMax:        100,
		DerivativeFilter: 1,
		Enabled:          true,
		Interval:         time.Second,
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		in      string
		want    Reference
		wantErr bool
	}{
		{in: "point:12", want: PointRef(12)},
		{in: "global_variable:7", want: GlobalRef(7)},
		{in: "gvar:7", want: GlobalRef(7)},
		{in: " P:3 ", want: PointRef(3)},
		{in: "point", wantErr: true},
		{in: "tag:1", wantErr: true},
		{in: "point:0", wantErr: true},
		{in: "point:abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReference(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			roundTrip, err := ParseReference(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, roundTrip)
		})
	}
}

func TestControlLoopValidate_OK(t *testing.T) {
	l := validLoop()
	require.NoError(t, l.Validate())
}

func TestControlLoopValidate_Rejections(t *testing.T) {
	high, low := 80.0, 90.0
	parent := int64(9)
	dout := PointRef(20)

	tests := []struct {
		name   string
		mutate func(*ControlLoop)
		want   string
	}{
		{"negative gain", func(l *ControlLoop) { l.Gains.Ki = -1 }, "gain ki"},
		{"empty bounds", func(l *ControlLoop) { l.OutputMin = 100 }, "output bounds"},
		{"alpha zero", func(l *ControlLoop) { l.DerivativeFilter = 0 }, "derivative_filter"},
		{"alpha above one", func(l *ControlLoop) { l.DerivativeFilter = 1.5 }, "derivative_filter"},
		{"no interval", func(l *ControlLoop) { l.Interval = 0 }, "interval"},
		{"bad input", func(l *ControlLoop) { l.Input = Reference{} }, "input reference"},
		{"independent without set point", func(l *ControlLoop) { l.SetPoint = nil }, "set_point"},
		{"slave without parent", func(l *ControlLoop) { l.CascadeLevel = 1 }, "requires a parent"},
		{"independent with parent", func(l *ControlLoop) { l.ParentID = &parent }, "must not have a parent"},
		{"inverted hysteresis", func(l *ControlLoop) {
			l.HysteresisHigh, l.HysteresisLow, l.DigitalOutput = &high, &low, &dout
		}, "low threshold"},
		{"hysteresis without output", func(l *ControlLoop) {
			l.HysteresisHigh, l.HysteresisLow = &low, &high
		}, "digital_output"},
		{"switch without manual value", func(l *ControlLoop) {
			sw := GlobalRef(5)
			l.AutoSwitch = &sw
		}, "manual_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := validLoop()
			tt.mutate(&l)
			err := l.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestControlLoop_SlaveNeedsNoSetPoint(t *testing.T) {
	l := validLoop()
	parent := int64(2)
	l.SetPoint = nil
	l.CascadeLevel = 1
	l.ParentID = &parent
	require.NoError(t, l.Validate())
	assert.True(t, l.IsCascadeSlave())
}

func TestSameTuningTarget_IgnoresGains(t *testing.T) {
	a := validLoop()
	b := validLoop()
	b.Gains = Gains{Kp: 9}
	assert.True(t, a.SameTuningTarget(&b))

	b.Output = PointRef(99)
	assert.False(t, a.SameTuningTarget(&b))
}

func TestTuningParams_DefaultsAndValidate(t *testing.T) {
	p := TuningParams{RelayAmplitude: 10, MaxAmplitude: 20}.WithDefaults(0)
	assert.Equal(t, DefaultTuningMinCycles, p.MinCycles)
	assert.Equal(t, DefaultTuningMaxCycles, p.MaxCycles)
	assert.Equal(t, DefaultTuningTimeout, p.Timeout)
	assert.Equal(t, TuningRuleZieglerNichols, p.Rule)
	require.NoError(t, p.Validate())

	bad := p
	bad.RelayAmplitude = 0
	bad.Rule = "magic"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay_amplitude")
	assert.Contains(t, err.Error(), "magic")
}

func TestTuningSession_FinishIsOneShot(t *testing.T) {
	s := &TuningSession{Status: SessionStatusRunning}
	now := time.Now()
	require.NoError(t, s.Finish(SessionStatusCancelled, now, "user abort"))
	assert.Equal(t, SessionStatusCancelled, s.Status)
	require.NotNil(t, s.EndedAt)

	require.Error(t, s.Finish(SessionStatusCompleted, now, ""))
	assert.Equal(t, SessionStatusCancelled, s.Status)
}
