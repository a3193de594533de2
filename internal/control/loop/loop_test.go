package loop

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/reference"
	"github.com/mhdr/Monitoring2025-sub014/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

var (
	refInput   = model.PointRef(1)
	refSP      = model.GlobalRef(2)
	refOutput  = model.PointRef(3)
	refManual  = model.GlobalRef(4)
	refSwitch  = model.GlobalRef(5)
	refReverse = model.GlobalRef(6)
	refDigital = model.PointRef(7)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	clock *testClock
	vs    *memory.ValueStore
	res   *reference.Resolver
}

func newFixture() *fixture {
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	vs := memory.NewValueStore().WithClock(clock.Now)
	vs.Define(refInput, 40)
	vs.Define(refSP, 50)
	vs.Define(refOutput, 0)
	return &fixture{
		clock: clock,
		vs:    vs,
		res:   reference.NewResolver(vs, reference.WithClock(clock.Now)),
	}
}

func (f *fixture) newLoop(cfg model.ControlLoop, opts Options) *Loop {
	return New(cfg, f.res, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (f *fixture) output(t *testing.T) float64 {
	t.Helper()
	v, ok := f.vs.Get(refOutput)
	require.True(t, ok)
	return v
}

func baseLoop() model.ControlLoop {
	sp := refSP
	return model.ControlLoop{
		ID:               10,
		Name:             "reactor temperature",
		Input:            refInput,
		SetPoint:         &sp,
		Output:           refOutput,
		Gains:            model.Gains{Kp: 1.0, Ki: 0.1, Kd: 0.05},
		OutputMin:        0,
		OutputMax:        100,
		DerivativeFilter: 1,
		Enabled:          true,
		Interval:         time.Second,
		Version:          1,
	}
}

func ptr[T any](v T) *T { return &v }

func TestTick_WorkedExample(t *testing.T) {
	f := newFixture()
	l := f.newLoop(baseLoop(), Options{})
	ctx := context.Background()

	res := l.Tick(ctx, f.clock.Now(), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, 11.0, res.Output, eps)
	assert.InDelta(t, 11.0, f.output(t), eps)

	f.vs.Define(refInput, 42)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, 9.7, res.Output, eps)
	assert.InDelta(t, 9.7, f.output(t), eps)

	snap := l.Snapshot()
	assert.Equal(t, ModeAuto, snap.Mode)
	assert.InDelta(t, 42.0, snap.ProcessValue, eps)
	assert.InDelta(t, 50.0, snap.SetPoint, eps)
	assert.InDelta(t, 8.0, snap.Terms.Error, eps)
	assert.InDelta(t, 1.8, snap.Terms.I, eps)
	assert.False(t, snap.Degraded)
	assert.Equal(t, string(HealthStatusHealthy), l.Health().Snapshot().Status)

	out, ok := l.PublishedOutput()
	assert.True(t, ok)
	assert.InDelta(t, 9.7, out, eps)
}

func TestTick_MissingInputSkipsWithoutTouchingState(t *testing.T) {
	f := newFixture()
	l := f.newLoop(baseLoop(), Options{})
	ctx := context.Background()

	require.Equal(t, OutcomeAuto, l.Tick(ctx, f.clock.Now(), nil).Outcome)
	writes := f.vs.Writes(refOutput)

	f.vs.Delete(refInput)
	res := l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "input", res.Reason)
	assert.ErrorIs(t, res.Err, reference.ErrUnresolved)
	assert.Equal(t, writes, f.vs.Writes(refOutput), "degraded tick must not write")
	assert.InDelta(t, 11.0, f.output(t), eps)

	// The integral and derivative memory carry over from the first tick and
	// dt spans both intervals: P=8, I=1+0.1*8*2=2.6, D=0.05*(8-10)/2=-0.05.
	f.vs.Define(refInput, 42)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, 10.55, res.Output, eps)

	snap := l.Snapshot()
	assert.Equal(t, uint64(1), snap.DegradedTicks)
	assert.False(t, snap.Degraded)
}

func TestTick_DtSpansSkippedTicks(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.Gains = model.Gains{Kp: 1, Ki: 0.1}
	l := f.newLoop(cfg, Options{})
	ctx := context.Background()

	require.Equal(t, OutcomeAuto, l.Tick(ctx, f.clock.Now(), nil).Outcome)
	assert.InDelta(t, 1.0, l.Snapshot().Terms.I, eps)

	f.vs.Delete(refInput)
	require.Equal(t, OutcomeDegraded, l.Tick(ctx, f.clock.Advance(time.Second), nil).Outcome)

	f.vs.Define(refInput, 40)
	res := l.Tick(ctx, f.clock.Advance(time.Second), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, 3.0, l.Snapshot().Terms.I, eps, "integral covers the skipped interval")
	assert.InDelta(t, 13.0, res.Output, eps)
}

func TestTick_NonFiniteInputIsDegradedAndRecovers(t *testing.T) {
	f := newFixture()
	l := f.newLoop(baseLoop(), Options{})
	ctx := context.Background()

	require.Equal(t, OutcomeAuto, l.Tick(ctx, f.clock.Now(), nil).Outcome)
	writes := f.vs.Writes(refOutput)

	f.vs.Define(refInput, math.NaN())
	res := l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "input", res.Reason)
	assert.Equal(t, "non_finite", reference.Reason(res.Err))
	assert.Equal(t, writes, f.vs.Writes(refOutput), "no write on a non-finite input")

	f.vs.Define(refSP, math.Inf(1))
	f.vs.Define(refInput, 40)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "set_point", res.Reason)

	f.vs.Define(refSP, 50)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.False(t, math.IsNaN(res.Output))
	assert.False(t, math.IsNaN(f.output(t)))
	assert.InDelta(t, 14.0, res.Output, eps, "P=10, I=1+0.1*10*3")
}

func TestTick_StaleInputIsDegraded(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.MaxInputAge = 5 * time.Second
	l := f.newLoop(cfg, Options{})

	f.vs.Set(refInput, 40, f.clock.Now().Add(-10*time.Second))
	res := l.Tick(context.Background(), f.clock.Now(), nil)

	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "input", res.Reason)
	assert.Equal(t, "stale", reference.Reason(res.Err))
	assert.Equal(t, 0, f.vs.Writes(refOutput))
}

func TestTick_RuntimeMaxAgeAppliesWhenLoopSetsNone(t *testing.T) {
	f := newFixture()
	l := f.newLoop(baseLoop(), Options{MaxInputAge: time.Second})

	f.vs.Set(refSP, 50, f.clock.Now().Add(-time.Minute))
	res := l.Tick(context.Background(), f.clock.Now(), nil)

	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "set_point", res.Reason)
}

func TestTick_ManualModeWritesManualValueUnclamped(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.AutoSwitch = ptr(refSwitch)
	cfg.ManualValue = ptr(refManual)
	f.vs.Define(refSwitch, 0)
	f.vs.Define(refManual, 150)
	l := f.newLoop(cfg, Options{})
	ctx := context.Background()

	res := l.Tick(ctx, f.clock.Now(), nil)
	require.Equal(t, OutcomeManual, res.Outcome)
	assert.InDelta(t, 150.0, f.output(t), eps)

	snap := l.Snapshot()
	assert.Equal(t, ModeManual, snap.Mode)
	assert.Zero(t, snap.Terms.I)

	// Back to automatic: the integral starts from zero and the first
	// derivative is zero, so the output is P + Ki*e*dt only.
	f.vs.Define(refSwitch, 1)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, 11.0, res.Output, eps)
}

func TestTick_ManualModeWithoutManualValueIsDegraded(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.AutoSwitch = ptr(refSwitch)
	cfg.ManualValue = ptr(refManual)
	f.vs.Define(refSwitch, 0)
	l := f.newLoop(cfg, Options{})

	res := l.Tick(context.Background(), f.clock.Now(), nil)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "manual_value", res.Reason)
}

func TestTick_SwitchFallbackHold(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.AutoSwitch = ptr(refSwitch)
	cfg.ManualValue = ptr(refManual)
	f.vs.Define(refManual, 25)
	l := f.newLoop(cfg, Options{SwitchFallback: SwitchFallbackHold})
	ctx := context.Background()

	// No mode known yet: nothing to hold.
	res := l.Tick(ctx, f.clock.Now(), nil)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "auto_switch", res.Reason)

	f.vs.Define(refSwitch, 1)
	require.Equal(t, OutcomeAuto, l.Tick(ctx, f.clock.Advance(time.Second), nil).Outcome)

	f.vs.Delete(refSwitch)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.Equal(t, OutcomeAuto, res.Outcome, "last known mode is held")
}

func TestTick_SwitchFallbackManual(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.AutoSwitch = ptr(refSwitch)
	cfg.ManualValue = ptr(refManual)
	f.vs.Define(refSwitch, 1)
	f.vs.Define(refManual, 25)
	l := f.newLoop(cfg, Options{SwitchFallback: SwitchFallbackManual})
	ctx := context.Background()

	require.Equal(t, OutcomeAuto, l.Tick(ctx, f.clock.Now(), nil).Outcome)

	f.vs.Delete(refSwitch)
	res := l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.Equal(t, OutcomeManual, res.Outcome)
	assert.InDelta(t, 25.0, f.output(t), eps)
}

func TestTick_ReverseFlagNegatesError(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.Gains = model.Gains{Kp: 1}
	cfg.OutputMin, cfg.OutputMax = -100, 100
	cfg.ReverseFlag = ptr(refReverse)
	f.vs.Define(refReverse, 1)
	l := f.newLoop(cfg, Options{})
	ctx := context.Background()

	res := l.Tick(ctx, f.clock.Now(), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, -10.0, res.Output, eps)
	assert.True(t, l.Snapshot().Reverse)

	// The flag is read every tick.
	f.vs.Define(refReverse, 0)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.InDelta(t, 10.0, res.Output, eps)
}

func TestTick_UnresolvedReverseFlagIsDegraded(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.ReverseFlag = ptr(refReverse)
	l := f.newLoop(cfg, Options{})

	res := l.Tick(context.Background(), f.clock.Now(), nil)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "reverse_flag", res.Reason)
}

func TestTick_SlewLimitUsesMeasuredInterval(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.Gains = model.Gains{Kp: 10}
	cfg.MaxSlewRate = 2
	l := f.newLoop(cfg, Options{})
	ctx := context.Background()

	res := l.Tick(ctx, f.clock.Now(), nil)
	assert.InDelta(t, 100.0, res.Output, eps, "no previous output, so no slew limit")

	f.vs.Define(refInput, 48)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.InDelta(t, 98.0, res.Output, eps)
	assert.True(t, l.Snapshot().Terms.SlewLimited)

	res = l.Tick(ctx, f.clock.Advance(3*time.Second), nil)
	assert.InDelta(t, 92.0, res.Output, eps)
}

func TestTick_HysteresisDrivesDigitalOutput(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.Gains = model.Gains{Kp: 1}
	cfg.HysteresisHigh = ptr(60.0)
	cfg.HysteresisLow = ptr(40.0)
	cfg.DigitalOutput = ptr(refDigital)
	f.vs.Define(refDigital, 0)
	f.vs.Define(refSP, 110)
	l := f.newLoop(cfg, Options{})
	ctx := context.Background()

	digital := func() float64 {
		v, ok := f.vs.Get(refDigital)
		require.True(t, ok)
		return v
	}

	l.Tick(ctx, f.clock.Now(), nil) // output 70
	assert.Equal(t, 1.0, digital())

	f.vs.Define(refSP, 90) // output 50, inside the band
	l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.Equal(t, 1.0, digital())
	require.NotNil(t, l.Snapshot().Digital)
	assert.True(t, *l.Snapshot().Digital)

	f.vs.Define(refSP, 70) // output 30
	l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.Equal(t, 0.0, digital())
}

func TestTick_WriteRejectedKeepsState(t *testing.T) {
	f := newFixture()
	f.vs.Delete(refOutput)
	l := f.newLoop(baseLoop(), Options{})
	ctx := context.Background()

	res := l.Tick(ctx, f.clock.Now(), nil)
	assert.Equal(t, OutcomeAuto, res.Outcome, "a rejected write does not degrade the tick")
	assert.InDelta(t, 11.0, res.Output, eps)

	f.vs.Define(refInput, 42)
	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	assert.InDelta(t, 9.7, res.Output, eps, "state advanced despite the rejection")
	_, ok := f.vs.Get(refOutput)
	assert.False(t, ok)
}

func TestTick_CascadeSlaveUsesMasterOutput(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.SetPoint = nil
	cfg.CascadeLevel = 1
	cfg.ParentID = ptr(int64(9))
	l := f.newLoop(cfg, Options{})
	ctx := context.Background()

	res := l.Tick(ctx, f.clock.Now(), nil)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "cascade_master", res.Reason)

	res = l.Tick(ctx, f.clock.Advance(time.Second), ptr(50.0))
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, 11.0, res.Output, eps)
	assert.InDelta(t, 50.0, l.Snapshot().SetPoint, eps)
}

func TestTick_NonFiniteMasterOutputIsNotWritten(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.SetPoint = nil
	cfg.CascadeLevel = 1
	cfg.ParentID = ptr(int64(9))
	l := f.newLoop(cfg, Options{})

	res := l.Tick(context.Background(), f.clock.Now(), ptr(math.NaN()))
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "cascade_master", res.Reason)
	assert.Equal(t, 0, f.vs.Writes(refOutput))
}

func TestOwnership_SessionSuspendsEngine(t *testing.T) {
	f := newFixture()
	cfg := baseLoop()
	cfg.Gains = model.Gains{Kp: 1}
	cfg.MaxSlewRate = 5
	l := f.newLoop(cfg, Options{})
	ctx := context.Background()

	require.NoError(t, l.AcquireForTuning())
	assert.ErrorIs(t, l.AcquireForTuning(), ErrOwned)
	assert.Equal(t, OwnerSession, l.Owner())
	assert.Equal(t, string(HealthStatusTuning), l.Health().Snapshot().Status)

	res := l.Tick(ctx, f.clock.Now(), nil)
	assert.Equal(t, OutcomeSuspended, res.Outcome)
	assert.Equal(t, 0, f.vs.Writes(refOutput))

	// The session wrote 70 last; the engine resumes slewing from there.
	l.Publish(70)
	l.ReleaseFromTuning()
	assert.Equal(t, OwnerEngine, l.Owner())

	res = l.Tick(ctx, f.clock.Advance(time.Second), nil)
	require.Equal(t, OutcomeAuto, res.Outcome)
	assert.InDelta(t, 65.0, res.Output, eps)
}

func TestHalt_StopsTicksAndTuning(t *testing.T) {
	f := newFixture()
	l := f.newLoop(baseLoop(), Options{})

	l.Halt("panic in tick")
	assert.Equal(t, OutcomeHalted, l.Tick(context.Background(), f.clock.Now(), nil).Outcome)
	assert.Error(t, l.AcquireForTuning())
	assert.True(t, l.Snapshot().Halted)
	assert.Equal(t, string(HealthStatusHalted), l.Health().Snapshot().Status)
}

func TestApplyGains_KeepsRuntimeState(t *testing.T) {
	f := newFixture()
	l := f.newLoop(baseLoop(), Options{})
	ctx := context.Background()

	l.Tick(ctx, f.clock.Now(), nil) // integral 1.0
	l.ApplyGains(model.Gains{Kp: 2, Ki: 0.1, Kd: 0}, 7)
	assert.Equal(t, int64(7), l.Config().Version)
	assert.Equal(t, "reactor temperature", l.Config().Name)

	res := l.Tick(ctx, f.clock.Advance(time.Second), nil)
	// P = 20, integral 1.0 + 1.0
	assert.InDelta(t, 22.0, res.Output, eps)
	assert.Equal(t, 2.0, l.Snapshot().Gains.Kp)
}

func TestUpdateConfig_DisabledMarksInactive(t *testing.T) {
	f := newFixture()
	l := f.newLoop(baseLoop(), Options{})
	cfg := baseLoop()
	cfg.Enabled = false
	l.UpdateConfig(cfg)
	assert.Equal(t, string(HealthStatusInactive), l.Health().Snapshot().Status)
	assert.False(t, l.Snapshot().Enabled)
}
