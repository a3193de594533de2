// Package loop runs one PID control loop: it resolves the loop's references,
// runs the PID step and writes the results back to the value store.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/control/pid"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"github.com/mhdr/Monitoring2025-sub014/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

// ErrOwned is returned when a tuning session already owns the loop output.
var ErrOwned = errors.New("loop output is owned by a tuning session")

// Resolver is the subset of the reference resolver the loop needs.
type Resolver interface {
	Resolve(ctx context.Context, ref model.Reference, maxAge time.Duration) (model.Sample, error)
	ResolveBool(ctx context.Context, ref model.Reference, maxAge time.Duration) (bool, error)
	Write(ctx context.Context, ref model.Reference, value float64) error
}

// Owner identifies who writes the loop's output.
type Owner int32

const (
	OwnerEngine Owner = iota
	OwnerSession
)

func (o Owner) String() string {
	if o == OwnerSession {
		return "session"
	}
	return "engine"
}

type Mode string

const (
	ModeUnknown Mode = "unknown"
	ModeAuto    Mode = "auto"
	ModeManual  Mode = "manual"
)

// SwitchFallback decides what an unresolved auto/manual switch means.
type SwitchFallback string

const (
	// SwitchFallbackHold keeps the last known mode; with no known mode the
	// tick is skipped as degraded.
	SwitchFallbackHold SwitchFallback = "hold"
	// SwitchFallbackManual treats the loop as manual.
	SwitchFallbackManual SwitchFallback = "manual"
)

type Outcome string

const (
	OutcomeAuto      Outcome = "auto"
	OutcomeManual    Outcome = "manual"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeSuspended Outcome = "suspended"
	OutcomeHalted    Outcome = "halted"
)

// Result is what one tick produced. Output is meaningful when HasOutput is
// set; it is the value a cascade slave uses as its set point.
type Result struct {
	Outcome   Outcome
	Output    float64
	HasOutput bool
	Reason    string
	Err       error
}

type Options struct {
	MaxInputAge        time.Duration // used when the loop sets none
	SwitchFallback     SwitchFallback
	UnhealthyThreshold int
}

// Loop is the runtime instance of one configured control loop. Its PID state
// is touched only inside Tick, under the hand-off lock.
type Loop struct {
	id       int64
	cfg      atomic.Pointer[model.ControlLoop]
	resolver Resolver
	opts     Options
	logger   *slog.Logger
	health   *Health
	idLabel  string

	// handoff is held for the whole tick and for every ownership change, so
	// the engine and a tuning session never write the output in the same tick.
	handoff    sync.Mutex
	owner      Owner
	resume     bool
	halted     bool
	state      pid.State
	comparator *pid.Comparator
	mode       Mode
	lastTick   time.Time

	published    atomic.Uint64
	hasPublished atomic.Bool

	snapMu sync.RWMutex
	snap   Snapshot
}

func New(cfg model.ControlLoop, resolver Resolver, opts Options, logger *slog.Logger) *Loop {
	if opts.SwitchFallback == "" {
		opts.SwitchFallback = SwitchFallbackHold
	}
	l := &Loop{
		id:       cfg.ID,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With("component", "loop", "loop_id", cfg.ID),
		health:   NewHealth(cfg.ID, opts.UnhealthyThreshold),
		idLabel:  strconv.FormatInt(cfg.ID, 10),
		mode:     ModeUnknown,
	}
	c := cfg
	l.cfg.Store(&c)
	l.snap = Snapshot{LoopID: cfg.ID, Name: cfg.Name, Mode: ModeUnknown, Owner: OwnerEngine.String()}
	return l
}

func (l *Loop) ID() int64 { return l.id }

// Config returns the configuration the next tick will use.
func (l *Loop) Config() model.ControlLoop { return *l.cfg.Load() }

func (l *Loop) Health() *Health { return l.health }

// UpdateConfig swaps in a new configuration. Runtime state is kept so an edit
// does not bump the output.
func (l *Loop) UpdateConfig(cfg model.ControlLoop) {
	c := cfg
	l.cfg.Store(&c)
	if !cfg.Enabled {
		l.health.SetStatus(HealthStatusInactive)
	}
}

// ApplyGains replaces only the gains, keeping everything else of the current
// configuration.
func (l *Loop) ApplyGains(g model.Gains, version int64) {
	for {
		cur := l.cfg.Load()
		next := *cur
		next.Gains = g
		if version > 0 {
			next.Version = version
		}
		if l.cfg.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// AcquireForTuning hands the output to a tuning session. It waits for an
// in-flight tick to finish.
func (l *Loop) AcquireForTuning() error {
	l.handoff.Lock()
	defer l.handoff.Unlock()
	if l.owner == OwnerSession {
		return ErrOwned
	}
	if l.halted {
		return fmt.Errorf("loop %d is halted", l.id)
	}
	l.owner = OwnerSession
	l.health.SetStatus(HealthStatusTuning)
	l.setSnapOwner(OwnerSession)
	return nil
}

// ReleaseFromTuning returns the output to the engine. The next engine tick
// starts from a reset PID state with the session's last output as the slew
// reference.
func (l *Loop) ReleaseFromTuning() {
	l.handoff.Lock()
	defer l.handoff.Unlock()
	if l.owner != OwnerSession {
		return
	}
	l.owner = OwnerEngine
	l.resume = true
	l.health.SetStatus(HealthStatusUnknown)
	l.setSnapOwner(OwnerEngine)
}

func (l *Loop) Owner() Owner {
	l.handoff.Lock()
	defer l.handoff.Unlock()
	return l.owner
}

// Halt stops the loop permanently until it is rebuilt from configuration.
func (l *Loop) Halt(reason string) {
	l.handoff.Lock()
	defer l.handoff.Unlock()
	l.halted = true
	l.health.SetStatus(HealthStatusHalted)
	l.snapMu.Lock()
	l.snap.Halted = true
	l.snap.DegradedReason = reason
	l.snapMu.Unlock()
}

// Publish records an output written on the loop's behalf by its current
// owner. A tuning session calls it for every relay output it writes.
func (l *Loop) Publish(v float64) {
	l.published.Store(math.Float64bits(v))
	l.hasPublished.Store(true)
}

// PublishedOutput returns the last output written to the loop's output
// reference by whoever owned it.
func (l *Loop) PublishedOutput() (float64, bool) {
	if !l.hasPublished.Load() {
		return 0, false
	}
	return math.Float64frombits(l.published.Load()), true
}

// Tick runs one evaluation at now. cascadeSP carries the master's output for
// cascade slaves and is ignored for independent loops.
func (l *Loop) Tick(ctx context.Context, now time.Time, cascadeSP *float64) Result {
	l.handoff.Lock()
	defer l.handoff.Unlock()

	if l.halted {
		return Result{Outcome: OutcomeHalted}
	}
	if l.owner == OwnerSession {
		metrics.LoopTicksTotal.WithLabelValues(l.idLabel, string(OutcomeSuspended)).Inc()
		return Result{Outcome: OutcomeSuspended}
	}

	ctx, span := tracing.Tracer("loop").Start(ctx, "loop.tick",
		otelTrace.WithAttributes(attribute.Int64("loop_id", l.id)),
	)
	defer span.End()

	start := time.Now()
	cfg := l.cfg.Load()
	res := l.tick(ctx, cfg, now, cascadeSP)
	metrics.LoopTicksTotal.WithLabelValues(l.idLabel, string(res.Outcome)).Inc()
	metrics.LoopTickLatency.WithLabelValues(l.idLabel).Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if res.Outcome == OutcomeDegraded {
		tracing.Fail(span, res.Err)
	}
	return res
}

func (l *Loop) tick(ctx context.Context, cfg *model.ControlLoop, now time.Time, cascadeSP *float64) Result {
	if l.resume {
		l.resume = false
		l.state.Reset()
		l.state.PrevOutput, l.state.HasPrevOutput = l.PublishedOutput()
		l.lastTick = time.Time{}
		l.mode = ModeUnknown
	}

	// lastTick only advances on ticks that computed or copied an output, so
	// dt spans the same interval as PrevError and PrevOutput.
	dt := cfg.Interval
	if !l.lastTick.IsZero() && now.After(l.lastTick) {
		dt = now.Sub(l.lastTick)
	}

	maxAge := cfg.MaxInputAge
	if maxAge == 0 {
		maxAge = l.opts.MaxInputAge
	}

	mode, err := l.resolveMode(ctx, cfg, maxAge)
	if err != nil {
		return l.degraded(now, "auto_switch", err)
	}
	if mode == ModeManual {
		return l.manual(ctx, cfg, now, maxAge)
	}

	pv, err := l.resolver.Resolve(ctx, cfg.Input, maxAge)
	if err != nil {
		return l.degraded(now, "input", err)
	}

	var sp float64
	switch {
	case cfg.IsCascadeSlave():
		if cascadeSP == nil {
			return l.degraded(now, "cascade_master", errors.New("master produced no output this pass"))
		}
		if math.IsNaN(*cascadeSP) || math.IsInf(*cascadeSP, 0) {
			return l.degraded(now, "cascade_master", fmt.Errorf("master output %v is not finite", *cascadeSP))
		}
		sp = *cascadeSP
	default:
		s, err := l.resolver.Resolve(ctx, *cfg.SetPoint, maxAge)
		if err != nil {
			return l.degraded(now, "set_point", err)
		}
		sp = s.Value
	}

	reverse := false
	if cfg.ReverseFlag != nil {
		reverse, err = l.resolver.ResolveBool(ctx, *cfg.ReverseFlag, maxAge)
		if err != nil {
			return l.degraded(now, "reverse_flag", err)
		}
	}

	e := sp - pv.Value
	if reverse {
		e = -e
	}

	terms := pid.Step(paramsOf(cfg), &l.state, e, dt.Seconds())
	l.mode = ModeAuto
	l.lastTick = now

	if math.IsNaN(terms.Output) || math.IsInf(terms.Output, 0) {
		l.logger.Error("non-finite output withheld", "output", terms.Output, "error_term", e)
		return Result{Outcome: OutcomeAuto, Output: terms.Output, HasOutput: true}
	}

	l.write(ctx, cfg.Output, terms.Output, "output")
	digital := l.driveDigital(ctx, cfg, terms.Output)

	l.Publish(terms.Output)
	metrics.LoopOutput.WithLabelValues(l.idLabel).Set(terms.Output)
	if l.health.RecordSuccess(now) {
		l.logger.Info("loop recovered")
	}

	l.snapMu.Lock()
	l.snap.fill(cfg, l.owner, ModeAuto, now)
	l.snap.ProcessValue = pv.Value
	l.snap.SetPoint = sp
	l.snap.Reverse = reverse
	l.snap.Terms = termsView(terms)
	l.snap.Output = terms.Output
	l.snap.HasOutput = true
	l.snap.Digital = digital
	l.snap.Degraded = false
	l.snap.DegradedReason = ""
	l.snapMu.Unlock()

	return Result{Outcome: OutcomeAuto, Output: terms.Output, HasOutput: true}
}

// resolveMode evaluates the auto/manual switch. A loop with no switch is
// always automatic.
func (l *Loop) resolveMode(ctx context.Context, cfg *model.ControlLoop, maxAge time.Duration) (Mode, error) {
	if cfg.AutoSwitch == nil {
		return ModeAuto, nil
	}
	auto, err := l.resolver.ResolveBool(ctx, *cfg.AutoSwitch, maxAge)
	if err == nil {
		if auto {
			return ModeAuto, nil
		}
		return ModeManual, nil
	}

	switch l.opts.SwitchFallback {
	case SwitchFallbackManual:
		l.logger.Debug("auto switch unresolved, falling back to manual", "error", err)
		return ModeManual, nil
	default:
		if l.mode == ModeUnknown {
			return ModeUnknown, err
		}
		l.logger.Debug("auto switch unresolved, holding mode", "mode", l.mode, "error", err)
		return l.mode, nil
	}
}

// manual copies the manual value to the output unchanged and clears the PID
// memory so the return to automatic starts without integral or derivative kick.
func (l *Loop) manual(ctx context.Context, cfg *model.ControlLoop, now time.Time, maxAge time.Duration) Result {
	if cfg.ManualValue == nil {
		return l.degraded(now, "manual_value", errors.New("manual mode without manual value reference"))
	}
	mv, err := l.resolver.Resolve(ctx, *cfg.ManualValue, maxAge)
	if err != nil {
		return l.degraded(now, "manual_value", err)
	}

	l.write(ctx, cfg.Output, mv.Value, "output")
	l.state.Reset()
	l.state.PrevOutput = mv.Value
	l.state.HasPrevOutput = true
	l.mode = ModeManual
	l.lastTick = now

	l.Publish(mv.Value)
	metrics.LoopOutput.WithLabelValues(l.idLabel).Set(mv.Value)
	l.health.RecordSuccess(now)

	l.snapMu.Lock()
	l.snap.fill(cfg, l.owner, ModeManual, now)
	l.snap.Terms = TermsView{}
	l.snap.Output = mv.Value
	l.snap.HasOutput = true
	l.snap.Degraded = false
	l.snap.DegradedReason = ""
	l.snapMu.Unlock()

	return Result{Outcome: OutcomeManual, Output: mv.Value, HasOutput: true}
}

func (l *Loop) driveDigital(ctx context.Context, cfg *model.ControlLoop, output float64) *bool {
	if !cfg.HasHysteresis() {
		l.comparator = nil
		return nil
	}
	high, low := *cfg.HysteresisHigh, *cfg.HysteresisLow
	if l.comparator == nil {
		l.comparator = &pid.Comparator{High: high, Low: low}
	}
	l.comparator.High, l.comparator.Low = high, low

	on := l.comparator.Update(output)
	v := 0.0
	if on {
		v = 1
	}
	l.write(ctx, *cfg.DigitalOutput, v, "digital_output")
	return &on
}

// write reports a rejected write without undoing any state: the next tick
// recomputes from the same memory.
func (l *Loop) write(ctx context.Context, ref model.Reference, v float64, target string) {
	if err := l.resolver.Write(ctx, ref, v); err != nil {
		metrics.LoopWriteRejectedTotal.WithLabelValues(l.idLabel, target).Inc()
		l.logger.Warn("loop write rejected", "target", target, "ref", ref.String(), "value", v, "error", err)
	}
}

func (l *Loop) degraded(now time.Time, reason string, err error) Result {
	metrics.LoopDegradedTotal.WithLabelValues(l.idLabel, reason).Inc()
	if l.health.RecordDegraded(now, reason) {
		l.logger.Warn("loop unhealthy: consecutive degraded ticks", "reason", reason, "error", err)
	} else {
		l.logger.Debug("loop tick skipped", "reason", reason, "error", err)
	}

	l.snapMu.Lock()
	l.snap.LastTick = now
	l.snap.Degraded = true
	l.snap.DegradedReason = reason
	l.snap.DegradedTicks++
	l.snapMu.Unlock()

	return Result{Outcome: OutcomeDegraded, Reason: reason, Err: err}
}

func paramsOf(cfg *model.ControlLoop) pid.Params {
	return pid.Params{
		Kp:               cfg.Gains.Kp,
		Ki:               cfg.Gains.Ki,
		Kd:               cfg.Gains.Kd,
		OutputMin:        cfg.OutputMin,
		OutputMax:        cfg.OutputMax,
		DeadZone:         cfg.DeadZone,
		DerivativeFilter: cfg.DerivativeFilter,
		MaxSlewRate:      cfg.MaxSlewRate,
	}
}
