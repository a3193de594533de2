package autotune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/loop"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"github.com/mhdr/Monitoring2025-sub014/internal/retry"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
	"github.com/mhdr/Monitoring2025-sub014/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionConflict   = errors.New("a tuning session is already running for this loop")
	ErrSessionNotFound   = errors.New("tuning session not found")
	ErrSessionNotRunning = errors.New("tuning session is not running")
	ErrLoopNotFound      = errors.New("loop not found")
	ErrLoopDisabled      = errors.New("loop is disabled")
	ErrInvalidParams     = errors.New("invalid tuning parameters")
	ErrNothingToRollback = errors.New("session has no applied gains to roll back")
	ErrTargetUnresolved  = errors.New("tuning target references could not be resolved")
	errManagerStopped    = fmt.Errorf("tuning manager stopped: %w", context.Canceled)
)

const (
	noteCompleted = "oscillation measured"
	noteCancelled = "cancelled by operator"
	noteShutdown  = "interrupted by shutdown"
	noteRestart   = "interrupted by restart"
)

// Loops looks up running loops by id.
type Loops interface {
	Lookup(id int64) (*loop.Loop, bool)
}

type Config struct {
	DefaultTimeout time.Duration
	MaxInputAge    time.Duration
	Persist        retry.Policy
}

type session struct {
	mu     sync.Mutex
	rec    model.TuningSession
	target model.ControlLoop
	relay  *Relay
	loop   *loop.Loop
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the lifecycle of tuning sessions. At most one session runs per
// loop; while it runs, the session and not the engine writes the loop output.
type Manager struct {
	cfg      Config
	resolver loop.Resolver
	loops    Loops
	sessions store.TuningSessionRepository
	loopRepo store.LoopRepository
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[int64]*session
	byID   map[uuid.UUID]*session
	// busy holds loops with a Start or Rollback in flight.
	busy   map[int64]struct{}
	closed bool

	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	tickless bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// withoutTicker leaves session stepping to the caller.
func withoutTicker() Option {
	return func(m *Manager) { m.tickless = true }
}

func NewManager(
	cfg Config,
	resolver loop.Resolver,
	loops Loops,
	sessions store.TuningSessionRepository,
	loopRepo store.LoopRepository,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = model.DefaultTuningTimeout
	}
	if cfg.Persist.Attempts == 0 {
		cfg.Persist = retry.DefaultPolicy
	}
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		resolver: resolver,
		loops:    loops,
		sessions: sessions,
		loopRepo: loopRepo,
		logger:   logger.With("component", "autotune"),
		now:      time.Now,
		active:   make(map[int64]*session),
		byID:     make(map[uuid.UUID]*session),
		busy:     make(map[int64]struct{}),
		baseCtx:  ctx,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recover fails sessions left running by a previous process. Their
// oscillation history is gone, so they are never resumed.
func (m *Manager) Recover(ctx context.Context) error {
	var n int64
	err := retry.Do(ctx, m.cfg.Persist, func(ctx context.Context) error {
		var err error
		n, err = m.sessions.FailInterrupted(ctx, noteRestart, m.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("recover tuning sessions: %w", err)
	}
	if n > 0 {
		m.logger.Warn("failed sessions interrupted by restart", "count", n)
	}
	return nil
}

// Run blocks until ctx is done, then fails every running session and waits
// for their tasks to exit.
func (m *Manager) Run(ctx context.Context) error {
	<-ctx.Done()

	m.mu.Lock()
	m.closed = true
	running := make([]*session, 0, len(m.active))
	for _, s := range m.active {
		running = append(running, s)
	}
	m.mu.Unlock()

	for _, s := range running {
		m.finish(s, model.SessionStatusFailed, noteShutdown)
	}
	m.stop()
	m.wg.Wait()
	return nil
}

// Start begins a session on loopID. Conflicts are rejected immediately.
func (m *Manager) Start(ctx context.Context, loopID int64, params model.TuningParams) (*model.TuningSession, error) {
	params = params.WithDefaults(m.cfg.DefaultTimeout)
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	l, ok := m.loops.Lookup(loopID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLoopNotFound, loopID)
	}
	cfg := l.Config()
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %d", ErrLoopDisabled, loopID)
	}

	if err := m.reserve(loopID); err != nil {
		return nil, err
	}
	defer m.unreserve(loopID)

	reverse := false
	if cfg.ReverseFlag != nil {
		r, err := m.resolver.ResolveBool(ctx, *cfg.ReverseFlag, m.cfg.MaxInputAge)
		if err != nil {
			return nil, fmt.Errorf("%w: reverse flag: %w", ErrTargetUnresolved, err)
		}
		reverse = r
	}

	if err := l.AcquireForTuning(); err != nil {
		if errors.Is(err, loop.ErrOwned) {
			metrics.TuningConflicts.Inc()
			return nil, fmt.Errorf("%w: loop %d", ErrSessionConflict, loopID)
		}
		return nil, err
	}

	base, ok := l.PublishedOutput()
	if !ok {
		base = math.NaN()
	}
	now := m.now()
	s := &session{
		rec: model.TuningSession{
			ID:            uuid.New(),
			LoopID:        loopID,
			Status:        model.SessionStatusRunning,
			StartedAt:     now,
			Params:        params,
			OriginalGains: cfg.Gains,
		},
		target: cfg,
		loop:   l,
		relay: NewRelay(RelayConfig{
			Amplitude:    params.RelayAmplitude,
			Hysteresis:   params.RelayHysteresis,
			MinCycles:    params.MinCycles,
			MaxCycles:    params.MaxCycles,
			MaxAmplitude: params.MaxAmplitude,
			Timeout:      params.Timeout,
			Rule:         params.Rule,
			Base:         base,
			OutputMin:    cfg.OutputMin,
			OutputMax:    cfg.OutputMax,
			Reverse:      reverse,
		}, now),
		done: make(chan struct{}),
	}

	if err := m.sessions.Create(ctx, &s.rec); err != nil {
		l.ReleaseFromTuning()
		return nil, fmt.Errorf("create tuning session: %w", err)
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	s.cancel = cancel

	m.mu.Lock()
	closed := m.closed
	m.active[loopID] = s
	m.byID[s.rec.ID] = s
	m.mu.Unlock()
	metrics.TuningSessionsStarted.Inc()
	metrics.TuningSessionsActive.Inc()

	if closed {
		close(s.done)
		m.finish(s, model.SessionStatusFailed, noteShutdown)
		return nil, errManagerStopped
	}
	if m.tickless {
		close(s.done)
	} else {
		interval := params.Interval
		if interval <= 0 {
			interval = cfg.Interval
		}
		m.wg.Add(1)
		go m.run(runCtx, s, interval)
	}

	m.logger.Info("tuning session started",
		"session_id", s.rec.ID, "loop_id", loopID,
		"relay_amplitude", params.RelayAmplitude, "rule", params.Rule,
	)
	rec := s.rec
	return &rec, nil
}

// reserve claims loopID for a Start or Rollback. The claim fails while a
// session runs on the loop or another claim is held.
func (m *Manager) reserve(loopID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errManagerStopped
	}
	_, running := m.active[loopID]
	_, claimed := m.busy[loopID]
	if running || claimed {
		metrics.TuningConflicts.Inc()
		return fmt.Errorf("%w: loop %d", ErrSessionConflict, loopID)
	}
	m.busy[loopID] = struct{}{}
	return nil
}

func (m *Manager) unreserve(loopID int64) {
	m.mu.Lock()
	delete(m.busy, loopID)
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, s *session, interval time.Duration) {
	defer m.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.step(ctx, s, m.now()) {
				return
			}
		}
	}
}

// step runs one relay evaluation. It returns false once the session is over.
func (m *Manager) step(ctx context.Context, s *session, now time.Time) bool {
	s.mu.Lock()
	if s.rec.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	ctx, span := tracing.Tracer("autotune").Start(ctx, "autotune.step",
		otelTrace.WithAttributes(
			attribute.Int64("loop_id", s.rec.LoopID),
			attribute.String("session_id", s.rec.ID.String()),
		),
	)
	defer span.End()

	pv, sp, err := m.measure(ctx, s)
	if err != nil {
		timedOut := s.relay.CheckTimeout(now)
		s.mu.Unlock()
		m.logger.Debug("tuning step skipped", "session_id", s.rec.ID, "error", err)
		if timedOut {
			m.finish(s, model.SessionStatusFailed, s.relay.Reason())
			return false
		}
		return true
	}

	out := s.relay.Step(now, pv, sp)
	state := s.relay.State()
	s.rec.Cycles = s.relay.Cycles()
	if state == RelayRunning {
		if err := m.resolver.Write(ctx, s.target.Output, out); err != nil {
			m.logger.Warn("relay output write rejected", "session_id", s.rec.ID, "error", err)
		}
		s.loop.Publish(out)
	}
	s.mu.Unlock()

	switch state {
	case RelayCompleted:
		m.finish(s, model.SessionStatusCompleted, noteCompleted)
		return false
	case RelayFailed:
		tracing.Fail(span, errors.New(s.relay.Reason()))
		m.finish(s, model.SessionStatusFailed, s.relay.Reason())
		return false
	}
	return true
}

func (m *Manager) measure(ctx context.Context, s *session) (pv, sp float64, err error) {
	in, err := m.resolver.Resolve(ctx, s.target.Input, m.cfg.MaxInputAge)
	if err != nil {
		return 0, 0, err
	}
	if s.target.IsCascadeSlave() {
		master, ok := m.loops.Lookup(*s.target.ParentID)
		if !ok {
			return 0, 0, fmt.Errorf("master loop %d is gone", *s.target.ParentID)
		}
		v, ok := master.PublishedOutput()
		if !ok {
			return 0, 0, errors.New("master produced no output yet")
		}
		return in.Value, v, nil
	}
	set, err := m.resolver.Resolve(ctx, *s.target.SetPoint, m.cfg.MaxInputAge)
	if err != nil {
		return 0, 0, err
	}
	return in.Value, set.Value, nil
}

// finish moves s into a terminal state exactly once, persists the record and
// hands the loop back to the engine. Only a completed session changes gains.
func (m *Manager) finish(s *session, status model.SessionStatus, notes string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Status.Terminal() {
		return false
	}
	ctx := context.Background()
	now := m.now()

	if status == model.SessionStatusCompleted {
		est := s.relay.Estimate()
		gains := est.Gains
		s.rec.UltimatePeriod = est.UltimatePeriod
		s.rec.UltimateAmplitude = est.UltimateAmplitude
		s.rec.CriticalGain = est.CriticalGain
		s.rec.Confidence = est.Confidence
		s.rec.ComputedGains = &gains
		s.rec.Cycles = est.Cycles

		var version int64
		err := retry.Do(ctx, m.cfg.Persist, func(ctx context.Context) error {
			var err error
			version, err = m.loopRepo.UpdateGains(ctx, s.rec.LoopID, gains)
			return err
		})
		if err != nil {
			status = model.SessionStatusFailed
			notes = fmt.Sprintf("computed gains could not be stored: %v", err)
		} else {
			s.loop.ApplyGains(gains, version)
			s.rec.Applied = true
		}
	}

	if err := s.rec.Finish(status, now, notes); err != nil {
		m.logger.Error("finish tuning session", "session_id", s.rec.ID, "error", err)
		return false
	}
	rec := s.rec
	if err := retry.Do(ctx, m.cfg.Persist, func(ctx context.Context) error {
		return m.sessions.Update(ctx, &rec)
	}); err != nil {
		m.logger.Error("persist tuning session", "session_id", rec.ID, "status", rec.Status, "error", err)
	}

	s.loop.ReleaseFromTuning()
	if s.cancel != nil {
		s.cancel()
	}

	m.mu.Lock()
	if m.active[rec.LoopID] == s {
		delete(m.active, rec.LoopID)
	}
	delete(m.byID, rec.ID)
	m.mu.Unlock()

	metrics.TuningSessionsFinished.WithLabelValues(string(status)).Inc()
	metrics.TuningSessionsActive.Dec()

	attrs := []any{"session_id", rec.ID, "loop_id", rec.LoopID, "status", rec.Status, "notes", rec.Notes}
	if rec.Status == model.SessionStatusCompleted {
		attrs = append(attrs, "ku", rec.CriticalGain, "pu_sec", rec.UltimatePeriod,
			"kp", rec.ComputedGains.Kp, "ki", rec.ComputedGains.Ki, "kd", rec.ComputedGains.Kd,
			"confidence", rec.Confidence)
	}
	m.logger.Info("tuning session finished", attrs...)
	return true
}

// Cancel aborts a running session. The loop's gains are left as they were
// before the session started and the engine owns the output on return.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*model.TuningSession, error) {
	m.mu.Lock()
	s, ok := m.byID[id]
	m.mu.Unlock()

	if !ok {
		rec, err := m.sessions.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get tuning session: %w", err)
		}
		if rec == nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: status %s", ErrSessionNotRunning, rec.Status)
	}

	if !m.finish(s, model.SessionStatusCancelled, noteCancelled) {
		return nil, ErrSessionNotRunning
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	return &rec, nil
}

// TargetChanged fails the session running on loopID, if any, because its
// target was deleted, disabled or reconfigured.
func (m *Manager) TargetChanged(loopID int64, reason string) {
	m.mu.Lock()
	s, ok := m.active[loopID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.finish(s, model.SessionStatusFailed, fmt.Sprintf("target loop %d %s", loopID, reason))
}

// Rollback restores the gains a completed session replaced. The session's
// status and measured results are kept; only Applied and Notes change. It is
// rejected while another session runs on the same loop, since that session
// recorded the current gains as its originals.
func (m *Manager) Rollback(ctx context.Context, id uuid.UUID) (*model.TuningSession, error) {
	rec, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get tuning session: %w", err)
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	if rec.Status != model.SessionStatusCompleted || !rec.Applied {
		return nil, ErrNothingToRollback
	}

	if err := m.reserve(rec.LoopID); err != nil {
		return nil, err
	}
	defer m.unreserve(rec.LoopID)

	version, err := m.loopRepo.UpdateGains(ctx, rec.LoopID, rec.OriginalGains)
	if err != nil {
		return nil, fmt.Errorf("restore gains of loop %d: %w", rec.LoopID, err)
	}
	if l, ok := m.loops.Lookup(rec.LoopID); ok {
		l.ApplyGains(rec.OriginalGains, version)
	}

	rec.Applied = false
	rec.Notes += "; rolled back"
	if err := m.sessions.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update tuning session: %w", err)
	}
	m.logger.Info("tuning session rolled back", "session_id", id, "loop_id", rec.LoopID)
	return rec, nil
}

// Get returns a session, preferring the live record of a running one.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*model.TuningSession, error) {
	m.mu.Lock()
	s, ok := m.byID[id]
	m.mu.Unlock()
	if ok {
		s.mu.Lock()
		rec := s.rec
		s.mu.Unlock()
		return &rec, nil
	}
	rec, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get tuning session: %w", err)
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

func (m *Manager) List(ctx context.Context, loopID int64, limit int) ([]model.TuningSession, error) {
	return m.sessions.ListByLoop(ctx, loopID, limit)
}

// Active reports whether loopID has a running session.
func (m *Manager) Active(loopID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[loopID]
	return ok
}
