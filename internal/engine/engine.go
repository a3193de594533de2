// Package engine schedules the configured control loops. It turns each
// configuration snapshot into a cascade plan and runs every group of the plan
// as an independent periodic task.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/control/cascade"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/loop"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
)

// TargetWatcher is told when a loop a tuning session may be running on
// changes underneath it.
type TargetWatcher interface {
	TargetChanged(loopID int64, reason string)
}

// ReconcileResult summarizes one reconcile.
type ReconcileResult struct {
	Added, Updated, Removed int
	Rejected                map[int64]error
	PlanChanged             bool
}

type Engine struct {
	resolver loop.Resolver
	opts     loop.Options
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	loops    map[int64]*loop.Loop
	rejected map[int64]error
	plan     cascade.Plan
	tasks    map[string]*groupTask
	watcher  TargetWatcher

	baseCtx context.Context
	stop    context.CancelFunc
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(resolver loop.Resolver, opts loop.Options, logger *slog.Logger, options ...Option) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		resolver: resolver,
		opts:     opts,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
		loops:    make(map[int64]*loop.Loop),
		rejected: make(map[int64]error),
		tasks:    make(map[string]*groupTask),
		baseCtx:  ctx,
		stop:     stop,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// SetTargetWatcher registers the tuning manager. It must be called before the
// first Reconcile.
func (e *Engine) SetTargetWatcher(w TargetWatcher) {
	e.mu.Lock()
	e.watcher = w
	e.mu.Unlock()
}

// Run blocks until ctx is done and then stops every group task.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started")
	<-ctx.Done()

	e.mu.Lock()
	tasks := e.tasks
	e.tasks = make(map[string]*groupTask)
	e.mu.Unlock()

	e.stop()
	for _, t := range tasks {
		<-t.done
	}
	metrics.SchedulerActiveGroups.Set(0)
	e.logger.Info("engine stopped")
	return nil
}

type targetChange struct {
	id     int64
	reason string
}

// Reconcile brings the running loops in line with configs. Runtime state of
// unchanged and edited loops is kept; group tasks are replaced only when
// their shape changed, and a replaced task is fully stopped before its
// successor starts.
func (e *Engine) Reconcile(configs []model.ControlLoop) ReconcileResult {
	plan, rejected := cascade.Build(configs)
	res := ReconcileResult{Rejected: rejected}

	var changes []targetChange
	e.mu.Lock()

	seen := make(map[int64]bool, len(configs))
	replaced := make(map[int64]bool)
	for _, cfg := range configs {
		seen[cfg.ID] = true
		idLabel := strconv.FormatInt(cfg.ID, 10)

		if err, bad := rejected[cfg.ID]; bad {
			metrics.LoopConfigRejected.WithLabelValues(idLabel).Set(1)
			if _, was := e.rejected[cfg.ID]; !was {
				e.logger.Error("loop configuration rejected", "loop_id", cfg.ID, "error", err)
			}
			if _, running := e.loops[cfg.ID]; running {
				delete(e.loops, cfg.ID)
				changes = append(changes, targetChange{cfg.ID, "has an invalid configuration"})
				res.Removed++
			}
			continue
		}
		metrics.LoopConfigRejected.WithLabelValues(idLabel).Set(0)

		cur, ok := e.loops[cfg.ID]
		switch {
		case !ok:
			e.loops[cfg.ID] = loop.New(cfg, e.resolver, e.opts, e.logger)
			if !cfg.Enabled {
				e.loops[cfg.ID].Health().SetStatus(loop.HealthStatusInactive)
			}
			res.Added++
		case cur.Config().Version != cfg.Version:
			prev := cur.Config()
			if !cfg.Enabled && prev.Enabled {
				changes = append(changes, targetChange{cfg.ID, "was disabled"})
			} else if !prev.SameTuningTarget(&cfg) {
				changes = append(changes, targetChange{cfg.ID, "was reconfigured"})
			}
			if cur.Health().Snapshot().Status == string(loop.HealthStatusHalted) {
				// A halted loop restarts from a fresh instance once its
				// configuration changes.
				e.loops[cfg.ID] = loop.New(cfg, e.resolver, e.opts, e.logger)
				replaced[cfg.ID] = true
			} else {
				cur.UpdateConfig(cfg)
			}
			res.Updated++
		}
	}
	for id := range e.loops {
		if !seen[id] {
			delete(e.loops, id)
			metrics.LoopConfigRejected.DeleteLabelValues(strconv.FormatInt(id, 10))
			changes = append(changes, targetChange{id, "was deleted"})
			res.Removed++
		}
	}
	e.rejected = rejected

	res.PlanChanged = !plan.Equal(e.plan)
	e.plan = plan

	next := make(map[string]*groupTask, len(plan.Groups))
	for _, g := range plan.Groups {
		key := g.Key()
		if t, ok := e.tasks[key]; ok && !membersReplaced(g, replaced) {
			next[key] = t
			delete(e.tasks, key)
			continue
		}
		next[key] = nil
	}
	// Old tasks stop before their successors start, so a loop is never
	// ticked by two tasks.
	for _, t := range e.tasks {
		t.stop()
	}
	for _, g := range plan.Groups {
		key := g.Key()
		if next[key] != nil {
			continue
		}
		members := make(map[int64]*loop.Loop)
		for _, id := range g.Members() {
			members[id] = e.loops[id]
		}
		t := newGroupTask(g, members, e.logger, e.now)
		t.start(e.baseCtx)
		next[key] = t
	}
	e.tasks = next
	metrics.SchedulerActiveGroups.Set(float64(len(next)))
	watcher := e.watcher
	e.mu.Unlock()

	if watcher != nil {
		for _, c := range changes {
			watcher.TargetChanged(c.id, c.reason)
		}
	}
	e.logger.Info("configuration reconciled",
		"loops", len(configs), "groups", len(plan.Groups),
		"added", res.Added, "updated", res.Updated, "removed", res.Removed,
		"rejected", len(rejected), "plan_changed", res.PlanChanged,
	)
	return res
}

func membersReplaced(g cascade.Group, replaced map[int64]bool) bool {
	for _, id := range g.Members() {
		if replaced[id] {
			return true
		}
	}
	return false
}

// Lookup returns the running loop with id.
func (e *Engine) Lookup(id int64) (*loop.Loop, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.loops[id]
	return l, ok
}

func (e *Engine) Plan() cascade.Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.plan
}

// Rejected returns the load-time configuration errors by loop id.
func (e *Engine) Rejected() map[int64]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[int64]string, len(e.rejected))
	for id, err := range e.rejected {
		out[id] = err.Error()
	}
	return out
}

func (e *Engine) Snapshots() []loop.Snapshot {
	e.mu.RLock()
	out := make([]loop.Snapshot, 0, len(e.loops))
	for _, l := range e.loops {
		out = append(out, l.Snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LoopID < out[j].LoopID })
	return out
}

func (e *Engine) Snapshot(id int64) (loop.Snapshot, bool) {
	l, ok := e.Lookup(id)
	if !ok {
		return loop.Snapshot{}, false
	}
	return l.Snapshot(), true
}

func (e *Engine) HealthSnapshots() []loop.HealthSnapshot {
	e.mu.RLock()
	out := make([]loop.HealthSnapshot, 0, len(e.loops))
	for _, l := range e.loops {
		out = append(out, l.Health().Snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LoopID < out[j].LoopID })
	return out
}
