package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"github.com/mhdr/Monitoring2025-sub014/internal/notify"
	"github.com/mhdr/Monitoring2025-sub014/internal/retry"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
)

const configWatcherDefaultInterval = 30 * time.Second

// Reconciler applies a configuration snapshot.
type Reconciler interface {
	Reconcile(configs []model.ControlLoop) ReconcileResult
}

// ChangeSource delivers change notifications from the configuration store.
type ChangeSource interface {
	ConfigChanges(ctx context.Context) (<-chan notify.ConfigChange, error)
}

// ConfigWatcher re-reads the loop configuration on a poll interval and on
// every change notification, and reconciles the engine when the set of
// (id, version) pairs moved.
type ConfigWatcher struct {
	repo     store.LoopRepository
	engine   Reconciler
	changes  ChangeSource
	logger   *slog.Logger
	interval time.Duration

	// Track last-seen versions to avoid redundant reconciles.
	lastSeen map[int64]int64
}

func NewConfigWatcher(
	repo store.LoopRepository,
	engine Reconciler,
	logger *slog.Logger,
	interval time.Duration,
) *ConfigWatcher {
	if interval <= 0 {
		interval = configWatcherDefaultInterval
	}
	return &ConfigWatcher{
		repo:     repo,
		engine:   engine,
		logger:   logger.With("component", "config_watcher"),
		interval: interval,
	}
}

// WithChangeSource subscribes the watcher to change notifications.
func (w *ConfigWatcher) WithChangeSource(src ChangeSource) *ConfigWatcher {
	w.changes = src
	return w
}

// Load performs the start-up load, retrying transient store errors.
func (w *ConfigWatcher) Load(ctx context.Context) error {
	var loops []model.ControlLoop
	err := retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		var err error
		loops, err = w.repo.List(ctx)
		return err
	})
	if err != nil {
		metrics.ConfigWatcherErrors.Inc()
		return err
	}
	w.apply(loops, "startup", true)
	return nil
}

// Run starts the config watcher loop. It blocks until the context is cancelled.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	w.logger.Info("config watcher started", "poll_interval", w.interval)

	var notifications <-chan notify.ConfigChange
	if w.changes != nil {
		ch, err := w.changes.ConfigChanges(ctx)
		if err != nil {
			w.logger.Warn("config change subscription failed, polling only", "error", err)
		} else {
			notifications = ch
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopping")
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx, "poll")
		case change, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			w.logger.Info("config change notification", "source", change.Source, "loop_ids", change.LoopIDs)
			w.poll(ctx, "notify")
		}
	}
}

func (w *ConfigWatcher) poll(ctx context.Context, trigger string) {
	loops, err := w.repo.List(ctx)
	if err != nil {
		w.logger.Warn("config watcher poll failed", "error", err)
		metrics.ConfigWatcherErrors.Inc()
		return
	}
	w.apply(loops, trigger, false)
}

func (w *ConfigWatcher) apply(loops []model.ControlLoop, trigger string, force bool) {
	seen := make(map[int64]int64, len(loops))
	for _, l := range loops {
		seen[l.ID] = l.Version
	}
	if !force && sameVersions(w.lastSeen, seen) {
		return
	}
	w.engine.Reconcile(loops)
	w.lastSeen = seen
	metrics.ConfigReloadsTotal.WithLabelValues(trigger).Inc()
}

func sameVersions(a, b map[int64]int64) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for id, v := range b {
		if prev, ok := a[id]; !ok || prev != v {
			return false
		}
	}
	return true
}
