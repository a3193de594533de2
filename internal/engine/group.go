package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/control/cascade"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/loop"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"github.com/mhdr/Monitoring2025-sub014/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

// groupTask runs one cascade group on its own ticker. Its member set is fixed
// for the task's lifetime; a changed group is replaced by a new task.
type groupTask struct {
	group   cascade.Group
	key     string
	members map[int64]*loop.Loop
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newGroupTask(g cascade.Group, members map[int64]*loop.Loop, logger *slog.Logger, now func() time.Time) *groupTask {
	return &groupTask{
		group:   g,
		key:     g.Key(),
		members: members,
		logger:  logger.With("group", g.RootID),
		now:     now,
		done:    make(chan struct{}),
	}
}

func (t *groupTask) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	go t.run(ctx)
}

// stop cancels the task and waits until its current pass has finished.
func (t *groupTask) stop() {
	t.cancel()
	<-t.done
}

func (t *groupTask) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.group.Interval)
	defer ticker.Stop()

	for {
		if !t.pass(ctx, t.now()) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pass runs one scheduling pass. It returns false when the group was halted.
func (t *groupTask) pass(ctx context.Context, now time.Time) (ok bool) {
	label := fmt.Sprint(t.group.RootID)
	defer func() {
		if r := recover(); r != nil {
			t.halt(fmt.Sprintf("panic: %v", r), debug.Stack())
			ok = false
		}
	}()

	ctx, span := tracing.Tracer("engine").Start(ctx, "engine.pass",
		otelTrace.WithAttributes(
			attribute.Int64("group", t.group.RootID),
			attribute.Int("members", len(t.members)),
		),
	)
	defer span.End()

	start := time.Now()
	outcomes := cascade.Pass(ctx, t.group, t.lookup, now)
	elapsed := time.Since(start)
	metrics.SchedulerPassLatency.WithLabelValues(label).Observe(elapsed.Seconds())
	if elapsed > t.group.Interval {
		metrics.SchedulerOverruns.WithLabelValues(label).Inc()
		t.logger.Warn("scheduling pass overran its interval", "elapsed", elapsed, "interval", t.group.Interval)
	}

	for _, o := range outcomes {
		if o.Result.HasOutput && (math.IsNaN(o.Result.Output) || math.IsInf(o.Result.Output, 0)) {
			t.halt(fmt.Sprintf("loop %d produced non-finite output", o.LoopID), nil)
			return false
		}
	}
	return true
}

func (t *groupTask) lookup(id int64) (cascade.Ticker, bool) {
	l, ok := t.members[id]
	return l, ok
}

func (t *groupTask) halt(reason string, stack []byte) {
	ids := t.group.Members()
	for _, id := range ids {
		if l, ok := t.members[id]; ok {
			l.Halt(reason)
		}
	}
	metrics.SchedulerGroupHalts.WithLabelValues(fmt.Sprint(t.group.RootID)).Inc()
	attrs := []any{"loop_ids", ids, "reason", reason}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	t.logger.Error("group halted", attrs...)
}
