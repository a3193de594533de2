package cascade

import (
	"context"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/control/loop"
)

// Ticker is the part of a running loop a pass needs.
type Ticker interface {
	Tick(ctx context.Context, now time.Time, cascadeSP *float64) loop.Result
	PublishedOutput() (float64, bool)
}

// Outcome pairs a loop with what its tick produced in one pass.
type Outcome struct {
	LoopID int64
	Result loop.Result
}

// Lookup returns the running loop for an id, or false when it is gone.
type Lookup func(id int64) (Ticker, bool)

// Pass ticks every member of g level by level. A slave receives its master's
// output from this same pass. When the master is suspended for tuning, the
// relay output the session wrote stands in; a degraded or halted master
// leaves its slaves without a set point.
func Pass(ctx context.Context, g Group, lookup Lookup, now time.Time) []Outcome {
	outputs := make(map[int64]float64, len(g.Parents)+1)
	out := make([]Outcome, 0, len(g.Parents)+1)

	for depth, level := range g.Levels {
		for _, id := range level {
			if ctx.Err() != nil {
				return out
			}
			t, ok := lookup(id)
			if !ok {
				continue
			}

			var sp *float64
			if depth > 0 {
				if v, ok := outputs[g.Parents[id]]; ok {
					sp = &v
				}
			}

			res := t.Tick(ctx, now, sp)
			switch {
			case res.HasOutput:
				outputs[id] = res.Output
			case res.Outcome == loop.OutcomeSuspended:
				if v, ok := t.PublishedOutput(); ok {
					outputs[id] = v
				}
			}
			out = append(out, Outcome{LoopID: id, Result: res})
		}
	}
	return out
}
