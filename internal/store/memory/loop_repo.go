package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
)

// LoopRepo is an in-memory loop configuration store.
type LoopRepo struct {
	mu    sync.RWMutex
	loops map[int64]model.ControlLoop
}

func NewLoopRepo(loops ...model.ControlLoop) *LoopRepo {
	r := &LoopRepo{loops: make(map[int64]model.ControlLoop)}
	for _, l := range loops {
		r.loops[l.ID] = l
	}
	return r
}

// Put inserts or replaces a loop and bumps its version.
func (r *LoopRepo) Put(l model.ControlLoop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.loops[l.ID]; ok && l.Version <= prev.Version {
		l.Version = prev.Version + 1
	}
	l.UpdatedAt = time.Now()
	r.loops[l.ID] = l
}

func (r *LoopRepo) Delete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loops, id)
}

func (r *LoopRepo) List(_ context.Context) ([]model.ControlLoop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ControlLoop, 0, len(r.loops))
	for _, l := range r.loops {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *LoopRepo) UpdateGains(_ context.Context, loopID int64, gains model.Gains) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[loopID]
	if !ok {
		return 0, fmt.Errorf("update gains for loop %d: %w", loopID, store.ErrLoopNotFound)
	}
	l.Gains = gains
	l.Version++
	l.UpdatedAt = time.Now()
	r.loops[loopID] = l
	return l.Version, nil
}

var _ store.LoopRepository = (*LoopRepo)(nil)
