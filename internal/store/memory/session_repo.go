package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
)

// TuningSessionRepo keeps session records in memory. Records are copied on
// the way in and out so callers cannot alias stored state.
type TuningSessionRepo struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]model.TuningSession
}

func NewTuningSessionRepo() *TuningSessionRepo {
	return &TuningSessionRepo{sessions: make(map[uuid.UUID]model.TuningSession)}
}

func (r *TuningSessionRepo) Create(_ context.Context, s *model.TuningSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("create tuning session %s: duplicate id", s.ID)
	}
	r.sessions[s.ID] = cloneSession(*s)
	return nil
}

func (r *TuningSessionRepo) Update(_ context.Context, s *model.TuningSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; !exists {
		return fmt.Errorf("update tuning session %s: not found", s.ID)
	}
	r.sessions[s.ID] = cloneSession(*s)
	return nil
}

func (r *TuningSessionRepo) Get(_ context.Context, id uuid.UUID) (*model.TuningSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	c := cloneSession(s)
	return &c, nil
}

func (r *TuningSessionRepo) ListByLoop(_ context.Context, loopID int64, limit int) ([]model.TuningSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.TuningSession, 0)
	for _, s := range r.sessions {
		if s.LoopID == loopID {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TuningSessionRepo) FailInterrupted(_ context.Context, note string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.Status != model.SessionStatusRunning {
			continue
		}
		if err := s.Finish(model.SessionStatusFailed, at, note); err != nil {
			return n, err
		}
		r.sessions[id] = s
		n++
	}
	return n, nil
}

func cloneSession(s model.TuningSession) model.TuningSession {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	if s.ComputedGains != nil {
		g := *s.ComputedGains
		s.ComputedGains = &g
	}
	return s
}

var _ store.TuningSessionRepository = (*TuningSessionRepo)(nil)
