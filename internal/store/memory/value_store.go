// Package memory provides in-process store implementations for development
// mode and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
)

// ValueStore is a mutex-protected process image. Writes to a slot that was
// never defined are rejected, matching the behaviour of the Redis store.
type ValueStore struct {
	mu     sync.RWMutex
	slots  map[model.Reference]model.Sample
	writes map[model.Reference]int
	now    func() time.Time
}

func NewValueStore() *ValueStore {
	return &ValueStore{
		slots:  make(map[model.Reference]model.Sample),
		writes: make(map[model.Reference]int),
		now:    time.Now,
	}
}

// WithClock sets the clock used to timestamp writes.
func (s *ValueStore) WithClock(now func() time.Time) *ValueStore {
	s.now = now
	return s
}

// Set defines or overwrites a slot with an explicit timestamp.
func (s *ValueStore) Set(ref model.Reference, value float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[ref] = model.Sample{Value: value, Timestamp: ts}
}

// Define creates a slot stamped with the current time.
func (s *ValueStore) Define(ref model.Reference, value float64) {
	s.Set(ref, value, s.now())
}

// Delete removes a slot, as when a point is deleted from the configuration.
func (s *ValueStore) Delete(ref model.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, ref)
}

// Get returns the current value of ref, for assertions.
func (s *ValueStore) Get(ref model.Reference) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[ref]
	return v.Value, ok
}

// Writes returns how many writes ref has received.
func (s *ValueStore) Writes(ref model.Reference) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[ref]
}

func (s *ValueStore) Resolve(ctx context.Context, ref model.Reference) (model.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Sample{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[ref]
	return v, ok, nil
}

func (s *ValueStore) Write(ctx context.Context, ref model.Reference, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[ref]; !ok {
		return fmt.Errorf("%w: slot %s does not exist", store.ErrWriteRejected, ref)
	}
	s.slots[ref] = model.Sample{Value: value, Timestamp: s.now()}
	s.writes[ref]++
	return nil
}

var _ store.ValueStore = (*ValueStore)(nil)
