package loop

import (
	"sync"
	"time"
)

// HealthStatus represents the health state of a loop.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusInactive  HealthStatus = "INACTIVE"
	HealthStatusTuning    HealthStatus = "TUNING"
	HealthStatusHalted    HealthStatus = "HALTED"

	// DefaultUnhealthyThreshold is the number of consecutive degraded ticks
	// before a loop is reported unhealthy.
	DefaultUnhealthyThreshold = 5
)

// Health tracks the tick outcome history of a single loop.
type Health struct {
	mu                 sync.RWMutex
	loopID             int64
	status             HealthStatus
	consecutiveFailed  int
	degradedTotal      uint64
	lastReason         string
	lastSuccessAt      *time.Time
	lastFailureAt      *time.Time
	unhealthyThreshold int
}

func NewHealth(loopID int64, unhealthyThreshold int) *Health {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = DefaultUnhealthyThreshold
	}
	return &Health{
		loopID:             loopID,
		status:             HealthStatusUnknown,
		unhealthyThreshold: unhealthyThreshold,
	}
}

// SetStatus sets the health status directly. Used for ownership and
// lifecycle states that are not derived from tick outcomes.
func (h *Health) SetStatus(status HealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// RecordSuccess records a tick that produced an output. It returns true if
// the loop recovered from an unhealthy state.
func (h *Health) RecordSuccess(at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == HealthStatusHalted {
		return false
	}
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.consecutiveFailed = 0
	h.lastSuccessAt = &at
	h.lastReason = ""
	h.status = HealthStatusHealthy
	return wasUnhealthy
}

// RecordDegraded records a skipped tick. Returns true if the loop
// transitioned to unhealthy on this call.
func (h *Health) RecordDegraded(at time.Time, reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailed++
	h.degradedTotal++
	h.lastFailureAt = &at
	h.lastReason = reason
	if h.status == HealthStatusHalted {
		return false
	}
	if h.consecutiveFailed >= h.unhealthyThreshold {
		if h.status != HealthStatusUnhealthy {
			h.status = HealthStatusUnhealthy
			return true
		}
		return false
	}
	h.status = HealthStatusDegraded
	return false
}

// Snapshot returns the current health state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		LoopID:            h.loopID,
		Status:            string(h.status),
		ConsecutiveFailed: h.consecutiveFailed,
		DegradedTotal:     h.degradedTotal,
		LastReason:        h.lastReason,
		LastSuccessAt:     h.lastSuccessAt,
		LastFailureAt:     h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time view of loop health (JSON-safe).
type HealthSnapshot struct {
	LoopID            int64      `json:"loop_id"`
	Status            string     `json:"status"`
	ConsecutiveFailed int        `json:"consecutive_degraded"`
	DegradedTotal     uint64     `json:"degraded_total"`
	LastReason        string     `json:"last_reason,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
}
