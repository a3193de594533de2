package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealth_RecordSuccess(t *testing.T) {
	h := NewHealth(1, 0)
	h.RecordSuccess(time.Now())

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailed)
	assert.NotNil(t, snap.LastSuccessAt)
}

func TestHealth_DegradedThenUnhealthy(t *testing.T) {
	h := NewHealth(1, 3)
	now := time.Now()

	assert.False(t, h.RecordDegraded(now, "input"))
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)
	assert.False(t, h.RecordDegraded(now, "input"))

	assert.True(t, h.RecordDegraded(now, "set_point"), "should transition at threshold")
	assert.False(t, h.RecordDegraded(now, "set_point"), "only the first crossing reports a transition")

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnhealthy), snap.Status)
	assert.Equal(t, uint64(4), snap.DegradedTotal)
	assert.Equal(t, "set_point", snap.LastReason)
}

func TestHealth_RecoveryReported(t *testing.T) {
	h := NewHealth(1, 1)
	h.RecordDegraded(time.Now(), "input")

	assert.True(t, h.RecordSuccess(time.Now()))
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Equal(t, uint64(1), snap.DegradedTotal, "total survives recovery")
	assert.Empty(t, snap.LastReason)
}

func TestHealth_HaltedIsSticky(t *testing.T) {
	h := NewHealth(1, 1)
	h.SetStatus(HealthStatusHalted)

	h.RecordSuccess(time.Now())
	h.RecordDegraded(time.Now(), "input")
	assert.Equal(t, string(HealthStatusHalted), h.Snapshot().Status)
}
