package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
)

// ErrWriteRejected is returned by a ValueStore when a write cannot be applied,
// for example because the target slot does not exist.
var ErrWriteRejected = errors.New("write rejected")

// ErrLoopNotFound is returned when a loop id has no configuration record.
var ErrLoopNotFound = errors.New("control loop not found")

// ValueStore is the live process image: current value and timestamp per
// Point and per Global Variable.
type ValueStore interface {
	Resolve(ctx context.Context, ref model.Reference) (model.Sample, bool, error)
	Write(ctx context.Context, ref model.Reference, value float64) error
}

// LoopRepository provides access to control loop configuration.
type LoopRepository interface {
	List(ctx context.Context) ([]model.ControlLoop, error)
	UpdateGains(ctx context.Context, loopID int64, gains model.Gains) (int64, error)
}

// TuningSessionRepository persists auto-tuning session records.
type TuningSessionRepository interface {
	Create(ctx context.Context, s *model.TuningSession) error
	Update(ctx context.Context, s *model.TuningSession) error
	Get(ctx context.Context, id uuid.UUID) (*model.TuningSession, error)
	ListByLoop(ctx context.Context, loopID int64, limit int) ([]model.TuningSession, error)
	FailInterrupted(ctx context.Context, note string, at time.Time) (int64, error)
}
