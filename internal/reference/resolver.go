package reference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
)

const DefaultTimeout = 500 * time.Millisecond

// ErrUnresolved marks a reference that produced no usable value this tick.
// The wrapped cause tells whether it was missing, stale, or unreachable.
var ErrUnresolved = errors.New("reference unresolved")

// ErrWriteRejected is the value store's rejection, re-exported for callers
// that only depend on this package.
var ErrWriteRejected = store.ErrWriteRejected

var (
	errNotFound  = errors.New("not found")
	errStale     = errors.New("stale")
	errNonFinite = errors.New("non-finite value")
)

// UnresolvedError carries the reference and the reason it failed.
type UnresolvedError struct {
	Ref    model.Reference
	Reason string
	Err    error
}

func (e *UnresolvedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.Ref, e.Reason)
}

func (e *UnresolvedError) Unwrap() []error {
	return []error{ErrUnresolved, e.Err}
}

// Reason extracts the failure reason from an error returned by Resolve, or
// "" when err is not an unresolved-reference error.
func Reason(err error) string {
	var ue *UnresolvedError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}

// Resolver turns references into live values through the value store. It
// keeps nothing between calls: every call goes to the store, so a re-pointed
// reference takes effect on the next tick.
type Resolver struct {
	store   store.ValueStore
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Resolver)

// WithTimeout bounds each individual store call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock injects the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(vs store.ValueStore, opts ...Option) *Resolver {
	r := &Resolver{store: vs, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the current sample for ref. maxAge > 0 enables the
// staleness check; a sample older than maxAge is treated as unresolved.
func (r *Resolver) Resolve(ctx context.Context, ref model.Reference, maxAge time.Duration) (model.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	sample, found, err := r.store.Resolve(ctx, ref)
	metrics.ValueStoreLatency.WithLabelValues("resolve", ref.Kind.String()).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		reason := "unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		metrics.ValueStoreErrors.WithLabelValues("resolve", reason).Inc()
		return model.Sample{}, &UnresolvedError{Ref: ref, Reason: reason, Err: err}
	case !found:
		return model.Sample{}, &UnresolvedError{Ref: ref, Reason: "missing", Err: errNotFound}
	case math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0):
		metrics.ValueStoreErrors.WithLabelValues("resolve", "non_finite").Inc()
		return model.Sample{}, &UnresolvedError{Ref: ref, Reason: "non_finite", Err: fmt.Errorf("%w: %v", errNonFinite, sample.Value)}
	}

	if maxAge > 0 && !sample.Timestamp.IsZero() {
		if age := r.now().Sub(sample.Timestamp); age > maxAge {
			return model.Sample{}, &UnresolvedError{
				Ref:    ref,
				Reason: "stale",
				Err:    fmt.Errorf("%w: age %s exceeds %s", errStale, age.Round(time.Millisecond), maxAge),
			}
		}
	}
	return sample, nil
}

// ResolveBool resolves a switch-like reference: any non-zero value is true.
func (r *Resolver) ResolveBool(ctx context.Context, ref model.Reference, maxAge time.Duration) (bool, error) {
	s, err := r.Resolve(ctx, ref, maxAge)
	if err != nil {
		return false, err
	}
	return s.Value != 0, nil
}

// Write stores value at ref. Any failure is reported as ErrWriteRejected.
func (r *Resolver) Write(ctx context.Context, ref model.Reference, value float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := r.store.Write(ctx, ref, value)
	metrics.ValueStoreLatency.WithLabelValues("write", ref.Kind.String()).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}

	reason := "rejected"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	metrics.ValueStoreErrors.WithLabelValues("write", reason).Inc()
	if errors.Is(err, store.ErrWriteRejected) {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	return fmt.Errorf("write %s: %w: %w", ref, store.ErrWriteRejected, err)
}
