package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/circuitbreaker"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/metrics"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	fieldValue = "value"
	fieldTS    = "ts" // unix milliseconds
)

// writeScript updates an existing slot. Slots are created by the drivers or
// the configuration service, never by a control loop.
var writeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'ts', ARGV[2])
return 1
`)

// ValueStore reads and writes point and global variable slots stored as
// hashes under "<namespace>:point:<id>" and "<namespace>:gvar:<id>".
type ValueStore struct {
	client    redis.UniversalClient
	namespace string
	breaker   *circuitbreaker.Breaker
	now       func() time.Time
}

type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

func NewValueStore(client redis.UniversalClient, namespace string, bc BreakerConfig, logger *slog.Logger) *ValueStore {
	logger = logger.With("component", "redis_value_store")
	return &ValueStore{
		client:    client,
		namespace: namespace,
		now:       time.Now,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: bc.FailureThreshold,
			OpenTimeout:      bc.OpenTimeout,
			IsFailure:        isBackendFailure,
			OnStateChange: func(from, to circuitbreaker.State) {
				metrics.ValueStoreBreakerState.Set(float64(to))
				logger.Warn("value store breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// isBackendFailure reports errors that say the backend is unhealthy. A
// missing slot or a rejected write is the caller's problem, not Redis's.
func isBackendFailure(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, store.ErrWriteRejected) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (s *ValueStore) key(ref model.Reference) string {
	return slotKey(s.namespace, ref)
}

func slotKey(namespace string, ref model.Reference) string {
	segment := "point"
	if ref.Kind == model.RefKindGlobalVariable {
		segment = "gvar"
	}
	return namespace + ":" + segment + ":" + strconv.FormatInt(ref.ID, 10)
}

func (s *ValueStore) Resolve(ctx context.Context, ref model.Reference) (model.Sample, bool, error) {
	var (
		vals []any
		err  error
	)
	err = s.breaker.Do(func() error {
		vals, err = s.client.HMGet(ctx, s.key(ref), fieldValue, fieldTS).Result()
		return err
	})
	if err != nil {
		return model.Sample{}, false, fmt.Errorf("read %s: %w", ref, err)
	}
	return parseSample(vals)
}

// parseSample decodes an HMGET reply of (value, ts). A nil value means the
// slot does not exist.
func parseSample(vals []any) (model.Sample, bool, error) {
	if len(vals) != 2 || vals[0] == nil {
		return model.Sample{}, false, nil
	}
	raw, ok := vals[0].(string)
	if !ok {
		return model.Sample{}, false, fmt.Errorf("unexpected value type %T", vals[0])
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return model.Sample{}, false, fmt.Errorf("parse value %q: %w", raw, err)
	}
	sample := model.Sample{Value: v}
	if ts, ok := vals[1].(string); ok && ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return model.Sample{}, false, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		sample.Timestamp = time.UnixMilli(ms)
	}
	return sample, true, nil
}

func (s *ValueStore) Write(ctx context.Context, ref model.Reference, value float64) error {
	return s.breaker.Do(func() error {
		n, err := writeScript.Run(ctx, s.client, []string{s.key(ref)},
			strconv.FormatFloat(value, 'g', -1, 64),
			s.now().UnixMilli(),
		).Int()
		if err != nil {
			return fmt.Errorf("write %s: %w", ref, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: slot %s does not exist", store.ErrWriteRejected, ref)
		}
		return nil
	})
}

var _ store.ValueStore = (*ValueStore)(nil)
