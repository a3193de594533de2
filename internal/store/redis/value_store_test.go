package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "automation:point:12", slotKey("automation", model.PointRef(12)))
	assert.Equal(t, "plant-a:gvar:7", slotKey("plant-a", model.GlobalRef(7)))
}

func TestParseSample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     []any
		want      model.Sample
		found     bool
		expectErr bool
	}{
		{name: "missing slot", input: []any{nil, nil}},
		{name: "value and timestamp", input: []any{"21.5", "1740816000000"},
			want: model.Sample{Value: 21.5, Timestamp: time.UnixMilli(1740816000000)}, found: true},
		{name: "short reply", input: []any{"-3"}},
		{name: "value without timestamp", input: []any{"1", nil}, want: model.Sample{Value: 1}, found: true},
		{name: "bad value", input: []any{"warm", nil}, expectErr: true},
		{name: "bad timestamp", input: []any{"1", "yesterday"}, expectErr: true},
		{name: "wrong type", input: []any{int64(1), nil}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, found, err := parseSample(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			assert.True(t, tt.want.Timestamp.Equal(got.Timestamp))
			assert.Equal(t, tt.want.Value, got.Value)
		})
	}
}

func TestIsBackendFailure(t *testing.T) {
	t.Parallel()

	assert.False(t, isBackendFailure(nil))
	assert.False(t, isBackendFailure(redis.Nil))
	assert.False(t, isBackendFailure(store.ErrWriteRejected))
	assert.False(t, isBackendFailure(context.Canceled))
	assert.True(t, isBackendFailure(errors.New("dial tcp: connection refused")))
	assert.True(t, isBackendFailure(context.DeadlineExceeded))
}

func TestDecodeChange(t *testing.T) {
	t.Parallel()

	c := decodeChange(`{"source":"config-service","loop_ids":[4,5]}`)
	assert.Equal(t, "config-service", c.Source)
	assert.Equal(t, []int64{4, 5}, c.LoopIDs)
	assert.False(t, c.At.IsZero())

	c = decodeChange(" 3, 9 ,x")
	assert.Equal(t, "redis", c.Source)
	assert.Equal(t, []int64{3, 9}, c.LoopIDs)

	c = decodeChange("")
	assert.Empty(t, c.LoopIDs)
}
