package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_DeliversConfigChanges(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := bus.ConfigChanges(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.PublishConfigChanged(ctx, ConfigChange{Source: "admin", LoopIDs: []int64{3, 4}}))

	select {
	case got := <-changes:
		assert.Equal(t, "admin", got.Source)
		assert.Equal(t, []int64{3, 4}, got.LoopIDs)
		assert.False(t, got.At.IsZero(), "publish stamps the change")
	case <-time.After(2 * time.Second):
		t.Fatal("config change not delivered")
	}
}

func TestBus_ChannelClosesWithContext(t *testing.T) {
	bus := NewBus(testLogger())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	changes, err := bus.ConfigChanges(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-changes:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
