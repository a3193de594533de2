package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/notify"
	"github.com/redis/go-redis/v9"
)

// ChangePublisher is the in-process side of the bridge.
type ChangePublisher interface {
	PublishConfigChanged(ctx context.Context, change notify.ConfigChange) error
}

// ConfigBridge forwards configuration change notifications that the
// configuration service publishes on a Redis channel to the event bus.
type ConfigBridge struct {
	client  redis.UniversalClient
	channel string
	bus     ChangePublisher
	logger  *slog.Logger
}

func NewConfigBridge(client redis.UniversalClient, channel string, bus ChangePublisher, logger *slog.Logger) *ConfigBridge {
	return &ConfigBridge{
		client:  client,
		channel: channel,
		bus:     bus,
		logger:  logger.With("component", "config_bridge", "channel", channel),
	}
}

// Run blocks until ctx is done.
func (b *ConfigBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("config bridge subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			change := decodeChange(msg.Payload)
			if err := b.bus.PublishConfigChanged(ctx, change); err != nil {
				b.logger.Warn("forward config change failed", "error", err)
			}
		}
	}
}

// decodeChange accepts either a JSON change document or a plain
// comma-separated list of loop ids.
func decodeChange(payload string) notify.ConfigChange {
	change := notify.ConfigChange{Source: "redis"}
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		var doc notify.ConfigChange
		if err := json.Unmarshal([]byte(payload), &doc); err == nil {
			if doc.Source == "" {
				doc.Source = change.Source
			}
			if doc.At.IsZero() {
				doc.At = time.Now()
			}
			return doc
		}
	}
	for _, part := range strings.Split(payload, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			change.LoopIDs = append(change.LoopIDs, id)
		}
	}
	change.At = time.Now()
	return change
}
