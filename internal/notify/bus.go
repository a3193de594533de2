// Package notify carries configuration change notifications between the
// components of one process.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const TopicConfigChanged = "config.changed"

// ConfigChange announces that loop or session configuration was modified.
// LoopIDs is informational; receivers always reload the full set.
type ConfigChange struct {
	Source  string    `json:"source"`
	LoopIDs []int64   `json:"loop_ids,omitempty"`
	At      time.Time `json:"at"`
}

// Bus is an in-process publish/subscribe bus.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 16},
			watermill.NewSlogLogger(logger.With("component", "watermill")),
		),
		logger: logger.With("component", "notify"),
	}
}

func (b *Bus) PublishConfigChanged(ctx context.Context, change ConfigChange) error {
	if change.At.IsZero() {
		change.At = time.Now()
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal config change: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(TopicConfigChanged, msg); err != nil {
		return fmt.Errorf("publish %s: %w", TopicConfigChanged, err)
	}
	return nil
}

// ConfigChanges subscribes to configuration changes. The returned channel is
// closed when ctx is done or the bus is closed.
func (b *Bus) ConfigChanges(ctx context.Context) (<-chan ConfigChange, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicConfigChanged)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicConfigChanged, err)
	}

	out := make(chan ConfigChange, 1)
	go func() {
		defer close(out)
		for msg := range msgs {
			var change ConfigChange
			if err := json.Unmarshal(msg.Payload, &change); err != nil {
				b.logger.Warn("dropping malformed config change", "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			select {
			case out <- change:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
