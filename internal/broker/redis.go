package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisBroker fans events out across replicas over redis pub/sub
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroker wraps an already connected client
func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, logger: logger}
}

func channelName(workspaceID uuid.UUID) string {
	return fmt.Sprintf("presence:workspace:%s", workspaceID.String())
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode presence event: %w", err)
	}
	if err := b.client.Publish(ctx, channelName(event.WorkspaceID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish presence event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, workspaceID uuid.UUID) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, channelName(workspaceID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence events: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("Dropping malformed presence event",
						zap.String("channel", msg.Channel),
						zap.Error(err))
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the redis client is owned by the caller
func (b *RedisBroker) Close() error {
	return nil
}
