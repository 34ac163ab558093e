package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel is the pub/sub channel shared by bridged relay instances.
const DefaultRedisChannel = "deploysync.relay"

// RedisBridge shares relayed sync frames with other relay instances over Redis pub/sub.
// Frames published by this instance are filtered out on receipt.
type RedisBridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.Logger
}

type bridgedFrame struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// NewRedisBridge constructs a bridge over an existing client.
func NewRedisBridge(client *redis.Client, channel string, logger *zap.Logger) (*RedisBridge, error) {
	if client == nil {
		return nil, errors.New("relay: redis client required")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger,
	}, nil
}

// Publish sends a frame to the other instances.
func (b *RedisBridge) Publish(ctx context.Context, frame []byte) error {
	payload, err := json.Marshal(bridgedFrame{Origin: b.instanceID, Frame: frame})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe streams frames published by other instances until ctx is cancelled.
func (b *RedisBridge) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	frames := make(chan []byte, 64)
	go func() {
		defer close(frames)
		defer pubsub.Close()

		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-incoming:
				if !ok {
					return
				}
				var bridged bridgedFrame
				if err := json.Unmarshal([]byte(message.Payload), &bridged); err != nil {
					b.logger.Debug("bridged payload dropped", zap.Error(err))
					continue
				}
				if bridged.Origin == b.instanceID {
					continue
				}
				select {
				case frames <- []byte(bridged.Frame):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return frames, nil
}
