package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "relay:"

// Message is the envelope carried between instances. Payload is opaque.
type Message struct {
	InstanceID string `json:"instanceId"`
	RoomID     string `json:"roomId"`
	Payload    []byte `json:"payload"`
}

// RedisBus forwards relayed payloads to sibling instances over redis pub/sub.
type RedisBus struct {
	rdb        *redis.Client
	log        *zap.Logger
	instanceID string
}

// NewRedisBus connects to redis and verifies connectivity
func NewRedisBus(ctx context.Context, addr string, log *zap.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisBus{rdb: rdb, log: log, instanceID: uuid.NewString()}, nil
}

func (b *RedisBus) InstanceID() string { return b.instanceID }

// Publish sends payload to every other instance holding members of roomID.
func (b *RedisBus) Publish(ctx context.Context, roomID string, payload []byte) error {
	raw, err := json.Marshal(Message{InstanceID: b.instanceID, RoomID: roomID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	return b.rdb.Publish(ctx, channel(roomID), raw).Err()
}

// Subscribe blocks, invoking fn for each message published by another
// instance, until ctx is cancelled. ready, if non-nil, is closed once the
// subscription is active.
func (b *RedisBus) Subscribe(ctx context.Context, ready chan<- struct{}, fn func(roomID string, payload []byte)) error {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel("*"), err)
	}
	if ready != nil {
		close(ready)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn("bus: dropping malformed message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if m.InstanceID == b.instanceID || m.RoomID == "" {
				continue
			}
			if strings.TrimPrefix(msg.Channel, channelPrefix) != m.RoomID {
				b.log.Warn("bus: room mismatch", zap.String("channel", msg.Channel), zap.String("room", m.RoomID))
				continue
			}
			fn(m.RoomID, m.Payload)
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

// Close shuts down the redis connection
func (b *RedisBus) Close() error { return b.rdb.Close() }

// channel namespacing for room pub/sub
func channel(roomID string) string { return channelPrefix + roomID }
