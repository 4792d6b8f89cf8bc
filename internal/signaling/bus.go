package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle/internal/logger"
)

// Bus carries relayed frames between server instances so that two peers of a
// room may be connected to different instances.
type Bus interface {
	Publish(ctx context.Context, f Frame) error
	// Subscribe calls fn for every frame published by another instance and
	// blocks until ctx is done.
	Subscribe(ctx context.Context, fn func(Frame)) error
}

// RedisBus is a Bus over Redis pub/sub, one channel per room.
type RedisBus struct {
	client   *redis.Client
	prefix   string
	instance string
	log      *zap.Logger
}

type envelope struct {
	Instance string `json:"instance"`
	Frame    Frame  `json:"frame"`
}

func NewRedisBus(client *redis.Client, prefix string, log *zap.Logger) *RedisBus {
	if prefix == "" {
		prefix = "huddle"
	}
	return &RedisBus{
		client:   client,
		prefix:   prefix,
		instance: uuid.NewString(),
		log:      logger.OrNop(log).Named("bus"),
	}
}

func (b *RedisBus) channel(roomID string) string {
	return fmt.Sprintf("%s:signal:%s", b.prefix, roomID)
}

func (b *RedisBus) Publish(ctx context.Context, f Frame) error {
	data, err := b.encode(f)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(f.RoomID), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(Frame)) error {
	ps := b.client.PSubscribe(ctx, b.channel("*"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel("*"), err)
	}
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			f, ok := b.decode(msg.Payload)
			if !ok {
				continue
			}
			fn(f)
		}
	}
}

func (b *RedisBus) encode(f Frame) ([]byte, error) {
	return json.Marshal(envelope{Instance: b.instance, Frame: f})
}

// decode drops malformed payloads and this instance's own publications.
func (b *RedisBus) decode(payload string) (Frame, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("malformed bus payload", zap.Error(err))
		return Frame{}, false
	}
	if env.Instance == b.instance {
		return Frame{}, false
	}
	return env.Frame, true
}
