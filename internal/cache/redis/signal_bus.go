package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dwellogo/dealdesk/internal/domain"
)

const (
	// streamMaxLen caps streams via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
	// subscriberBuffer is the per-subscription delivery buffer.
	subscriberBuffer = 128
)

// SignalBus implements domain.SignalBus with Redis Pub/Sub for room fan-out
// and Redis Streams for the durable event log. Stream names are namespaced
// by the client's key prefix; channels are not.
type SignalBus struct {
	client *Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c}
}

// Publish sends payload to a Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// PSubscribe delivers every message on channels matching pattern, tagged with
// the concrete channel name.
func (sb *SignalBus) PSubscribe(ctx context.Context, pattern string) (<-chan domain.ChannelMessage, error) {
	pubsub := sb.client.rdb.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: psubscribe %s: %w", pattern, err)
	}

	out := make(chan domain.ChannelMessage, subscriberBuffer)
	go pump(ctx, pubsub, out, func(msg *redis.Message) domain.ChannelMessage {
		return domain.ChannelMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	})
	return out, nil
}

func pump[T any](ctx context.Context, pubsub *redis.PubSub, out chan<- T, conv func(*redis.Message) T) {
	defer close(out)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- conv(msg):
			case <-ctx.Done():
				return
			}
		}
	}
}

// StreamAppend appends payload to stream, trimming it to roughly
// streamMaxLen entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: sb.client.key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
	if err := sb.client.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start). It does not block; an empty stream yields no entries and no error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := sb.client.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.client.key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
