package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StreamKey is the Redis Stream all usage events land on.
	StreamKey = "usage_events"
	// ConsumerGroup is the accounting worker's group.
	ConsumerGroup = "accounting"

	appendTimeout = time.Second
	// streamMaxLen bounds the stream; acked history beyond it is trimmed.
	streamMaxLen = 100_000
)

// RedisStream is the production Stream: a Redis Stream with one consumer
// group, giving at-least-once delivery and per-tenant FIFO (single stream,
// ordered appends).
type RedisStream struct {
	rdb      *redis.Client
	consumer string
}

// NewRedisStream creates the consumer group if it does not exist yet.
func NewRedisStream(ctx context.Context, rdb *redis.Client, consumer string) (*RedisStream, error) {
	err := rdb.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("usage: create group: %w", err)
	}
	return &RedisStream{rdb: rdb, consumer: consumer}, nil
}

// Append adds the event under the emission deadline. The pipeline logs a
// failure and still replies to the client; accounting catches up later.
func (s *RedisStream) Append(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("usage: marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"event": string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("usage: append: %w", err)
	}
	return nil
}

// Read claims up to max pending events for this consumer, blocking up to
// block when the stream is empty. Entries that fail to decode are acked and
// skipped so one poison message cannot wedge the group.
func (s *RedisStream) Read(ctx context.Context, max int, block time.Duration) ([]Delivery, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: s.consumer,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("usage: read: %w", err)
	}

	var out []Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["event"].(string)
			if !ok {
				_ = s.Ack(ctx, msg.ID)
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				_ = s.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, Delivery{StreamID: msg.ID, Event: e})
		}
	}
	return out, nil
}

// Ack marks deliveries done for the group.
func (s *RedisStream) Ack(ctx context.Context, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, StreamKey, ConsumerGroup, streamIDs...).Err(); err != nil {
		return fmt.Errorf("usage: ack: %w", err)
	}
	return nil
}
