package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannelPrefix = "conductor:notify:"

// Message is the JSON body published by RedisSink.
type Message struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
	SentAt  time.Time      `json:"sent_at"`
}

// RedisSink publishes each notification on <prefix><kind> so renderers
// and mailers can subscribe per kind.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Channel(kind string) string {
	return s.prefix + kind
}

func (s *RedisSink) Notify(ctx context.Context, kind string, payload map[string]any) error {
	data, err := json.Marshal(Message{Kind: kind, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", kind, err)
	}
	if err := s.client.Publish(ctx, s.Channel(kind), data).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", kind, err)
	}
	return nil
}
