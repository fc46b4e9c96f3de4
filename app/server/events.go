package server

import (
	"context"

	"github.com/eclipsemd/botdeck/pkg/redis"
)

// EventSink publishes instance events to the owner's channel and keeps a copy
// in the capped admin stream.
type EventSink struct {
	client *redis.Client
}

func NewEventSink(client *redis.Client) *EventSink {
	return &EventSink{client: client}
}

func (s *EventSink) Publish(ctx context.Context, channel string, message interface{}) {
	s.client.Publish(ctx, channel, message)
	s.client.XAdd(ctx, redis.EventStream, map[string]interface{}{
		"channel": channel,
		"event":   message,
	})
}
