package chat

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/protocol"
)

// DefaultBusChannel is the redis pub/sub channel chat events travel on.
const DefaultBusChannel = "collab:chat:events"

// Bus carries chat events between server instances. Every instance
// publishes what its HTTP handlers produce and fans out what it receives to
// its own websocket subscribers.
type Bus struct {
	rdb     redis.UniversalClient
	channel string
	log     zerolog.Logger
}

func NewBus(rdb redis.UniversalClient, channel string, log zerolog.Logger) *Bus {
	if channel == "" {
		channel = DefaultBusChannel
	}
	return &Bus{rdb: rdb, channel: channel, log: log.With().Str("component", "chat-bus").Logger()}
}

// Publish sends one event for a channel. The payload is the same envelope
// clients receive.
func (b *Bus) Publish(ctx context.Context, channelID string, msg protocol.Message) error {
	raw, err := protocol.Encode(protocol.ChatTopic(channelID), msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.MessageType(), err)
	}
	return nil
}

// Run delivers every received event until ctx is done. ready, if non-nil,
// is closed once the subscription is confirmed.
func (b *Bus) Run(ctx context.Context, ready chan<- struct{}, deliver func(topic string, raw []byte)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			raw := []byte(m.Payload)
			f, err := protocol.Decode(raw)
			if err != nil {
				b.log.Warn().Err(err).Msg("dropping bus event")
				continue
			}
			deliver(f.Topic, raw)
		}
	}
}
