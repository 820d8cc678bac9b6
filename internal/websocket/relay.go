package websocket

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/model"
)

// EventsChannel is the redis pub/sub channel carrying session events
// between task workers and the API process.
const EventsChannel = "session:events"

// RedisPublisher publishes session events on EventsChannel so a hub in
// another process can relay them.
type RedisPublisher struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisPublisher creates a publisher
func NewRedisPublisher(client *redis.Client, log *logrus.Entry) *RedisPublisher {
	return &RedisPublisher{client: client, log: log.WithField("component", "events")}
}

// Publish sends ev. Failures are logged; progress events are best effort.
func (p *RedisPublisher) Publish(ev model.SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(err).Warn("Failed to marshal session event")
		return
	}
	if err := p.client.Publish(context.Background(), EventsChannel, data).Err(); err != nil {
		p.log.WithError(err).WithField("session_id", ev.SessionID).Warn("Failed to publish session event")
	}
}

// Relay forwards events from EventsChannel to local subscribers until ctx
// is done.
func (h *Hub) Relay(ctx context.Context, client *redis.Client) error {
	sub := client.Subscribe(ctx, EventsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.WithError(err).Warn("Ignoring malformed session event")
				continue
			}
			h.publishRaw(ev.SessionID, []byte(msg.Payload))
		}
	}
}
