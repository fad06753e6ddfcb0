package replication

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/domain"
)

// Sink receives decoded replication traffic from sibling workers.
type Sink interface {
	// ApplyReplicated mutates the replicated room-info table.
	ApplyReplicated(kind Kind, info domain.RoomInfo)
	// Localcast fans arbitrary content out to every locally-owned room.
	Localcast(content []byte)
}

// Channel is the worker end of the cluster relay. Every worker publishes
// to one shared Redis channel and subscribes to the same channel, skipping
// its own messages by sender ID. Publishing is fire-and-forget: there is
// no acknowledgement, no retry and no ordering guarantee.
type Channel struct {
	client  *redis.Client
	channel string
	sender  string
	log     *logrus.Entry

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewChannel creates the relay endpoint for this worker. sender must be
// unique per worker process on the machine.
func NewChannel(client *redis.Client, keyPrefix, sender string) *Channel {
	if client == nil {
		panic("redis client cannot be nil for replication.Channel")
	}
	return &Channel{
		client:  client,
		channel: keyPrefix + "cluster",
		sender:  sender,
		log:     logrus.WithField("component", "replication"),
		done:    make(chan struct{}),
	}
}

// PublishNewRoom announces a freshly registered local room to siblings.
func (c *Channel) PublishNewRoom(info domain.RoomInfo) {
	c.publish(Envelope{Message: KindNewRoom, Sender: c.sender, Info: &info})
}

// PublishRoomInfo refreshes the replicated summary of a local room.
func (c *Channel) PublishRoomInfo(info domain.RoomInfo) {
	c.publish(Envelope{Message: KindRoomInfo, Sender: c.sender, Info: &info})
}

// PublishRoomClose announces that a local room has closed.
func (c *Channel) PublishRoomClose(name string) {
	c.publish(Envelope{Message: KindRoomClose, Sender: c.sender, Info: &domain.RoomInfo{Name: name}})
}

// PublishBroadcast relays content for every room on every worker.
func (c *Channel) PublishBroadcast(content []byte) {
	c.publish(Envelope{Message: KindBroadcast, Sender: c.sender, Content: content})
}

func (c *Channel) publish(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode replication envelope")
		return
	}
	if err := c.client.Publish(context.Background(), c.channel, data).Err(); err != nil {
		// Best effort only. A dropped message leaves siblings with a stale
		// view until the TTL sweep catches up.
		c.log.WithError(err).WithField("kind", env.Message.String()).
			Warn("Failed to publish replication message")
	}
}

// Subscribe starts consuming relay traffic into the sink. It returns once
// the subscription is established; delivery runs on a background goroutine
// until Close is called.
func (c *Channel) Subscribe(sink Sink) {
	c.pubsub = c.client.Subscribe(context.Background(), c.channel)
	go func() {
		ch := c.pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					c.log.Info("Replication subscription closed")
					return
				}
				c.dispatch(sink, []byte(msg.Payload))
			case <-c.done:
				return
			}
		}
	}()
	c.log.WithField("channel", c.channel).Info("Subscribed to cluster relay")
}

func (c *Channel) dispatch(sink Sink, payload []byte) {
	env, err := Decode(payload)
	if err != nil {
		c.log.WithError(err).Warn("Dropping malformed replication message")
		return
	}
	if env.Sender == c.sender {
		return
	}
	switch env.Message {
	case KindNewRoom, KindRoomInfo, KindRoomClose:
		sink.ApplyReplicated(env.Message, *env.Info)
	case KindBroadcast:
		sink.Localcast(env.Content)
	}
}

// Close tears the subscription down.
func (c *Channel) Close() {
	close(c.done)
	if c.pubsub != nil {
		if err := c.pubsub.Close(); err != nil {
			c.log.WithError(err).Warn("Error closing replication subscription")
		}
	}
}
