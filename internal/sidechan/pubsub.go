package sidechan

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/douyutap/internal/util"
)

// publishTimeout bounds one publish; a slow broker must not stall the host.
const publishTimeout = 2 * time.Second

// Channel names on the broker.
const (
	Channel      = "douyu"
	ScrapeSuffix = ".stt"
)

// Publisher sends one message to a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Close() error
}

// RedisPublisher publishes through a go-redis client. The client is safe for
// concurrent use, so one publisher serves every instance.
type RedisPublisher struct {
	client *redis.Client
}

// DialRedis connects to the broker at addr and checks it answers PING.
func DialRedis(ctx context.Context, addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach broker at %s: %w", addr, err)
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	return p.client.Publish(ctx, channel, message).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// pubsubSink publishes "<marker> <text>" to the douyu channel. Failures are
// logged and never retried.
type pubsubSink struct {
	ctx context.Context
	pub Publisher
}

func (s pubsubSink) Deliver(d Delivery) {
	msg := make([]byte, 0, len(d.Payload)+2)
	msg = append(msg, d.Direction.Marker()...)
	msg = append(msg, ' ')
	msg = append(msg, d.Payload...)

	publish(s.ctx, s.pub, Channel, msg, d.Instance)
}

func publish(base context.Context, pub Publisher, channel string, msg []byte, instance string) {
	ctx, cancel := context.WithTimeout(base, publishTimeout)
	defer cancel()

	if err := pub.Publish(ctx, channel, msg); err != nil {
		util.LogWarning("[%08x] publish to %s failed: %v", util.InstanceTag(instance), channel, err)
		util.Stats.AddPublishFailure()
		return
	}
	util.Stats.AddPublished()
}
