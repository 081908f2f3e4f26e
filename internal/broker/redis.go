package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus backed by redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a client for addr, which is either "host:port" or a
// redis:// URL, selecting logical database db.
func NewRedis(addr string, db int) (*Redis, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	opts.DB = db
	return &Redis{client: redis.NewClient(opts)}, nil
}

// Ping checks the broker is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe implements Subscriber. It waits for the server to confirm the
// subscription so an unreachable broker is reported here.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, channel, err)
	}
	return &redisSubscription{ps: ps}, nil
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

// Receive blocks for the next message. go-redis keeps reading the socket
// after ctx is done, so cancellation closes the subscription to unblock it.
func (s *redisSubscription) Receive(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() { s.ps.Close() })
	msg, err := s.ps.ReceiveMessage(ctx)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if errors.Is(err, redis.ErrClosed) {
			return Message{}, ErrSubscriptionClosed
		}
		return Message{}, fmt.Errorf("%w: receive: %v", ErrUnavailable, err)
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
