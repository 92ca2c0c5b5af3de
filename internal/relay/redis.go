package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker relays messages through Redis pub/sub.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker connects to the Redis server at addr.
func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return &RedisBroker{rdb: rdb}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, topics...)
	// Wait until every topic is confirmed so no message published after
	// Subscribe returns is missed.
	early, err := awaitSubscriptions(ctx, pubsub.Receive, topics)
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", topics, err)
	}
	s := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, subscriberBuffer),
		done:   make(chan struct{}),
	}
	go s.forward(early)
	return s, nil
}

// awaitSubscriptions reads replies until each topic has been confirmed and
// returns the messages that arrived in between.
func awaitSubscriptions(ctx context.Context, receive func(context.Context) (interface{}, error), topics []string) ([]*redis.Message, error) {
	pending := make(map[string]bool, len(topics))
	for _, t := range topics {
		pending[t] = true
	}
	var early []*redis.Message
	for len(pending) > 0 {
		reply, err := receive(ctx)
		if err != nil {
			return nil, err
		}
		switch r := reply.(type) {
		case *redis.Subscription:
			if r.Kind == "subscribe" {
				delete(pending, r.Channel)
			}
		case *redis.Message:
			early = append(early, r)
		}
	}
	return early, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) forward(early []*redis.Message) {
	defer close(s.out)
	for _, msg := range early {
		if !s.deliver(msg) {
			return
		}
	}
	for msg := range s.pubsub.Channel() {
		if !s.deliver(msg) {
			return
		}
	}
}

func (s *redisSubscription) deliver(msg *redis.Message) bool {
	select {
	case s.out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
		return true
	case <-s.done:
		return false
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
