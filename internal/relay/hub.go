package relay

import (
	"context"
	"sync"
)

const subscriberBuffer = 256

// Hub is an in-process Broker. A single goroutine started with Run owns the
// subscriber set; a subscriber whose buffer is full is dropped and its
// channel closed.
type Hub struct {
	subscribers map[*hubSubscription]bool
	register    chan *hubSubscription
	unregister  chan *hubSubscription
	broadcast   chan Message
	done        chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*hubSubscription]bool),
		register:    make(chan *hubSubscription),
		unregister:  make(chan *hubSubscription),
		broadcast:   make(chan Message),
		done:        make(chan struct{}),
	}
}

// Run serves the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for s := range h.subscribers {
			close(s.send)
		}
		h.subscribers = nil
		close(h.done)
	}()
	for {
		select {
		case s := <-h.register:
			h.subscribers[s] = true
		case s := <-h.unregister:
			if h.subscribers[s] {
				delete(h.subscribers, s)
				close(s.send)
			}
		case msg := <-h.broadcast:
			for s := range h.subscribers {
				if !s.topics[msg.Topic] {
					continue
				}
				select {
				case s.send <- msg:
				default:
					close(s.send)
					delete(h.subscribers, s)
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case h.broadcast <- Message{Topic: topic, Payload: payload}:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	s := &hubSubscription{
		hub:    h,
		topics: make(map[string]bool, len(topics)),
		send:   make(chan Message, subscriberBuffer),
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	select {
	case h.register <- s:
		return s, nil
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type hubSubscription struct {
	hub       *Hub
	topics    map[string]bool
	send      chan Message
	closeOnce sync.Once
}

func (s *hubSubscription) Messages() <-chan Message { return s.send }

func (s *hubSubscription) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
	})
	return nil
}
