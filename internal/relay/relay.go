// Package relay fans messages out to every subscriber of a topic, either in
// process or through Redis pub/sub so that several server instances can share
// subscribers.
package relay

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("relay: closed")

// Message is a payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers messages for the topics it was created with until
// Close is called. The channel is closed afterwards.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker publishes payloads to topics.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// SessionTopic is the topic carrying every applied edit of a session.
func SessionTopic(sessionID string) string { return "sessions:" + sessionID }

// AckTopic is the per-client acknowledgment topic.
func AckTopic(clientID string) string { return "ack:" + clientID }
