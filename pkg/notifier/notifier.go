// Package notifier provides per-collection publish/subscribe channels.
//
// A Channel joins one topic through a Transport and fans incoming messages
// out to its local handlers, one at a time and in arrival order. Joining is
// asynchronous: the transport acknowledges the subscription some time after
// Join returns, and messages published before that may be dropped by the
// transport. AwaitActive lets a publisher wait, for a bounded time, until the
// acknowledgement arrived.
package notifier

import (
	"context"
	"errors"
	"time"
)

// DefaultEvent is the event name used for collection change broadcasts.
const DefaultEvent = "list_update"

// DefaultAckTimeout bounds AwaitActive when callers have no preference.
const DefaultAckTimeout = 3 * time.Second

var (
	ErrNotOpen = errors.New("notifier: channel is not open")
	ErrClosed  = errors.New("notifier: channel is closed")
	// ErrLost reports a membership the transport ended, e.g. because the
	// connection dropped. Broadcasts sent since then were missed.
	ErrLost = errors.New("notifier: membership lost")
)

// Message is one broadcast on a topic. An empty Payload is valid and is
// treated by receivers as a hint that the collection changed.
type Message struct {
	Topic   string
	Event   string
	Payload []byte
}

// Transport joins topics on a broadcast service.
//
// deliver is called for every message broadcast on the topic after the
// membership is acknowledged, including messages sent by the membership
// itself. Calls to deliver for one membership never overlap and follow the
// order in which the service accepted the messages. deliver must not block.
type Transport interface {
	Join(ctx context.Context, topic string, deliver func(Message)) (Membership, error)
}

type Membership interface {
	// Acked is closed once the service confirmed the subscription.
	Acked() <-chan struct{}
	// Done is closed once the membership ended, whether through Leave or
	// because the transport lost it.
	Done() <-chan struct{}
	Send(ctx context.Context, msg Message) error
	Leave() error
}

// Handler receives the messages of a Channel.
type Handler func(Message)
