package notifier

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidylist/tidysync/pkg/logger"
)

var ErrLeft = errors.New("notifier: membership already left")

// LocalHub is an in-process Transport. Every acknowledged member of a topic,
// the sender included, receives each message in the order the hub accepted
// it. Messages sent by a member that is not acknowledged yet are dropped.
type LocalHub struct {
	// AckDelay postpones acknowledgement of new memberships.
	AckDelay time.Duration
	// ManualAck leaves new memberships unacknowledged until Ack is called.
	ManualAck bool

	logger logger.Logger

	mu     sync.Mutex
	topics map[string]*hubTopic

	dropped atomic.Int64
}

type hubTopic struct {
	mu      sync.Mutex
	members []*hubMember
}

type hubMember struct {
	hub     *LocalHub
	topic   string
	deliver func(Message)
	acked   chan struct{}
	ackOnce sync.Once
	left    atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewLocalHub(log logger.Logger) *LocalHub {
	return &LocalHub{
		logger: logger.OrNop(log),
		topics: make(map[string]*hubTopic),
	}
}

func (h *LocalHub) topic(name string) *hubTopic {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[name]
	if !ok {
		t = &hubTopic{}
		h.topics[name] = t
	}
	return t
}

func (h *LocalHub) Join(ctx context.Context, topic string, deliver func(Message)) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &hubMember{
		hub:     h,
		topic:   topic,
		deliver: deliver,
		acked:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	t := h.topic(topic)
	t.mu.Lock()
	t.members = append(t.members, m)
	t.mu.Unlock()

	switch {
	case h.ManualAck:
	case h.AckDelay > 0:
		time.AfterFunc(h.AckDelay, m.ack)
	default:
		m.ack()
	}

	h.logger.Debug("notifier.LocalHub member joined", "topic", topic)
	return m, nil
}

// Ack acknowledges every pending membership of topic.
func (h *LocalHub) Ack(topic string) {
	t := h.topic(topic)
	t.mu.Lock()
	members := slices.Clone(t.members)
	t.mu.Unlock()

	for _, m := range members {
		m.ack()
	}
}

// Disconnect ends every membership of topic as a dropped connection would.
// The members are not asked to leave; they only observe Done.
func (h *LocalHub) Disconnect(topic string) {
	t := h.topic(topic)
	t.mu.Lock()
	members := t.members
	t.members = nil
	for _, m := range members {
		m.left.Store(true)
	}
	t.mu.Unlock()

	for _, m := range members {
		m.finish()
	}
	h.logger.Debug("notifier.LocalHub disconnected topic", "topic", topic, "members", len(members))
}

// Members returns the number of members currently joined to topic.
func (h *LocalHub) Members(topic string) int {
	t := h.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.members)
}

// Dropped returns how many messages were discarded because their sender
// was not acknowledged.
func (h *LocalHub) Dropped() int64 {
	return h.dropped.Load()
}

func (m *hubMember) ack() {
	m.ackOnce.Do(func() { close(m.acked) })
}

func (m *hubMember) isAcked() bool {
	select {
	case <-m.acked:
		return true
	default:
		return false
	}
}

func (m *hubMember) Acked() <-chan struct{} {
	return m.acked
}

func (m *hubMember) Done() <-chan struct{} {
	return m.done
}

func (m *hubMember) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *hubMember) Send(ctx context.Context, msg Message) error {
	if m.left.Load() {
		return ErrLeft
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.isAcked() {
		m.hub.dropped.Add(1)
		m.hub.logger.Debug("notifier.LocalHub dropped message from unacknowledged member", "topic", m.topic, "event", msg.Event)
		return nil
	}

	msg.Topic = m.topic
	t := m.hub.topic(m.topic)

	// Holding the topic lock across the fan-out gives every member the
	// same order.
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, member := range t.members {
		if member.left.Load() || !member.isAcked() {
			continue
		}
		member.deliver(msg)
	}
	return nil
}

func (m *hubMember) Leave() error {
	if m.left.Swap(true) {
		return nil
	}

	t := m.hub.topic(m.topic)
	t.mu.Lock()
	t.members = slices.DeleteFunc(t.members, func(o *hubMember) bool { return o == m })
	t.mu.Unlock()
	m.finish()

	m.hub.logger.Debug("notifier.LocalHub member left", "topic", m.topic)
	return nil
}
