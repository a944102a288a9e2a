package notifier

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tidylist/tidysync/pkg/logger"
)

type subscription struct {
	id      int
	handler Handler
}

// Channel is a subscription to one topic shared by every handler interested
// in the same collection.
type Channel struct {
	topic     string
	transport Transport
	logger    logger.Logger

	// state is guarded by stateMu. activeCh is closed on the transition to
	// Active and closedCh on the transition to Closed.
	state    State
	stateMu  sync.Mutex
	activeCh chan struct{}
	closedCh chan struct{}
	// lostErr is set when the transport ended the membership.
	lostErr error

	membership Membership

	subsMu  sync.Mutex
	subs    []subscription
	nextSub int

	// queue holds delivered messages until the dispatch goroutine hands
	// them to the handlers.
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []Message
	stopping  bool
	stoppedCh chan struct{}
}

func NewChannel(topic string, transport Transport, log logger.Logger) *Channel {
	c := &Channel{
		topic:     topic,
		transport: transport,
		logger:    logger.OrNop(log),
		state:     StateIdle,
		activeCh:  make(chan struct{}),
		closedCh:  make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	c.queueCond = sync.NewCond(&c.queueMu)
	return c
}

func (c *Channel) Topic() string {
	return c.topic
}

func (c *Channel) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.state
}

func (c *Channel) transitionTo(newState State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.transitionToLocked(newState)
}

func (c *Channel) transitionToLocked(newState State) error {
	if err := c.state.validateTransitionTo(newState); err != nil {
		return err
	}

	c.state = newState
	switch newState {
	case StateActive:
		close(c.activeCh)
	case StateClosed:
		close(c.closedCh)
	}
	c.logger.Debug("notifier.Channel state transitioned", "topic", c.topic, "new_state", newState)

	return nil
}

// Open joins the topic. It returns once the transport accepted the join;
// the channel becomes Active when the transport acknowledges it.
func (c *Channel) Open(ctx context.Context) error {
	if err := c.transitionTo(StateSubscribing); err != nil {
		return err
	}

	m, err := c.transport.Join(ctx, c.topic, c.enqueue)
	if err != nil {
		c.stateMu.Lock()
		if c.state == StateSubscribing {
			if stateErr := c.transitionToLocked(StateIdle); stateErr != nil {
				c.logger.Error("BUG: notifier.Channel failed to transition to idle state", "topic", c.topic, "error", stateErr)
			}
		}
		c.stateMu.Unlock()
		return fmt.Errorf("notifier: failed to join %s: %w", c.topic, err)
	}

	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		_ = m.Leave()
		return ErrClosed
	}
	c.membership = m
	c.stateMu.Unlock()

	go c.dispatchLoop()
	go c.watch(m)

	return nil
}

// watch follows the membership: Active on acknowledgement, Closed when the
// transport ends it.
func (c *Channel) watch(m Membership) {
	select {
	case <-m.Acked():
		c.activate()
	case <-m.Done():
		c.lose()
		return
	case <-c.closedCh:
		return
	}

	select {
	case <-m.Done():
		c.lose()
	case <-c.closedCh:
	}
}

func (c *Channel) activate() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StateSubscribing {
		return
	}
	if err := c.transitionToLocked(StateActive); err != nil {
		c.logger.Error("BUG: notifier.Channel failed to transition to active state", "topic", c.topic, "error", err)
	}
}

func (c *Channel) lose() {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return
	}
	c.lostErr = fmt.Errorf("%w: %s", ErrLost, c.topic)
	if err := c.transitionToLocked(StateClosed); err != nil {
		c.logger.Error("BUG: notifier.Channel failed to transition to closed state", "topic", c.topic, "error", err)
	}
	c.stateMu.Unlock()

	c.logger.Warn("notifier.Channel lost its membership", "topic", c.topic)
	c.stopDispatch()
}

// Done is closed when the channel is closed, by Close or because the
// transport lost the membership.
func (c *Channel) Done() <-chan struct{} {
	return c.closedCh
}

// Err returns nil while the channel is open, an error wrapping ErrLost if
// the transport ended the membership and ErrClosed after Close.
func (c *Channel) Err() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.errLocked()
}

func (c *Channel) errLocked() error {
	switch {
	case c.lostErr != nil:
		return c.lostErr
	case c.state == StateClosed:
		return ErrClosed
	}
	return nil
}

// AwaitActive waits until the channel is Active, timeout elapses or ctx is
// done, and reports whether the channel is Active. It returns false at once
// for an Idle or Closed channel.
func (c *Channel) AwaitActive(ctx context.Context, timeout time.Duration) bool {
	switch c.State() {
	case StateActive:
		return true
	case StateIdle, StateClosed:
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.activeCh:
		return true
	case <-c.closedCh:
		return false
	case <-timer.C:
		c.logger.Debug("notifier.Channel acknowledgement timed out", "topic", c.topic, "timeout", timeout)
		return false
	case <-ctx.Done():
		return false
	}
}

// Publish sends msg on the topic. Delivery is best effort: a transport may
// drop messages sent before the channel is Active.
func (c *Channel) Publish(ctx context.Context, msg Message) error {
	c.stateMu.Lock()
	state, m, closedErr := c.state, c.membership, c.errLocked()
	c.stateMu.Unlock()

	switch {
	case state == StateClosed:
		return closedErr
	case m == nil:
		return ErrNotOpen
	}

	msg.Topic = c.topic
	if msg.Event == "" {
		msg.Event = DefaultEvent
	}
	return m.Send(ctx, msg)
}

// Subscribe registers h for every message received on the channel, including
// the channel's own publications. The returned function detaches h.
func (c *Channel) Subscribe(h Handler) (unsubscribe func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			c.subs = slices.DeleteFunc(c.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

func (c *Channel) enqueue(msg Message) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if c.stopping {
		return
	}
	c.queue = append(c.queue, msg)
	c.queueCond.Signal()
}

func (c *Channel) dispatchLoop() {
	defer close(c.stoppedCh)

	for {
		c.queueMu.Lock()
		for len(c.queue) == 0 && !c.stopping {
			c.queueCond.Wait()
		}
		if c.stopping {
			c.queue = nil
			c.queueMu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		c.subsMu.Lock()
		subs := slices.Clone(c.subs)
		c.subsMu.Unlock()

		for _, s := range subs {
			s.handler(msg)
		}
	}
}

func (c *Channel) stopDispatch() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.stopping = true
	c.queueCond.Broadcast()
}

// Close leaves the topic and stops delivery. Messages not yet handed to the
// handlers are discarded. Close must not be called from a Handler.
func (c *Channel) Close() error {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return nil
	}
	if err := c.transitionToLocked(StateClosed); err != nil {
		c.stateMu.Unlock()
		return err
	}
	m := c.membership
	c.stateMu.Unlock()

	if m == nil {
		return nil
	}

	c.stopDispatch()
	<-c.stoppedCh

	if err := m.Leave(); err != nil {
		return fmt.Errorf("notifier: failed to leave %s: %w", c.topic, err)
	}
	return nil
}
