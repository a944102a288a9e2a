package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/tidylist/tidysync/internal/codec"
	"github.com/tidylist/tidysync/internal/rand"
	"github.com/tidylist/tidysync/pkg/auth"
	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/notifier"
)

var (
	ErrClosed = errors.New("realtime: connection closed")
	ErrLeft   = errors.New("realtime: membership left")
)

// DefaultDialer negotiates the cbor subprotocol with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

type Option func(c *Client)

func WithSession(s auth.Session) Option {
	return func(c *Client) { c.session = s }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = logger.OrNop(l) }
}

func WithDialer(d *gorilla.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is a notifier.Transport over one WebSocket connection. Any number
// of channels may join through the same client.
type Client struct {
	dialer  *gorilla.Dialer
	codec   codec.Codec
	session auth.Session
	logger  logger.Logger

	conn *gorilla.Conn
	// writeLock serializes writes; gorilla supports one concurrent writer.
	writeLock sync.Mutex

	mu       sync.Mutex
	members  map[string]*membership
	closed   bool
	closeErr error
	closeCh  chan struct{}
}

var _ notifier.Transport = (*Client)(nil)

// Dial connects to the relay endpoint at url, e.g. ws://localhost:8080/realtime.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		dialer:  DefaultDialer,
		codec:   Codec(),
		logger:  logger.Nop,
		members: make(map[string]*membership),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, res, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: failed to dial %s: %w", url, err)
	}
	defer res.Body.Close()
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// Join registers deliver for topic and sends the join frame. The returned
// membership is acknowledged when the relay answers with joined.
func (c *Client) Join(ctx context.Context, topic string, deliver func(notifier.Message)) (notifier.Membership, error) {
	var token string
	if c.session != nil {
		t, err := c.session.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("realtime: failed to get session token: %w", err)
		}
		token = t
	}

	m := &membership{
		client:  c,
		ref:     rand.NewRef(rand.RefLength),
		topic:   topic,
		deliver: deliver,
		acked:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.members[m.ref] = m
	c.mu.Unlock()

	if err := c.write(ctx, Frame{Type: FrameJoin, Ref: m.ref, Topic: topic, Token: token}); err != nil {
		c.remove(m.ref)
		return nil, err
	}
	return m, nil
}

// Members returns the number of live memberships.
func (c *Client) Members() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

func (c *Client) remove(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, ref)
}

func (c *Client) member(ref string) (*membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[ref]
	return m, ok
}

func (c *Client) write(ctx context.Context, f Frame) error {
	data, err := c.codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("realtime: failed to encode %s frame: %w", f.Type, err)
	}

	select {
	case <-c.closeCh:
		return c.err()
	default:
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.conn.WriteMessage(gorilla.BinaryMessage, data); err != nil {
		if errors.Is(err, gorilla.ErrCloseSent) {
			c.closeWithError(err)
		}
		return fmt.Errorf("realtime: failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, c.closeErr)
	}
	return ErrClosed
}

func (c *Client) closeWithError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.closeCh)
	for ref, m := range c.members {
		m.markLeft()
		delete(c.members, ref)
	}
}

// readLoop delivers broadcasts in arrival order. Handlers run on the
// channel's own dispatch goroutine, so delivery here never blocks.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				c.logger.Warn("realtime.Client connection lost", "error", err)
			}
			c.closeWithError(err)
			return
		}

		var f Frame
		if err := c.codec.Unmarshal(data, &f); err != nil {
			c.logger.Warn("realtime.Client dropped undecodable frame", "error", err)
			continue
		}
		c.handle(f)
	}
}

func (c *Client) handle(f Frame) {
	m, ok := c.member(f.Ref)
	if !ok {
		c.logger.Debug("realtime.Client frame for unknown ref", "type", f.Type, "ref", f.Ref, "topic", f.Topic)
		return
	}

	switch f.Type {
	case FrameJoined:
		m.ack()
	case FrameBroadcast:
		m.deliver(notifier.Message{Topic: m.topic, Event: f.Event, Payload: f.Payload})
	case FrameError:
		c.logger.Warn("realtime.Client relay rejected frame", "topic", m.topic, "ref", f.Ref, "error", f.Error)
	default:
		c.logger.Debug("realtime.Client ignored frame", "type", f.Type, "topic", m.topic)
	}
}

// Close sends a close frame, bounded by ctx, and closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeLock.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	err := c.conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	c.writeLock.Unlock()
	if err != nil {
		c.logger.Debug("realtime.Client failed to write close message", "error", err)
	}

	c.closeWithError(net.ErrClosed)
	return c.conn.Close()
}

type membership struct {
	client  *Client
	ref     string
	topic   string
	deliver func(notifier.Message)

	ackOnce sync.Once
	acked   chan struct{}

	leftMu sync.Mutex
	left   bool
	done   chan struct{}
}

func (m *membership) ack() {
	m.ackOnce.Do(func() { close(m.acked) })
}

func (m *membership) Acked() <-chan struct{} {
	return m.acked
}

func (m *membership) Done() <-chan struct{} {
	return m.done
}

// markLeft ends the membership without a leave frame, as when the
// connection is gone.
func (m *membership) markLeft() {
	m.leftMu.Lock()
	defer m.leftMu.Unlock()
	if m.left {
		return
	}
	m.left = true
	close(m.done)
}

func (m *membership) hasLeft() bool {
	m.leftMu.Lock()
	defer m.leftMu.Unlock()
	return m.left
}

func (m *membership) Send(ctx context.Context, msg notifier.Message) error {
	if m.hasLeft() {
		return ErrLeft
	}
	return m.client.write(ctx, Frame{
		Type:    FrameBroadcast,
		Ref:     m.ref,
		Topic:   m.topic,
		Event:   msg.Event,
		Payload: msg.Payload,
	})
}

func (m *membership) Leave() error {
	m.leftMu.Lock()
	if m.left {
		m.leftMu.Unlock()
		return nil
	}
	m.left = true
	close(m.done)
	m.leftMu.Unlock()

	m.client.remove(m.ref)
	err := m.client.write(context.Background(), Frame{Type: FrameLeave, Ref: m.ref, Topic: m.topic})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
