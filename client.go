package tidysync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tidylist/tidysync/pkg/auth"
	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/metrics"
	"github.com/tidylist/tidysync/pkg/notifier"
	"golang.org/x/sync/errgroup"
)

// Client is the entry point of the sync engine for one signed-in user.
// Views opened from the same client share one channel per topic.
type Client struct {
	tables    backend.Tables
	transport notifier.Transport
	session   auth.Session
	cfg       *Config
	logger    logger.Logger
	metrics   metrics.Recorder

	mu       sync.Mutex
	closed   bool
	channels map[string]*sharedChannel
	views    map[view]struct{}
}

type sharedChannel struct {
	ch   *notifier.Channel
	refs int
}

// view is the part of every View the client manages.
type view interface {
	Refresh(ctx context.Context) error
	Close() error
}

// New creates a client. A nil cfg means NewConfig().
func New(tables backend.Tables, transport notifier.Transport, session auth.Session, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("tidysync: transport is required")
	}
	if session == nil {
		return nil, ErrNoSession
	}

	return &Client{
		tables:    tables,
		transport: transport,
		session:   session,
		cfg:       cfg,
		logger:    logger.OrNop(cfg.Logger),
		metrics:   metrics.OrNop(cfg.Metrics),
		channels:  make(map[string]*sharedChannel),
		views:     make(map[view]struct{}),
	}, nil
}

func (c *Client) identity(ctx context.Context) (auth.Identity, error) {
	id, err := c.session.Identity(ctx)
	if err != nil {
		return auth.Identity{}, err
	}
	if id.Subject.IsZero() {
		return auth.Identity{}, ErrNoSession
	}
	return id, nil
}

// acquire returns the open channel for topic, joining it on first use.
func (c *Client) acquire(ctx context.Context, topic string) (*notifier.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if sc, ok := c.channels[topic]; ok {
		sc.refs++
		return sc.ch, nil
	}

	ch := notifier.NewChannel(topic, c.transport, c.logger)
	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	c.channels[topic] = &sharedChannel{ch: ch, refs: 1}
	go c.watchChannel(ch)
	return ch, nil
}

// watchChannel forgets ch once its membership is lost, so the next acquire
// joins the topic again.
func (c *Client) watchChannel(ch *notifier.Channel) {
	<-ch.Done()
	err := ch.Err()
	if !errors.Is(err, notifier.ErrLost) {
		return
	}

	topic := ch.Topic()
	c.mu.Lock()
	if sc, ok := c.channels[topic]; ok && sc.ch == ch {
		delete(c.channels, topic)
	}
	c.mu.Unlock()

	c.logger.Warn("tidysync.Client lost channel", "topic", topic, "error", err)
	if c.cfg.OnChannelLost != nil {
		c.cfg.OnChannelLost(topic, err)
	}
}

// release drops one reference to ch. A channel that was already replaced
// is ignored.
func (c *Client) release(ch *notifier.Channel) {
	topic := ch.Topic()
	c.mu.Lock()
	sc, ok := c.channels[topic]
	if !ok || sc.ch != ch {
		c.mu.Unlock()
		return
	}
	sc.refs--
	if sc.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.channels, topic)
	c.mu.Unlock()

	if err := sc.ch.Close(); err != nil {
		c.logger.Warn("tidysync.Client failed to close channel", "topic", topic, "error", err)
	}
}

func (c *Client) register(v view) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.views[v] = struct{}{}
	return nil
}

func (c *Client) unregister(v view) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, v)
}

// Refresh refetches every open view concurrently.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	views := make([]view, 0, len(c.views))
	for v := range c.views {
		views = append(views, v)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, v := range views {
		g.Go(func() error {
			return v.Refresh(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("tidysync: refresh failed: %w", err)
	}
	return nil
}

// Close closes every open view and leaves every channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	views := make([]view, 0, len(c.views))
	for v := range c.views {
		views = append(views, v)
	}
	c.mu.Unlock()

	var errs []error
	for _, v := range views {
		errs = append(errs, v.Close())
	}

	c.mu.Lock()
	channels := c.channels
	c.channels = make(map[string]*sharedChannel)
	c.mu.Unlock()
	for _, sc := range channels {
		errs = append(errs, sc.ch.Close())
	}
	return errors.Join(errs...)
}
