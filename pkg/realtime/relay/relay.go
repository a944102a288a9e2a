// Package relay is the broadcast server behind realtime clients. It keeps
// topic memberships per connection, acknowledges joins, and fans every
// broadcast out to all members of the topic, the sender included. Members
// of a topic receive its broadcasts in one order.
//
// The WebSocket server is implemented using the `gws` library.
package relay

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/lxzan/gws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidylist/tidysync/internal/codec"
	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/realtime"
)

// Authorizer decides whether token may join topic. A nil Authorizer admits
// every join.
type Authorizer func(token, topic string) error

const closeGoingAway = 1001

type Options struct {
	Authorize Authorizer
	Logger    logger.Logger
	// Registerer receives the relay metrics. Nil disables them.
	Registerer prometheus.Registerer
}

type member struct {
	conn  *gws.Conn
	ref   string
	topic string
}

type topic struct {
	// mu is held for a whole fan-out so every member sees one order.
	mu      sync.Mutex
	members map[*member]struct{}
}

type Relay struct {
	upgrader  *gws.Upgrader
	codec     codec.Codec
	authorize Authorizer
	logger    logger.Logger
	metrics   *relayMetrics

	mu     sync.Mutex
	topics map[string]*topic
	conns  map[*gws.Conn]map[string]*member
}

var _ http.Handler = (*Relay)(nil)

func New(opts Options) *Relay {
	r := &Relay{
		codec:     realtime.Codec(),
		authorize: opts.Authorize,
		logger:    logger.OrNop(opts.Logger),
		metrics:   newRelayMetrics(opts.Registerer),
		topics:    make(map[string]*topic),
		conns:     make(map[*gws.Conn]map[string]*member),
	}
	r.upgrader = gws.NewUpgrader(&handler{relay: r}, &gws.ServerOption{
		PermessageDeflate: gws.PermessageDeflate{Enabled: true},
	})
	return r
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := r.upgrader.Upgrade(w, req)
	if err != nil {
		r.logger.Debug("relay.Relay upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	go socket.ReadLoop()
}

// Shutdown closes every connection with a going-away close frame. Clients
// see their memberships end.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	sockets := make([]*gws.Conn, 0, len(r.conns))
	for socket := range r.conns {
		sockets = append(sockets, socket)
	}
	r.mu.Unlock()

	for _, socket := range sockets {
		if err := socket.WriteClose(closeGoingAway, []byte("relay shutting down")); err != nil {
			r.logger.Debug("relay.Relay failed to write close frame", "error", err)
		}
		_ = socket.NetConn().Close()
	}
	r.logger.Info("relay.Relay closed connections", "connections", len(sockets))
}

// Members returns the number of members joined to name.
func (r *Relay) Members(name string) int {
	r.mu.Lock()
	t, ok := r.topics[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

func (r *Relay) join(socket *gws.Conn, f realtime.Frame) {
	if f.Ref == "" || f.Topic == "" {
		r.reply(socket, realtime.Frame{Type: realtime.FrameError, Ref: f.Ref, Topic: f.Topic, Error: "join needs a ref and a topic"})
		return
	}
	if r.authorize != nil {
		if err := r.authorize(f.Token, f.Topic); err != nil {
			r.metrics.rejected.Inc()
			r.logger.Info("relay.Relay rejected join", "topic", f.Topic, "error", err)
			r.reply(socket, realtime.Frame{Type: realtime.FrameError, Ref: f.Ref, Topic: f.Topic, Error: "unauthorized"})
			return
		}
	}

	m := &member{conn: socket, ref: f.Ref, topic: f.Topic}

	r.mu.Lock()
	refs, ok := r.conns[socket]
	if !ok {
		r.mu.Unlock()
		return
	}
	if prev, dup := refs[f.Ref]; dup {
		r.mu.Unlock()
		r.reply(socket, realtime.Frame{Type: realtime.FrameError, Ref: f.Ref, Topic: prev.topic, Error: "ref already joined"})
		return
	}
	refs[f.Ref] = m
	t := r.topicLocked(f.Topic)
	r.mu.Unlock()

	t.mu.Lock()
	t.members[m] = struct{}{}
	t.mu.Unlock()
	r.metrics.members.Inc()

	r.reply(socket, realtime.Frame{Type: realtime.FrameJoined, Ref: f.Ref, Topic: f.Topic})
}

func (r *Relay) topicLocked(name string) *topic {
	t, ok := r.topics[name]
	if !ok {
		t = &topic{members: make(map[*member]struct{})}
		r.topics[name] = t
	}
	return t
}

func (r *Relay) leave(socket *gws.Conn, ref string) {
	r.mu.Lock()
	m, ok := r.conns[socket][ref]
	if ok {
		delete(r.conns[socket], ref)
	}
	r.mu.Unlock()

	if ok {
		r.drop(m)
	}
}

func (r *Relay) drop(m *member) {
	r.mu.Lock()
	t, ok := r.topics[m.topic]
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	_, present := t.members[m]
	delete(t.members, m)
	t.mu.Unlock()
	if present {
		r.metrics.members.Dec()
	}
}

func (r *Relay) broadcast(socket *gws.Conn, f realtime.Frame) {
	r.mu.Lock()
	sender, ok := r.conns[socket][f.Ref]
	var t *topic
	if ok {
		t = r.topics[sender.topic]
	}
	r.mu.Unlock()

	if !ok || t == nil {
		r.metrics.dropped.Inc()
		r.logger.Debug("relay.Relay dropped broadcast from non-member", "ref", f.Ref, "topic", f.Topic)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for m := range t.members {
		r.reply(m.conn, realtime.Frame{
			Type:    realtime.FrameBroadcast,
			Ref:     m.ref,
			Topic:   m.topic,
			Event:   f.Event,
			Payload: f.Payload,
		})
	}
	r.metrics.broadcasts.Inc()
}

func (r *Relay) reply(socket *gws.Conn, f realtime.Frame) {
	data, err := r.codec.Marshal(f)
	if err != nil {
		r.logger.Error("BUG: relay.Relay failed to encode frame", "type", f.Type, "error", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil && !errors.Is(err, net.ErrClosed) {
		r.logger.Debug("relay.Relay write failed", "type", f.Type, "topic", f.Topic, "error", err)
	}
}

// handler implements gws.Event for relay connections.
type handler struct {
	relay *Relay
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.relay.mu.Lock()
	h.relay.conns[socket] = make(map[string]*member)
	h.relay.mu.Unlock()
	h.relay.metrics.connections.Inc()
}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	h.relay.mu.Lock()
	refs := h.relay.conns[socket]
	delete(h.relay.conns, socket)
	h.relay.mu.Unlock()

	for _, m := range refs {
		h.relay.drop(m)
	}
	h.relay.metrics.connections.Dec()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	var f realtime.Frame
	if err := h.relay.codec.Unmarshal(message.Bytes(), &f); err != nil {
		h.relay.reply(socket, realtime.Frame{Type: realtime.FrameError, Error: "malformed frame"})
		return
	}

	switch f.Type {
	case realtime.FrameJoin:
		h.relay.join(socket, f)
	case realtime.FrameLeave:
		h.relay.leave(socket, f.Ref)
	case realtime.FrameBroadcast:
		h.relay.broadcast(socket, f)
	default:
		h.relay.reply(socket, realtime.Frame{Type: realtime.FrameError, Ref: f.Ref, Topic: f.Topic, Error: "unsupported frame type"})
	}
}

type relayMetrics struct {
	connections prometheus.Gauge
	members     prometheus.Gauge
	broadcasts  prometheus.Counter
	dropped     prometheus.Counter
	rejected    prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	// promauto.With(nil) builds unregistered collectors.
	f := promauto.With(reg)
	return &relayMetrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "tidyrelay_connections",
			Help: "Open WebSocket connections.",
		}),
		members: f.NewGauge(prometheus.GaugeOpts{
			Name: "tidyrelay_members",
			Help: "Topic memberships across all connections.",
		}),
		broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "tidyrelay_broadcasts_total",
			Help: "Broadcasts fanned out to a topic.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tidyrelay_dropped_broadcasts_total",
			Help: "Broadcasts from connections that were not members of the topic.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "tidyrelay_rejected_joins_total",
			Help: "Joins refused by the authorizer.",
		}),
	}
}
