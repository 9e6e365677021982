// Package fanout pushes ledger account changes and lifecycle events to
// connected clients. A single watcher produces account deltas; every client
// drains its own bounded queue.
package fanout

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"leaseflow/address"
	"leaseflow/ledger"
	"leaseflow/metrics"
)

var (
	ErrNotAuthenticated = errors.New("fanout: client is not authenticated")
	ErrUnknownResource  = errors.New("fanout: unknown resource kind")
	ErrClientClosed     = errors.New("fanout: client is closed")
)

// DefaultQueueSize bounds each client's undelivered events.
const DefaultQueueSize = 64

// missLimit is how many heartbeats a silent client survives.
const missLimit = 2

// Event is one message pushed to a client.
type Event struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

type subKey struct {
	kind ledger.Kind
	addr address.Address
}

// Client is one live connection.
type Client struct {
	ID    string
	queue *queue

	// guarded by Hub.mu
	party   address.Address
	authed  bool
	subs    map[subKey]struct{}
	touched bool
	misses  int
	closed  bool
}

// Events signals whenever the client's queue gains an event.
func (c *Client) Events() <-chan struct{} { return c.queue.notify }

// Drain returns and clears the client's pending events, oldest first.
func (c *Client) Drain() []Event { return c.queue.drain() }

// Done is closed when the hub tears the client down.
func (c *Client) Done() <-chan struct{} { return c.queue.done }

type watch struct {
	kind ledger.Kind
	refs int
	hash [32]byte
	seen bool
}

// Hub tracks clients, their subscriptions and the accounts being watched.
type Hub struct {
	mu        sync.Mutex
	clients   map[*Client]struct{}
	byParty   map[address.Address]map[*Client]struct{}
	subs      map[subKey]map[*Client]struct{}
	watched   map[address.Address]*watch
	queueSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		byParty:   make(map[address.Address]map[*Client]struct{}),
		subs:      make(map[subKey]map[*Client]struct{}),
		watched:   make(map[address.Address]*watch),
		queueSize: DefaultQueueSize,
		logger:    slog.Default().With("component", "fanout"),
	}
}

func (h *Hub) WithQueueSize(n int) *Hub {
	if n > 0 {
		h.queueSize = n
	}
	return h
}

func (h *Hub) WithMetrics(m *metrics.Metrics) *Hub {
	h.metrics = m
	return h
}

func (h *Hub) WithLogger(logger *slog.Logger) *Hub {
	if logger != nil {
		h.logger = logger.With("component", "fanout")
	}
	return h
}

// Connect registers a new, unauthenticated client.
func (h *Hub) Connect() *Client {
	c := &Client{
		ID:      uuid.NewString(),
		queue:   newQueue(h.queueSize),
		subs:    make(map[subKey]struct{}),
		touched: true,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.FanoutClients(n)
	return c
}

// Authenticate binds the client to a party so party events reach it.
func (h *Hub) Authenticate(c *Client, party address.Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.authed && c.party != party {
		delete(h.byParty[c.party], c)
	}
	c.party, c.authed = party, true
	set := h.byParty[party]
	if set == nil {
		set = make(map[*Client]struct{})
		h.byParty[party] = set
	}
	set[c] = struct{}{}
	return nil
}

// Subscribe registers an exact-resource subscription and starts watching
// the account if nobody else was.
func (h *Hub) Subscribe(c *Client, kind ledger.Kind, addr address.Address) error {
	if !kind.Valid() {
		return ErrUnknownResource
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if !c.authed {
		return ErrNotAuthenticated
	}
	key := subKey{kind, addr}
	if _, ok := c.subs[key]; ok {
		return nil
	}
	c.subs[key] = struct{}{}
	set := h.subs[key]
	if set == nil {
		set = make(map[*Client]struct{})
		h.subs[key] = set
	}
	set[c] = struct{}{}

	w := h.watched[addr]
	if w == nil {
		w = &watch{kind: kind}
		h.watched[addr] = w
	}
	w.refs++
	h.metrics.FanoutWatched(len(h.watched))
	return nil
}

// Unsubscribe drops one subscription. Unknown subscriptions are ignored.
func (h *Hub) Unsubscribe(c *Client, kind ledger.Kind, addr address.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, subKey{kind, addr})
}

func (h *Hub) unsubscribeLocked(c *Client, key subKey) {
	if _, ok := c.subs[key]; !ok {
		return
	}
	delete(c.subs, key)
	if set := h.subs[key]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	if w := h.watched[key.addr]; w != nil {
		w.refs--
		if w.refs <= 0 {
			delete(h.watched, key.addr)
		}
	}
	h.metrics.FanoutWatched(len(h.watched))
}

// Disconnect tears a client down and releases its subscriptions. It is safe
// to call more than once.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	h.disconnectLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.FanoutClients(n)
}

func (h *Hub) disconnectLocked(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	for key := range c.subs {
		h.unsubscribeLocked(c, key)
	}
	if c.authed {
		if set := h.byParty[c.party]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byParty, c.party)
			}
		}
	}
	delete(h.clients, c)
	c.queue.close()
}

// Touch records that the client answered since the last heartbeat.
func (h *Hub) Touch(c *Client) {
	h.mu.Lock()
	c.touched = true
	c.misses = 0
	h.mu.Unlock()
}

// Heartbeat runs once per tick. A client untouched for two consecutive ticks
// is torn down. It returns the clients removed.
func (h *Hub) Heartbeat() []*Client {
	h.mu.Lock()
	var dead []*Client
	for c := range h.clients {
		if c.touched {
			c.touched = false
			continue
		}
		c.misses++
		if c.misses >= missLimit {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.disconnectLocked(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if len(dead) > 0 {
		h.logger.Info("heartbeat removed clients", "removed", len(dead))
		h.metrics.FanoutClients(n)
	}
	return dead
}

// Publish delivers an account delta to subscribers of that exact address.
func (h *Hub) Publish(kind ledger.Kind, addr address.Address, data any) {
	evt := Event{Type: string(kind) + "_update", ID: addr.String(), Data: data}
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.subs[subKey{kind, addr}]))
	for c := range h.subs[subKey{kind, addr}] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	h.deliver(targets, evt)
}

// PublishToParty delivers a lifecycle event to every client of one party.
func (h *Hub) PublishToParty(party address.Address, eventType string, data any) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.byParty[party]))
	for c := range h.byParty[party] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	h.deliver(targets, Event{Type: eventType, Data: data})
}

func (h *Hub) deliver(targets []*Client, evt Event) {
	for _, c := range targets {
		if c.queue.push(evt) {
			h.metrics.FanoutDropped()
		}
	}
}

// Dropped reports how many events a client lost to a full queue.
func (h *Hub) Dropped(c *Client) int { return c.queue.droppedCount() }

// watchedSnapshot lists the accounts the watcher should poll.
func (h *Hub) watchedSnapshot() map[address.Address]ledger.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[address.Address]ledger.Kind, len(h.watched))
	for addr, w := range h.watched {
		out[addr] = w.kind
	}
	return out
}

// observe records the latest data hash of a watched account and reports
// whether it changed. The first observation only sets the baseline.
func (h *Hub) observe(addr address.Address, hash [32]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.watched[addr]
	if w == nil {
		return false
	}
	if !w.seen {
		w.hash, w.seen = hash, true
		return false
	}
	if w.hash == hash {
		return false
	}
	w.hash = hash
	return true
}
