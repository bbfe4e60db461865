// Package feed owns the streaming connection to the exchange: dialing,
// subscription diffing, reconnect with linear backoff, heartbeat-based
// staleness detection, and fan-out of parsed ticks to the batcher and any
// registered listeners.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/marketpulse/pulse/book"
)

// Defaults for the reconnect policy and staleness window.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second
	DefaultStaleAfter           = 30 * time.Second
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("feed: client closed")

// Sink receives every usable tick as it arrives. Implementations must not
// block; *book.Batcher satisfies this.
type Sink interface {
	Enqueue(symbol string, p book.Point)
}

// TickListener is a per-stream tick handler (e.g. an SSE stream or the
// session tracker's mid-session baseline capture).
type TickListener func(Tick)

// Config holds everything needed to build a Client.
type Config struct {
	URL    string
	Logger *slog.Logger
	Sink   Sink
	Book   *book.Book

	// Zero values fall back to the package defaults. StaleAfter < 0
	// disables the watchdog.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	StaleAfter           time.Duration

	// Dialer overrides websocket.DefaultDialer, for tests.
	Dialer *websocket.Dialer
}

// Client maintains at most one live streaming connection and keeps its
// subscriptions consistent with the desired symbol set.
type Client struct {
	url         string
	logger      *slog.Logger
	sink        Sink
	book        *book.Book
	maxAttempts int
	delay       time.Duration
	staleAfter  time.Duration
	dialer      *websocket.Dialer

	// Exchanges rate-limit control messages; pace outbound frames. The
	// burst is sized so ordinary operation never waits.
	limiter *rate.Limiter

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool // serializes dials; a second Connect while one is in flight is a no-op
	gen        int  // connection generation; orphans callbacks of torn-down connections
	state      State
	lastErr    string
	attempts   int
	startedAt  time.Time
	lastFrame  time.Time
	desired    map[string]struct{}
	subscribed map[string]struct{}
	reconnect  *time.Timer
	watchdog   *time.Timer
	closed     bool

	writeMu sync.Mutex // gorilla allows one concurrent writer

	listenerMu sync.RWMutex
	listeners  map[string]TickListener
}

// New creates a disconnected Client. Call Connect or Start to dial.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	staleAfter := cfg.StaleAfter
	if staleAfter == 0 {
		staleAfter = DefaultStaleAfter
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{
		url:         cfg.URL,
		logger:      logger,
		sink:        cfg.Sink,
		book:        cfg.Book,
		maxAttempts: maxAttempts,
		delay:       delay,
		staleAfter:  staleAfter,
		dialer:      dialer,
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 16),
		state:       StateDisconnected,
		desired:     make(map[string]struct{}),
		subscribed:  make(map[string]struct{}),
		listeners:   make(map[string]TickListener),
	}
}

// Start dials the exchange and ties the connection's lifetime to ctx.
func (c *Client) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c.Connect()
}

// Connect opens the streaming connection. On success it resets the
// reconnect counter, re-issues subscriptions for the full desired set and
// subscribes the heartbeat channel. Calling Connect on a failed client
// acts as the explicit external restart.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.state = StateError
		c.lastErr = fmt.Sprintf("dial %s: %v", c.url, err)
		c.mu.Unlock()
		c.logger.Warn("Feed dial failed", "url", c.url, "error", err)
		c.afterClose()
		return err
	}

	c.mu.Lock()
	c.connecting = false
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateConnected
	c.lastErr = ""
	c.attempts = 0
	c.startedAt = time.Now()
	c.lastFrame = time.Now()
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	products := sortedKeys(c.desired)
	c.subscribed = cloneSet(c.desired)
	c.mu.Unlock()

	c.logger.Info("Feed connected", "url", c.url, "products", products)

	if len(products) > 0 {
		c.writeControl(conn, request{Type: "subscribe", Channel: ChannelTicker, ProductIDs: products})
	}
	// Liveness channel, no symbols.
	c.writeControl(conn, request{Type: "subscribe", Channel: ChannelHeartbeats, ProductIDs: []string{}})

	go c.readLoop(conn, gen)
	c.armWatchdog(gen, c.staleAfter)
	return nil
}

// SetProducts replaces the desired symbol set. On a live socket the
// difference is subscribed/unsubscribed; otherwise the set is recorded
// and applied in full on the next Connect. Removed symbols are deleted
// from the Book either way. An empty set synchronously closes the socket
// and clears all timers. Idempotent: repeating the same set sends no
// frames.
func (c *Client) SetProducts(symbols []string) {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if cs := CanonicalSymbol(s); cs != "" {
			want[cs] = struct{}{}
		}
	}

	c.mu.Lock()
	c.desired = want

	if len(want) == 0 {
		// An empty desired set releases the socket and both timers
		// synchronously, even mid-backoff.
		removed := sortedKeys(c.subscribed)
		c.teardownLocked()
		c.mu.Unlock()
		c.deleteFromBook(removed)
		c.logger.Info("Desired symbol set empty, socket released")
		return
	}

	conn := c.conn
	if conn == nil {
		// No wire set to diff mid-backoff, but series for symbols no
		// longer wanted must not outlive their subscription.
		var removed []string
		for s := range c.subscribed {
			if _, ok := want[s]; !ok {
				removed = append(removed, s)
				delete(c.subscribed, s)
			}
		}
		sort.Strings(removed)
		c.mu.Unlock()

		c.deleteFromBook(removed)
		if len(removed) > 0 {
			c.logger.Info("Desired set changed while disconnected", "removed", removed)
		}
		return
	}

	var added, removed []string
	for s := range want {
		if _, ok := c.subscribed[s]; !ok {
			added = append(added, s)
		}
	}
	for s := range c.subscribed {
		if _, ok := want[s]; !ok {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	c.subscribed = cloneSet(want)
	c.mu.Unlock()

	c.deleteFromBook(removed)
	if len(added) > 0 {
		c.writeControl(conn, request{Type: "subscribe", Channel: ChannelTicker, ProductIDs: added})
	}
	if len(removed) > 0 {
		c.writeControl(conn, request{Type: "unsubscribe", Channel: ChannelTicker, ProductIDs: removed})
	}
	if len(added) > 0 || len(removed) > 0 {
		c.logger.Info("Subscriptions updated", "added", added, "removed", removed)
	}
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:     c.state,
		LastError: c.lastErr,
		Attempts:  c.attempts,
		Products:  sortedKeys(c.desired),
	}
	if c.state == StateConnected {
		st.StartedAt = c.startedAt
		st.Uptime = time.Since(c.startedAt).String()
	}
	return st
}

// AddListener registers a tick listener and returns its id.
func (c *Client) AddListener(fn TickListener) string {
	id := uuid.New().String()[:8]
	c.listenerMu.Lock()
	c.listeners[id] = fn
	c.listenerMu.Unlock()
	c.logger.Debug("Tick listener added", "listener_id", id)
	return id
}

// RemoveListener unregisters a tick listener.
func (c *Client) RemoveListener(id string) {
	c.listenerMu.Lock()
	delete(c.listeners, id)
	c.listenerMu.Unlock()
	c.logger.Debug("Tick listener removed", "listener_id", id)
}

// Close releases the socket and all timers. The client cannot be reused.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()
	c.logger.Info("Feed closed")
}

// readLoop consumes frames until the connection drops, then hands over to
// the reconnect policy. One readLoop per connection generation.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) handleFrame(gen int, data []byte) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastFrame = time.Now()
	c.mu.Unlock()

	f, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("Dropping malformed frame", "error", err)
		return
	}

	switch f := f.(type) {
	case TickerFrame:
		for _, tick := range f.Ticks {
			if c.sink != nil {
				c.sink.Enqueue(tick.ProductID, book.Point{TS: tick.TS, Price: tick.Price})
			}
			c.fanOut(tick)
		}
	case HeartbeatFrame:
		// Liveness already refreshed above; nothing else to do.
	case SubscriptionsFrame:
		c.logger.Debug("Subscription change acknowledged")
	case UnknownFrame:
		c.logger.Debug("Ignoring frame on unhandled channel", "channel", f.Channel)
	}
}

func (c *Client) fanOut(t Tick) {
	c.listenerMu.RLock()
	for _, fn := range c.listeners {
		fn(t)
	}
	c.listenerMu.RUnlock()
}

// handleDisconnect records the error and routes into the reconnect
// policy, unless this connection was already superseded by a teardown.
func (c *Client) handleDisconnect(conn *websocket.Conn, gen int, err error) {
	conn.Close()

	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateError
	c.lastErr = err.Error()
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.mu.Unlock()

	c.logger.Warn("Feed connection lost", "error", err)
	c.afterClose()
}

// afterClose applies the reconnect policy after a close or dial failure:
// linear backoff up to maxAttempts, then the terminal failed state.
func (c *Client) afterClose() {
	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.state = StateFailed
		c.lastErr = fmt.Sprintf("reconnect attempts exhausted after %d tries: %s", c.maxAttempts, c.lastErr)
		c.mu.Unlock()
		c.logger.Error("Feed failed, external restart required", "attempts", c.maxAttempts)
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := time.Duration(attempt) * c.delay
	c.state = StateDisconnected
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(delay, func() {
		_ = c.Connect()
	})
	c.mu.Unlock()

	c.logger.Info("Feed reconnect scheduled", "attempt", attempt, "delay", delay)
}

// armWatchdog schedules the staleness check for the given generation.
func (c *Client) armWatchdog(gen int, d time.Duration) {
	if c.staleAfter <= 0 {
		return
	}
	c.mu.Lock()
	c.armWatchdogLocked(gen, d)
	c.mu.Unlock()
}

func (c *Client) armWatchdogLocked(gen int, d time.Duration) {
	if gen != c.gen || c.conn == nil {
		return
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.watchdog = time.AfterFunc(d, func() { c.checkStale(gen) })
}

// checkStale force-closes a connection that has produced no frames (not
// even heartbeats) within the staleness window, so recovery runs through
// the ordinary close-then-reconnect path.
func (c *Client) checkStale(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	elapsed := time.Since(c.lastFrame)
	if elapsed < c.staleAfter {
		c.armWatchdogLocked(gen, c.staleAfter-elapsed)
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.watchdog = nil
	c.mu.Unlock()

	c.logger.Warn("No frames within staleness window, forcing reconnect", "stale_after", c.staleAfter)
	conn.Close() // unblocks readLoop, which drives the reconnect
}

// teardownLocked releases the socket and both timers. Callers hold c.mu.
// Bumping the generation orphans the read loop and timer callbacks of the
// released connection.
func (c *Client) teardownLocked() {
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.attempts = 0
	c.subscribed = make(map[string]struct{})
}

func (c *Client) deleteFromBook(symbols []string) {
	if c.book == nil {
		return
	}
	for _, s := range symbols {
		c.book.Delete(s)
	}
}

// writeControl sends one outbound frame, paced by the control-message
// rate limit. Write errors are logged, not returned: a broken socket
// surfaces through the read loop.
func (c *Client) writeControl(conn *websocket.Conn, req request) {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return
	}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("Failed to send control frame", "type", req.Type, "channel", req.Channel, "error", err)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func cloneSet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for s := range set {
		out[s] = struct{}{}
	}
	return out
}
