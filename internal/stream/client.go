// Package stream maintains the single multiplexed WebSocket connection to the
// venue's push endpoint: subscription registry, keepalive, automatic
// reconnection and per-channel dispatch, plus the reference-counted manager
// that lets independent consumers share the one physical connection.
package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketfeed/logger"
)

// ErrReconnectFailed is the terminal error surfaced to error observers after
// the reconnect attempt budget is exhausted.
var ErrReconnectFailed = errors.New("failed to reconnect after maximum attempts")

// ClientConfig tunes the streaming client.
type ClientConfig struct {
	URL                  string
	KeepaliveInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func (c *ClientConfig) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
}

// reconnectDelay returns the backoff before reconnect attempt n (1-based):
// the base delay doubled per attempt, capped at the maximum.
func (c ClientConfig) reconnectDelay(attempt int) time.Duration {
	delay := c.ReconnectBaseDelay << (attempt - 1)
	if delay > c.ReconnectMaxDelay || delay <= 0 {
		delay = c.ReconnectMaxDelay
	}
	return delay
}

// Client is the streaming client. Only the ConnManager opens and closes it;
// data consumers attach through the observer methods.
type Client struct {
	cfg ClientConfig
	log *logger.Log

	mu                sync.Mutex
	conn              *websocket.Conn
	status            Status
	generation        int
	reconnectAttempts int
	reconnectTimer    *time.Timer
	subs              map[string]Subscription
	statusObs         map[string]func(Status)
	errorObs          map[string]func(error)
	dataObs           map[string]map[string]func(json.RawMessage)
	keepaliveStop     chan struct{}

	writeMu sync.Mutex
}

// NewClient builds a streaming client in the disconnected state. No network
// activity happens until Connect.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		log:       logger.GetLogger(),
		status:    StatusDisconnected,
		subs:      make(map[string]Subscription),
		statusObs: make(map[string]func(Status)),
		errorObs:  make(map[string]func(error)),
		dataObs:   make(map[string]map[string]func(json.RawMessage)),
	}
}

// Connect starts a connection attempt unless one is already underway or
// established. The dial runs asynchronously; observers learn the outcome
// through status notifications.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	if c.keepaliveStop == nil {
		c.keepaliveStop = make(chan struct{})
		go c.keepaliveLoop(c.keepaliveStop)
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	go c.dial(gen)
}

func (c *Client) dial(gen int) {
	log := c.log.WithComponent("stream_client")

	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)

	c.mu.Lock()
	if gen != c.generation {
		// A teardown or newer attempt superseded this dial.
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.WithError(err).Warn("websocket connect failed")
		c.setStatusLocked(StatusError)
		// Status notification drops the lock; a teardown may have slipped in.
		if gen == c.generation {
			c.notifyErrorLocked(errors.New("websocket connection error"))
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.reconnectAttempts = 0
	c.setStatusLocked(StatusConnected)
	pending := make([]Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		pending = append(pending, sub)
	}
	c.mu.Unlock()

	log.WithFields(logger.Fields{"url": c.cfg.URL, "subscriptions": len(pending)}).Info("websocket connected")

	// Re-establish every registered subscription on the fresh connection.
	for _, sub := range pending {
		if err := c.send(wireMessage{Method: "subscribe", Subscription: &sub}); err != nil {
			log.WithError(err).WithFields(logger.Fields{"subscription": sub.key()}).Warn("resubscribe failed")
		}
	}

	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	log := c.log.WithComponent("stream_client")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.generation {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			c.setStatusLocked(StatusDisconnected)
			if gen == c.generation {
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
			log.WithError(err).Warn("websocket read error")
			return
		}
		logger.IncrementStreamRead(len(data))
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame to the callbacks registered for its
// channel tag. A panicking callback is isolated so the remaining callbacks
// still run. Unknown channels are dropped.
func (c *Client) dispatch(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.WithComponent("stream_client").WithError(err).Warn("failed to parse websocket message")
		c.notifyError(errors.New("failed to parse websocket message"))
		return
	}

	if frame.Channel == channelSubscriptionAck {
		// Acknowledgement only; nothing to deliver.
		return
	}

	c.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(c.dataObs[frame.Channel]))
	for _, h := range c.dataObs[frame.Channel] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(h, frame.Data)
	}
}

func (c *Client) invoke(h func(json.RawMessage), data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithComponent("stream_client").WithFields(logger.Fields{"panic": r}).Error("data handler panicked")
		}
	}()
	h(data)
}

// scheduleReconnectLocked arms the next reconnect attempt with doubling
// delay, or surfaces the terminal error once the budget is spent. Caller
// holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.notifyErrorLocked(ErrReconnectFailed)
		return
	}
	c.reconnectAttempts++
	delay := c.cfg.reconnectDelay(c.reconnectAttempts)
	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"attempt":  c.reconnectAttempts,
		"max":      c.cfg.MaxReconnectAttempts,
		"delay_ms": delay.Milliseconds(),
	}).Info("scheduling reconnect")

	gen := c.generation
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			// Stop raced with an already-fired timer.
			return
		}
		c.Connect()
	})
}

func (c *Client) keepaliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.IsConnected() {
				if err := c.send(wireMessage{Method: "ping"}); err != nil {
					c.log.WithComponent("stream_client").WithError(err).Debug("keepalive send failed")
				}
			}
		}
	}
}

func (c *Client) send(msg wireMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Subscribe records a descriptor and, when connected, sends it on the wire
// immediately. Offline subscriptions are deferred until the next successful
// connect. Duplicate descriptors are a registry no-op.
func (c *Client) Subscribe(sub Subscription) {
	c.mu.Lock()
	c.subs[sub.key()] = sub
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected {
		return
	}
	if err := c.send(wireMessage{Method: "subscribe", Subscription: &sub}); err != nil {
		c.notifyError(errors.New("failed to send subscription message"))
	}
}

// Unsubscribe removes a descriptor from the registry and, when connected,
// tells the venue to stop the feed.
func (c *Client) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	delete(c.subs, sub.key())
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected {
		return
	}
	if err := c.send(wireMessage{Method: "unsubscribe", Subscription: &sub}); err != nil {
		c.notifyError(errors.New("failed to send unsubscription message"))
	}
}

// OnStatus registers a status observer and immediately replays the current
// status so a late subscriber cannot miss an already-connected state. The
// returned disposer is idempotent.
func (c *Client) OnStatus(handler func(Status)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	c.statusObs[id] = handler
	current := c.status
	c.mu.Unlock()

	handler(current)
	return func() {
		c.mu.Lock()
		delete(c.statusObs, id)
		c.mu.Unlock()
	}
}

// OnError registers an error observer. The returned disposer is idempotent.
func (c *Client) OnError(handler func(error)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	c.errorObs[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.errorObs, id)
		c.mu.Unlock()
	}
}

// OnData registers a callback for one channel tag. The returned disposer is
// idempotent.
func (c *Client) OnData(channel string, handler func(json.RawMessage)) func() {
	id := uuid.New().String()
	c.mu.Lock()
	if c.dataObs[channel] == nil {
		c.dataObs[channel] = make(map[string]func(json.RawMessage))
	}
	c.dataObs[channel][id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if handlers, ok := c.dataObs[channel]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.dataObs, channel)
			}
		}
		c.mu.Unlock()
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Disconnect stops the keepalive, closes the socket and clears every
// registry and observer set, returning the client to its initial state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.generation++ // invalidate in-flight dials and read loops
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.reconnectAttempts = 0
	c.subs = make(map[string]Subscription)
	c.dataObs = make(map[string]map[string]func(json.RawMessage))
	c.errorObs = make(map[string]func(error))
	c.setStatusLocked(StatusDisconnected)
	c.statusObs = make(map[string]func(Status))
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// setStatusLocked updates the status and notifies observers. Caller holds
// c.mu; handlers are invoked without the lock.
func (c *Client) setStatusLocked(status Status) {
	c.status = status
	handlers := make([]func(Status), 0, len(c.statusObs))
	for _, h := range c.statusObs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(status)
	}
	c.mu.Lock()
}

func (c *Client) notifyErrorLocked(err error) {
	handlers := make([]func(error), 0, len(c.errorObs))
	for _, h := range c.errorObs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
	c.mu.Lock()
}

func (c *Client) notifyError(err error) {
	c.mu.Lock()
	c.notifyErrorLocked(err)
	c.mu.Unlock()
}
