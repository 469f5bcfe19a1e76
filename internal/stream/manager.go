package stream

import (
	"sync"
	"time"

	"marketfeed/logger"
)

// ManagerConfig tunes the connection manager's own retry layer, which sits
// above the client's per-connection backoff.
type ManagerConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// ConnManager shares one streaming client among independent consumers by
// reference counting. The first acquisition opens the connection; releasing
// never closes it, so the socket stays warm for the next consumer. Only
// ForceDisconnect tears it down.
type ConnManager struct {
	cfg    ManagerConfig
	client *Client
	log    *logger.Log

	mu       sync.Mutex
	refs     int
	attempts int
	retrying bool
}

// NewConnManager wraps client with reference counting and a bounded retry
// layer driven by the client's status and error notifications.
func NewConnManager(client *Client, cfg ManagerConfig) *ConnManager {
	cfg.applyDefaults()
	m := &ConnManager{
		cfg:    cfg,
		client: client,
		log:    logger.GetLogger(),
	}
	client.OnStatus(m.onStatus)
	client.OnError(m.onError)
	return m
}

// Acquire registers one consumer. Going from zero to one reference connects
// the client if it is not already connected or connecting.
func (m *ConnManager) Acquire() {
	m.mu.Lock()
	m.refs++
	refs := m.refs
	m.mu.Unlock()

	status := m.client.Status()
	if refs == 1 && status != StatusConnected && status != StatusConnecting {
		m.log.WithComponent("conn_manager").Info("first consumer acquired, connecting")
		m.client.Connect()
	}
}

// Release drops one consumer. The count never goes below zero and reaching
// zero does not close the connection.
func (m *ConnManager) Release() {
	m.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	m.mu.Unlock()
}

// Refs returns the current consumer count.
func (m *ConnManager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Client returns the managed streaming client.
func (m *ConnManager) Client() *Client {
	return m.client
}

// ForceDisconnect zeroes the reference count and tears the connection down.
func (m *ConnManager) ForceDisconnect() {
	m.mu.Lock()
	m.refs = 0
	m.attempts = 0
	m.retrying = false
	m.mu.Unlock()

	m.log.WithComponent("conn_manager").Info("forced disconnect")
	m.client.Disconnect()

	// Disconnect clears every observer on the client, including ours.
	m.client.OnStatus(m.onStatus)
	m.client.OnError(m.onError)
}

func (m *ConnManager) onStatus(status Status) {
	if status == StatusConnected {
		m.mu.Lock()
		m.attempts = 0
		m.retrying = false
		m.mu.Unlock()
	}
}

// onError reacts to terminal client errors with a coarser second retry
// layer: a bounded number of fresh connection sequences, spaced further
// apart each time. A gate keeps only one sequence armed at once.
func (m *ConnManager) onError(err error) {
	if err != ErrReconnectFailed {
		return
	}

	m.mu.Lock()
	if m.retrying || m.refs == 0 {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxRetries {
		m.mu.Unlock()
		m.log.WithComponent("conn_manager").Error("connection retries exhausted")
		return
	}
	m.attempts++
	m.retrying = true
	attempt := m.attempts
	m.mu.Unlock()

	delay := m.cfg.RetryDelay * time.Duration(attempt)
	m.log.WithComponent("conn_manager").WithFields(logger.Fields{
		"attempt":  attempt,
		"max":      m.cfg.MaxRetries,
		"delay_ms": delay.Milliseconds(),
	}).Warn("connection lost, scheduling retry sequence")

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retrying = false
		refs := m.refs
		m.mu.Unlock()
		if refs > 0 {
			m.client.Connect()
		}
	})
}
