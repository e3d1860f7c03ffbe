// Package stream maintains resilient push connections with exponential-backoff reconnects.
//
// A Handle moves through Connecting, Open and Closed. Once Close has been called the handle is
// released and every further transition except into Closed is refused, so a reconnect timer that
// fires after teardown cannot revive the connection.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/backoff"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
)

// Config controls reconnect behaviour.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxRetries  int
	DialTimeout time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxRetries:  5,
		DialTimeout: 10 * time.Second,
	}
}

// Manager opens handles that share a dialer, a clock and a reconnect policy.
type Manager struct {
	dialer  Dialer
	clock   clock.Clock
	config  Config
	backoff backoff.Strategy
}

// NewManager creates a Manager. A nil clock uses the wall clock.
func NewManager(dialer Dialer, clk clock.Clock, config Config) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig().DialTimeout
	}
	return &Manager{
		dialer:  dialer,
		clock:   clk,
		config:  config,
		backoff: backoff.NewExponential(config.BaseDelay, config.MaxDelay),
	}
}

// Option customises a single handle.
type Option func(*Handle)

// WithStateObserver registers fn to receive a copy of the state after every transition.
// fn runs on the connection goroutine and must not block.
func WithStateObserver(fn func(models.ConnectionState)) Option {
	return func(h *Handle) { h.onState = fn }
}

// WithOnOpen registers fn to run after every successful open, before any message is read.
func WithOnOpen(fn func(ctx context.Context, h *Handle)) Option {
	return func(h *Handle) { h.onOpen = fn }
}

// Handle owns one logical connection to a resource's event stream.
type Handle struct {
	m       *Manager
	url     string
	onEvent func(models.Envelope)
	onState func(models.ConnectionState)
	onOpen  func(ctx context.Context, h *Handle)

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool

	mu       sync.Mutex
	state    models.ConnectionState
	released bool
	conn     Conn
	timer    *clock.Timer
}

var (
	// ErrNotOpen is returned by Send when there is no open connection.
	ErrNotOpen = errors.New("connection not open")
	// ErrReleased is returned when a closed handle is asked to reconnect.
	ErrReleased = errors.New("handle released")
)

// Open starts connecting to url and returns immediately. onEvent is called once per successfully
// parsed inbound message; malformed messages are logged and dropped. Cancelling ctx has the same
// effect as Close.
func (m *Manager) Open(ctx context.Context, url string, onEvent func(models.Envelope), opts ...Option) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		m:       m,
		url:     url,
		onEvent: onEvent,
		ctx:     hctx,
		cancel:  cancel,
		state:   models.ConnectionState{Phase: models.PhaseConnecting},
	}
	for _, opt := range opts {
		opt(h)
	}
	stop := context.AfterFunc(ctx, func() { _ = h.Close() })
	h.mu.Lock()
	h.stopWatch = stop
	h.mu.Unlock()
	h.publish(h.State())
	go h.attempt()
	return h
}

// State returns a copy of the current connection state.
func (h *Handle) State() models.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Close releases the connection and cancels any scheduled reconnect. It is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	conn := h.conn
	h.conn = nil
	h.setPhase(models.PhaseClosed)
	h.state.NextRetryAt = time.Time{}
	st := h.state
	stop := h.stopWatch
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	h.cancel()
	var err error
	if conn != nil {
		err = conn.Close(ManualCloseCode, "manual close")
	}
	logger.Debug("Stream %s closed manually", h.url)
	h.publish(st)
	return err
}

// Reopen restarts a handle that gave up after exhausting its retries. The retry count starts over.
// It does nothing while a connection is open, connecting or scheduled.
func (h *Handle) Reopen() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrReleased
	}
	if h.state.Phase != models.PhaseClosed || h.timer != nil {
		h.mu.Unlock()
		return nil
	}
	h.setPhase(models.PhaseConnecting)
	h.state.RetryCount = 0
	h.state.NextRetryAt = time.Time{}
	st := h.state
	h.mu.Unlock()

	h.publish(st)
	go h.attempt()
	return nil
}

// Send writes v as a JSON text frame on the open connection.
func (h *Handle) Send(ctx context.Context, v any) error {
	h.mu.Lock()
	conn := h.conn
	open := h.state.Phase == models.PhaseOpen
	h.mu.Unlock()
	if conn == nil || !open {
		return ErrNotOpen
	}
	return conn.WriteJSON(ctx, v)
}

// setPhase applies a guarded transition. Callers hold h.mu.
func (h *Handle) setPhase(to models.Phase) bool {
	from := h.state.Phase
	if h.released && to != models.PhaseClosed {
		return false
	}
	switch {
	case from == models.PhaseClosed && to == models.PhaseConnecting,
		from == models.PhaseConnecting && to == models.PhaseOpen,
		from == models.PhaseConnecting && to == models.PhaseClosed,
		from == models.PhaseOpen && to == models.PhaseClosed,
		from == to && to == models.PhaseClosed:
		h.state.Phase = to
		return true
	}
	return false
}

func (h *Handle) publish(st models.ConnectionState) {
	if h.onState != nil {
		h.onState(st)
	}
}

// reconnect is the timer callback. It is a no-op once the handle is released.
func (h *Handle) reconnect() {
	h.mu.Lock()
	h.timer = nil
	if !h.setPhase(models.PhaseConnecting) {
		h.mu.Unlock()
		return
	}
	h.state.NextRetryAt = time.Time{}
	st := h.state
	h.mu.Unlock()

	h.publish(st)
	h.attempt()
}

func (h *Handle) attempt() {
	dialCtx, cancel := context.WithTimeout(h.ctx, h.m.config.DialTimeout)
	conn, err := h.m.dialer.Dial(dialCtx, h.url)
	cancel()
	if err != nil {
		h.scheduleReconnect(err)
		return
	}

	h.mu.Lock()
	if !h.setPhase(models.PhaseOpen) {
		h.mu.Unlock()
		_ = conn.Close(ManualCloseCode, "manual close")
		return
	}
	h.conn = conn
	h.state.RetryCount = 0
	h.state.NextRetryAt = time.Time{}
	st := h.state
	h.mu.Unlock()

	logger.Info("Stream %s connected", h.url)
	h.publish(st)
	if h.onOpen != nil {
		h.onOpen(h.ctx, h)
	}

	h.scheduleReconnect(h.readLoop(conn))
}

func (h *Handle) readLoop(conn Conn) error {
	for {
		data, err := conn.Read(h.ctx)
		if err != nil {
			return err
		}
		env, err := models.ParseEnvelope(data, h.m.clock.Now())
		if err != nil {
			logger.Warn("Dropping message on %s: %v", h.url, err)
			continue
		}
		h.onEvent(env)
	}
}

// scheduleReconnect handles any close that Close did not cause.
func (h *Handle) scheduleReconnect(cause error) {
	h.mu.Lock()
	// A cancelled context means Close is running or about to; it owns the connection.
	if h.released || h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	conn := h.conn
	h.conn = nil
	h.setPhase(models.PhaseClosed)

	if h.state.RetryCount >= h.m.config.MaxRetries {
		h.state.NextRetryAt = time.Time{}
		st := h.state
		h.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocketGoingAway, "giving up")
		}
		logger.Error("Stream %s closed (%v); giving up after %d reconnect attempts", h.url, cause, st.RetryCount)
		h.publish(st)
		return
	}

	delay := h.m.backoff.Delay(h.state.RetryCount)
	h.state.RetryCount++
	h.state.NextRetryAt = h.m.clock.Now().Add(delay)
	h.timer = h.m.clock.AfterFunc(delay, func() { go h.reconnect() })
	st := h.state
	h.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocketGoingAway, "reconnecting")
	}
	logger.Info("Stream %s closed (%v); reconnecting in %v (attempt %d/%d)",
		h.url, cause, delay, st.RetryCount, h.m.config.MaxRetries)
	h.publish(st)
}
