// Package room runs the lifecycle of one auction view: the initial pull, the push connection, the
// periodic and fallback pulls and the countdown tick. Everything it starts is released when Run
// returns, on every exit path.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/rewired-gh/auctionsync/internal/notify"
	"github.com/rewired-gh/auctionsync/internal/reconcile"
	"github.com/rewired-gh/auctionsync/internal/stream"
	"github.com/shopspring/decimal"
)

// FallbackInterval bounds staleness when the push channel is silently broken. It is never backed off.
const FallbackInterval = 30 * time.Second

// ErrNotRunning is returned by Reconnect before Run has opened the push connection.
var ErrNotRunning = errors.New("room is not running")

// Fetcher pulls an authoritative snapshot.
type Fetcher interface {
	FetchAuction(ctx context.Context, auctionID string) (models.AuctionSnapshot, error)
}

// Notifier receives notices derived from auction stream events.
type Notifier interface {
	Ingest(ev models.NotificationEvent) (models.NotificationItem, bool)
}

// Config controls one room.
type Config struct {
	AuctionID         string
	WSURL             string
	PollInterval      time.Duration
	CountdownInterval time.Duration
	PullTimeout       time.Duration
}

// View is a consistent copy of everything a renderer needs.
type View struct {
	Snapshot   models.AuctionSnapshot
	Loaded     bool
	Status     models.DisplayStatus
	TimeLeft   string
	MinimumBid decimal.Decimal
	QuickBids  []decimal.Decimal
	Connection models.ConnectionState
}

// Room owns the reconciler of one auction and the timers and connection that feed it.
type Room struct {
	config   Config
	fetcher  Fetcher
	streams  *stream.Manager
	state    *reconcile.Reconciler
	notifier Notifier
	clock    clock.Clock

	mu     sync.RWMutex
	handle *stream.Handle
	conn   models.ConnectionState
	onTick func(View)
}

// New creates a Room. notifier may be nil.
func New(config Config, fetcher Fetcher, streams *stream.Manager, state *reconcile.Reconciler, notifier Notifier, clk clock.Clock) *Room {
	if clk == nil {
		clk = clock.New()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.CountdownInterval <= 0 {
		config.CountdownInterval = time.Second
	}
	if config.PullTimeout <= 0 {
		config.PullTimeout = 10 * time.Second
	}
	return &Room{
		config:   config,
		fetcher:  fetcher,
		streams:  streams,
		state:    state,
		notifier: notifier,
		clock:    clk,
		conn:     models.ConnectionState{Phase: models.PhaseClosed},
	}
}

// OnTick registers fn to receive a fresh View on every countdown tick. fn must not block.
func (r *Room) OnTick(fn func(View)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTick = fn
}

// StreamURL is the push endpoint of the auction.
func (r *Room) StreamURL() string {
	return strings.TrimRight(r.config.WSURL, "/") + "/ws/auction/" + r.config.AuctionID + "/"
}

// Run loads the auction, then keeps it fresh until ctx is cancelled. A failed initial load is
// returned; later pull failures are logged and retried on the next tick.
func (r *Room) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load auction %s: %w", r.config.AuctionID, err)
	}

	h := r.streams.Open(ctx, r.StreamURL(), r.handleEvent,
		stream.WithStateObserver(r.setConnection),
		stream.WithOnOpen(r.join),
	)
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
	defer func() {
		if err := h.Close(); err != nil {
			logger.Debug("Closing auction stream: %v", err)
		}
		r.mu.Lock()
		r.handle = nil
		r.mu.Unlock()
		r.state.Reset()
	}()

	poll := r.clock.Ticker(r.config.PollInterval)
	defer poll.Stop()
	fallback := r.clock.Ticker(FallbackInterval)
	defer fallback.Stop()
	countdown := r.clock.Ticker(r.config.CountdownInterval)
	defer countdown.Stop()

	r.tick()
	logger.Info("Watching auction %s", r.config.AuctionID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Leaving auction %s", r.config.AuctionID)
			return nil
		case <-poll.C:
			r.pull(ctx, "periodic")
		case <-fallback.C:
			if r.clock.Since(r.state.LastApplied()) >= FallbackInterval {
				r.pull(ctx, "fallback")
			}
		case <-countdown.C:
			r.tick()
		}
	}
}

// Refresh pulls the auction once and merges the result.
func (r *Room) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.PullTimeout)
	defer cancel()
	snap, err := r.fetcher.FetchAuction(ctx, r.config.AuctionID)
	if err != nil {
		return err
	}
	r.state.ApplyPull(snap)
	return nil
}

// Reconnect reopens a push connection that gave up after exhausting its retries.
func (r *Room) Reconnect() error {
	r.mu.RLock()
	h := r.handle
	r.mu.RUnlock()
	if h == nil {
		return ErrNotRunning
	}
	return h.Reopen()
}

// View returns the current view.
func (r *Room) View() View {
	snap, loaded := r.state.Current()
	now := r.clock.Now()
	v := View{
		Snapshot:   snap,
		Loaded:     loaded,
		Status:     r.state.DerivedStatus(now),
		MinimumBid: snap.MinimumBid(),
		QuickBids:  snap.QuickBids(),
	}
	if loaded {
		v.TimeLeft = models.FormatTimeLeft(snap.EndTime, now)
	}
	r.mu.RLock()
	v.Connection = r.conn
	r.mu.RUnlock()
	return v
}

// StatusText summarises the view in one line per field.
func (r *Room) StatusText() string {
	v := r.View()
	if !v.Loaded {
		return "Auction " + r.config.AuctionID + " is loading"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (auction %s)\n", v.Snapshot.ItemName, v.Snapshot.ID)
	fmt.Fprintf(&b, "Status: %s\n", v.Status)
	fmt.Fprintf(&b, "Current price: %s\n", v.Snapshot.CurrentPrice().StringFixed(2))
	if v.Snapshot.Winner != nil {
		fmt.Fprintf(&b, "Highest bidder: %s\n", v.Snapshot.Winner.Username)
	}
	fmt.Fprintf(&b, "Minimum bid: %s\n", v.MinimumBid.StringFixed(2))
	fmt.Fprintf(&b, "Time left: %s\n", v.TimeLeft)
	fmt.Fprintf(&b, "Bids: %d\n", len(v.Snapshot.Bids))
	conn := string(v.Connection.Phase)
	if v.Connection.Reconnecting() {
		conn = fmt.Sprintf("reconnecting (attempt %d)", v.Connection.RetryCount+1)
	}
	fmt.Fprintf(&b, "Connection: %s", conn)
	return b.String()
}

func (r *Room) pull(ctx context.Context, reason string) {
	if err := r.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("The %s pull of auction %s failed: %v", reason, r.config.AuctionID, err)
	}
}

func (r *Room) handleEvent(env models.Envelope) {
	r.state.ApplyPush(env)
	if r.notifier == nil {
		return
	}
	ev, ok, err := notify.FromAuctionEnvelope(r.config.AuctionID, env)
	if err != nil || !ok {
		return
	}
	r.notifier.Ingest(ev)
}

func (r *Room) join(ctx context.Context, h *stream.Handle) {
	if err := h.Send(ctx, map[string]string{"type": models.TypeJoinAuction}); err != nil {
		logger.Warn("Failed to join auction %s: %v", r.config.AuctionID, err)
	}
}

func (r *Room) setConnection(st models.ConnectionState) {
	r.mu.Lock()
	r.conn = st
	r.mu.Unlock()
}

func (r *Room) tick() {
	v := r.View()
	r.mu.RLock()
	fn := r.onTick
	r.mu.RUnlock()
	if fn != nil {
		fn(v)
	}
}
