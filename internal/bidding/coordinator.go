// Package bidding serialises a user's bid submissions so at most one write is in flight.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/auctionapi"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/shopspring/decimal"
)

// Local notice texts.
const (
	MsgPlaced     = "Your bid was placed successfully!"
	MsgInProgress = "Please wait, your previous bid is being processed..."
)

// StateReader is the read side of the reconciler.
type StateReader interface {
	Current() (models.AuctionSnapshot, bool)
	DerivedStatus(now time.Time) models.DisplayStatus
}

// BidPlacer issues the write. It must not retry.
type BidPlacer interface {
	PlaceBid(ctx context.Context, auctionID string, amount decimal.Decimal) error
}

// Refresher triggers an out-of-band pull.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Notifier receives local submission notices.
type Notifier interface {
	Ingest(ev models.NotificationEvent) (models.NotificationItem, bool)
}

// Phase of the coordinator.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
)

// PendingSubmission exists only while a write is in flight.
type PendingSubmission struct {
	Amount    decimal.Decimal
	StartedAt time.Time
}

// Coordinator owns the single-flight guard for one user session.
type Coordinator struct {
	state     StateReader
	placer    BidPlacer
	refresher Refresher
	notifier  Notifier
	clock     clock.Clock

	mu      sync.Mutex
	pending *PendingSubmission
}

// NewCoordinator creates a Coordinator. notifier may be nil.
func NewCoordinator(state StateReader, placer BidPlacer, refresher Refresher, notifier Notifier, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		state:     state,
		placer:    placer,
		refresher: refresher,
		notifier:  notifier,
		clock:     clk,
	}
}

// Phase reports whether a write is in flight.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return PhaseSubmitting
	}
	return PhaseIdle
}

// Pending returns the in-flight submission, if any.
func (c *Coordinator) Pending() (PendingSubmission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingSubmission{}, false
	}
	return *c.pending, true
}

// Submit places a bid of amount on the currently loaded auction. It returns nil on success; the
// resulting state arrives through the next push or pull, never from the write response.
func (c *Coordinator) Submit(ctx context.Context, amount decimal.Decimal) error {
	auctionID, err := c.begin(amount)
	if err != nil {
		if errors.Is(err, ErrAlreadyInFlight) {
			c.notify(MsgInProgress, models.CategoryWarning)
		} else {
			c.notify("Error: "+err.Error(), models.CategoryError)
		}
		return err
	}
	defer c.finish()

	logger.Info("Placing bid of %s on auction %s", amount.StringFixed(2), auctionID)
	err = c.classify(ctx, c.placer.PlaceBid(ctx, auctionID, amount))
	if err != nil {
		logger.Warn("Bid of %s on auction %s failed: %v", amount.StringFixed(2), auctionID, err)
		c.notify("Error: "+err.Error(), models.CategoryError)
		return err
	}
	logger.Info("Bid of %s on auction %s accepted", amount.StringFixed(2), auctionID)
	c.notify(MsgPlaced, models.CategorySuccess)
	return nil
}

// begin checks every local precondition and records the pending submission atomically.
func (c *Coordinator) begin(amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return "", ErrAlreadyInFlight
	}
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	snap, loaded := c.state.Current()
	if !loaded {
		return "", ErrStaleWrite
	}
	now := c.clock.Now()
	if !c.state.DerivedStatus(now).AcceptsBids() {
		return "", ErrAuctionClosed
	}
	if minBid := snap.MinimumBid(); amount.LessThan(minBid) {
		return "", &BelowMinimumError{Minimum: minBid}
	}

	c.pending = &PendingSubmission{Amount: amount, StartedAt: now}
	return snap.ID, nil
}

// finish is the only way out of Submitting. It runs even when the write panics.
func (c *Coordinator) finish() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

func (c *Coordinator) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *auctionapi.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode >= http.StatusInternalServerError:
			c.refreshInBackground(ctx)
			return fmt.Errorf("%w (status %d)", ErrServerError, apiErr.StatusCode)
		case apiErr.StatusCode >= http.StatusBadRequest:
			return &RejectionError{StatusCode: apiErr.StatusCode, Reason: apiErr.Message}
		}
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// refreshInBackground corrects stale local state after a transient server error.
func (c *Coordinator) refreshInBackground(ctx context.Context) {
	if c.refresher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := c.refresher.Refresh(ctx); err != nil {
			logger.Warn("Refresh after server error failed: %v", err)
		}
	}()
}

func (c *Coordinator) notify(msg string, cat models.Category) {
	if c.notifier == nil {
		return
	}
	c.notifier.Ingest(models.NotificationEvent{
		Message:    msg,
		Category:   cat,
		Source:     models.SourceSubmission,
		OccurredAt: c.clock.Now(),
	})
}
