package reconcile

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
)

// Reconciler owns the canonical snapshot of one auction. Readers get deep copies.
type Reconciler struct {
	clock  clock.Clock
	window time.Duration

	mu    sync.RWMutex
	state State
}

// New creates an empty Reconciler. A non-positive window uses DefaultProvisionalWindow.
func New(clk clock.Clock, window time.Duration) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultProvisionalWindow
	}
	return &Reconciler{clock: clk, window: window}
}

// ApplyPull merges an authoritative snapshot.
func (r *Reconciler) ApplyPull(snap models.AuctionSnapshot) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = MergePull(r.state, snap, now, r.window)
	logger.Debug("Applied pull for auction %s: %d bids, status %s", snap.ID, len(r.state.Snapshot.Bids), r.state.Snapshot.Status)
}

// ApplyPush merges one push event. Events that cannot be decoded are logged and dropped.
func (r *Reconciler) ApplyPush(env models.Envelope) bool {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = r.clock.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next, changed, err := ApplyPush(r.state, env, r.window)
	if err != nil {
		logger.Warn("Dropping %s event: %v", env.Type, err)
		return false
	}
	r.state = next
	return changed
}

// Current returns a copy of the canonical snapshot and whether a pull has loaded it.
func (r *Reconciler) Current() (models.AuctionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Snapshot.Clone(), r.state.Loaded
}

// DerivedStatus computes the display status at now from the current snapshot.
func (r *Reconciler) DerivedStatus(now time.Time) models.DisplayStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state.Snapshot
	return models.DeriveStatus(s.Status, s.GoLiveTime, s.EndTime, now)
}

// LastApplied returns when the state last received a pull or push.
func (r *Reconciler) LastApplied() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.LastApplied
}

// Reset drops all state, e.g. when the view is torn down.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = State{}
}
