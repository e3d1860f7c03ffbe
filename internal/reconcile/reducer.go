// Package reconcile merges pull snapshots and push events into one canonical auction view.
//
// MergePull and ApplyPush are pure reducers over State. Reconciler wraps them with a mutex and a
// clock for concurrent callers.
package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/shopspring/decimal"
)

// DefaultProvisionalWindow bounds the timestamp distance between a provisional bid and the pulled
// bid that confirms it.
const DefaultProvisionalWindow = 30 * time.Second

// provisionalNamespace seeds provisional bid ids so the same push always yields the same id.
var provisionalNamespace = uuid.MustParse("6f1c3a52-8d0e-4b8e-9f3b-0b7d2a9c4e11")

// State is the reconciler's value. The zero State holds nothing and is not Loaded.
type State struct {
	Snapshot models.AuctionSnapshot
	// Loaded is set by the first pull.
	Loaded bool
	// StatusAt is when the current status arrived.
	StatusAt time.Time
	// LastApplied is when any pull or push last changed or confirmed the state.
	LastApplied time.Time
}

// MergePull merges an authoritative snapshot fetched at `at`.
//
// The bid set becomes the snapshot's bids plus every known bid the snapshot lacks. A provisional
// bid is dropped only when a bid new to the set has the same amount and bidder and a timestamp
// within window; each such bid absorbs at most one provisional, the closest in time. The bid set
// therefore never shrinks. The highest bid never decreases; status follows the pull.
func MergePull(old State, snap models.AuctionSnapshot, at time.Time, window time.Duration) State {
	if old.Loaded && old.Snapshot.ID != "" && old.Snapshot.ID != snap.ID {
		old = State{}
	}

	next := snap.Clone()
	next.Bids = next.Bids[:0]
	incoming := make(map[string]struct{}, len(snap.Bids))
	for _, b := range snap.Bids {
		if _, dup := incoming[b.ID]; dup || b.ID == "" {
			continue
		}
		incoming[b.ID] = struct{}{}
		b.Provisional = false
		next.Bids = append(next.Bids, b)
	}

	known := make(map[string]struct{}, len(old.Snapshot.Bids))
	for _, b := range old.Snapshot.Bids {
		known[b.ID] = struct{}{}
	}
	// Only bids the set has never seen may confirm a provisional.
	var fresh []int
	for i, b := range next.Bids {
		if _, ok := known[b.ID]; !ok {
			fresh = append(fresh, i)
		}
	}

	absorbed := make(map[int]bool)
	for _, b := range old.Snapshot.Bids {
		if _, ok := incoming[b.ID]; ok {
			continue
		}
		if b.Provisional {
			if i, ok := closestMatch(next.Bids, fresh, absorbed, b, window); ok {
				absorbed[i] = true
				continue
			}
		}
		next.Bids = append(next.Bids, b)
	}
	models.SortBids(next.Bids)

	if old.Snapshot.CurrentHighestBid.Valid &&
		(!next.CurrentHighestBid.Valid || old.Snapshot.CurrentHighestBid.Decimal.GreaterThan(next.CurrentHighestBid.Decimal)) {
		next.CurrentHighestBid = old.Snapshot.CurrentHighestBid
		next.Winner = cloneUser(old.Snapshot.Winner)
	}

	return State{
		Snapshot:    next,
		Loaded:      true,
		StatusAt:    at,
		LastApplied: at,
	}
}

// ApplyPush merges one auction stream event. Unknown types leave the state unchanged and report
// false. An undecodable payload is returned as an error with the state unchanged.
func ApplyPush(old State, env models.Envelope, window time.Duration) (State, bool, error) {
	switch env.Type {
	case models.TypeBidUpdate:
		var p models.BidUpdatePayload
		if err := env.Decode(&p); err != nil {
			return old, false, err
		}
		return applyBid(old, p, env.ReceivedAt, window), true, nil

	case models.TypeAuctionEnd:
		var p models.AuctionEndPayload
		if err := env.Decode(&p); err != nil {
			return old, false, err
		}
		next := withSnapshot(old)
		next.Snapshot.Status = models.StatusEnded
		next.StatusAt = env.ReceivedAt
		if p.FinalBid.Valid {
			raise(&next.Snapshot, p.FinalBid.Decimal, p.Winner)
		}
		next.LastApplied = env.ReceivedAt
		return next, true, nil

	case models.TypeAuctionStatus:
		var p models.AuctionStatusPayload
		if err := env.Decode(&p); err != nil {
			return old, false, err
		}
		next := withSnapshot(old)
		if p.Status.Valid() {
			next.Snapshot.Status = p.Status
			next.StatusAt = env.ReceivedAt
		}
		if p.CurrentHighestBid.Valid {
			raise(&next.Snapshot, p.CurrentHighestBid.Decimal, p.Winner)
		}
		next.LastApplied = env.ReceivedAt
		return next, true, nil

	case models.TypeStatusUpdate:
		var p models.StatusUpdatePayload
		if err := env.Decode(&p); err != nil {
			return old, false, err
		}
		if !p.NewStatus.Valid() {
			return old, false, fmt.Errorf("%w: unknown status %q", models.ErrMalformedMessage, p.NewStatus)
		}
		next := withSnapshot(old)
		next.Snapshot.Status = p.NewStatus
		next.StatusAt = env.ReceivedAt
		next.LastApplied = env.ReceivedAt
		return next, true, nil
	}
	return old, false, nil
}

func applyBid(old State, p models.BidUpdatePayload, receivedAt time.Time, window time.Duration) State {
	next := withSnapshot(old)
	next.LastApplied = receivedAt
	if p.Bidder == "" || !p.HighestBid.IsPositive() {
		return next
	}

	bid := models.Bid{
		ID:        p.BidID.String(),
		Amount:    p.HighestBid,
		Bidder:    models.UserRef{Username: p.Bidder},
		Timestamp: receivedAt,
	}
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		bid.Timestamp = *p.Timestamp
	}
	if bid.ID == "" {
		bid.ID = provisionalID(p, receivedAt)
		bid.Provisional = true
	}

	if !containsBid(next.Snapshot.Bids, bid, window) {
		next.Snapshot.Bids = append(next.Snapshot.Bids, bid)
		models.SortBids(next.Snapshot.Bids)
	}
	bidder := p.Bidder
	raise(&next.Snapshot, p.HighestBid, &bidder)
	return next
}

// containsBid reports whether bid is already represented: same id, or, for a provisional bid,
// any known bid with the same amount and bidder within window.
func containsBid(bids []models.Bid, bid models.Bid, window time.Duration) bool {
	for _, b := range bids {
		if b.ID == bid.ID {
			return true
		}
		if bid.Provisional && matches(b, bid, window) {
			return true
		}
	}
	return false
}

func matches(a, b models.Bid, window time.Duration) bool {
	return a.Amount.Equal(b.Amount) &&
		a.Bidder.Username == b.Bidder.Username &&
		absDuration(a.Timestamp.Sub(b.Timestamp)) <= window
}

func closestMatch(bids []models.Bid, candidates []int, taken map[int]bool, p models.Bid, window time.Duration) (int, bool) {
	best, found := -1, false
	var bestDist time.Duration
	for _, i := range candidates {
		if taken[i] || !matches(bids[i], p, window) {
			continue
		}
		d := absDuration(bids[i].Timestamp.Sub(p.Timestamp))
		if !found || d < bestDist {
			best, bestDist, found = i, d, true
		}
	}
	return best, found
}

// raise sets the highest bid to amount when it exceeds the current one.
func raise(s *models.AuctionSnapshot, amount decimal.Decimal, winner *string) {
	if s.CurrentHighestBid.Valid && !amount.GreaterThan(s.CurrentHighestBid.Decimal) {
		return
	}
	s.CurrentHighestBid = decimal.NewNullDecimal(amount)
	if winner == nil || *winner == "" {
		return
	}
	if s.Winner != nil && s.Winner.Username == *winner {
		return
	}
	s.Winner = &models.UserRef{Username: *winner}
}

func withSnapshot(old State) State {
	next := old
	next.Snapshot = old.Snapshot.Clone()
	return next
}

func provisionalID(p models.BidUpdatePayload, receivedAt time.Time) string {
	key := fmt.Sprintf("%s|%s|%d", p.Bidder, p.HighestBid.String(), receivedAt.UnixNano())
	return "provisional-" + uuid.NewSHA1(provisionalNamespace, []byte(key)).String()
}

func cloneUser(u *models.UserRef) *models.UserRef {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
