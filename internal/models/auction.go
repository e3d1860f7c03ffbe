// Package models defines the core domain entities: auctions, bids, connection state and notifications.
package models

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the status stored by the server. Display status is derived, see DeriveStatus.
type AuctionStatus string

const (
	StatusPending   AuctionStatus = "pending"
	StatusActive    AuctionStatus = "active"
	StatusEnded     AuctionStatus = "ended"
	StatusCompleted AuctionStatus = "completed"
	StatusCancelled AuctionStatus = "cancelled"
)

// Valid reports whether s is one of the known server statuses.
func (s AuctionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusEnded, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// UserRef identifies a participant. Push events only carry the username, so ID may be empty.
type UserRef struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Bid is a single bid. Identity is ID; two bids with the same ID are the same bid.
type Bid struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Bidder      UserRef         `json:"bidder"`
	Timestamp   time.Time       `json:"timestamp"`
	Provisional bool            `json:"provisional,omitempty"`
}

// AuctionSnapshot is the client's view of one auction.
type AuctionSnapshot struct {
	ID                string              `json:"id"`
	ItemName          string              `json:"item_name"`
	Description       string              `json:"description"`
	Seller            *UserRef            `json:"seller,omitempty"`
	StartingPrice     decimal.Decimal     `json:"starting_price"`
	BidIncrement      decimal.Decimal     `json:"bid_increment"`
	CurrentHighestBid decimal.NullDecimal `json:"current_highest_bid"`
	Winner            *UserRef            `json:"winner,omitempty"`
	Status            AuctionStatus       `json:"status"`
	GoLiveTime        time.Time           `json:"go_live_time"`
	EndTime           time.Time           `json:"end_time"`
	Bids              []Bid               `json:"bids"`
}

// CurrentPrice returns the current highest bid, or the starting price when nobody has bid yet.
func (a *AuctionSnapshot) CurrentPrice() decimal.Decimal {
	if a.CurrentHighestBid.Valid {
		return a.CurrentHighestBid.Decimal
	}
	return a.StartingPrice
}

// MinimumBid is the lowest amount the next bid may have.
func (a *AuctionSnapshot) MinimumBid() decimal.Decimal {
	return a.CurrentPrice().Add(a.BidIncrement)
}

// QuickBids returns the three one-click amounts: the minimum and the next two increments above it.
func (a *AuctionSnapshot) QuickBids() []decimal.Decimal {
	minBid := a.MinimumBid()
	return []decimal.Decimal{
		minBid,
		minBid.Add(a.BidIncrement),
		minBid.Add(a.BidIncrement.Mul(decimal.NewFromInt(2))),
	}
}

// Clone returns a deep copy so readers never share the reconciler's bid slice.
func (a AuctionSnapshot) Clone() AuctionSnapshot {
	out := a
	if a.Seller != nil {
		seller := *a.Seller
		out.Seller = &seller
	}
	if a.Winner != nil {
		winner := *a.Winner
		out.Winner = &winner
	}
	out.Bids = append([]Bid(nil), a.Bids...)
	return out
}

// Validate checks snapshot field constraints.
func (a *AuctionSnapshot) Validate() error {
	if a.ID == "" {
		return errors.New("auction ID must not be empty")
	}
	if !a.Status.Valid() {
		return errors.New("auction status is not recognised")
	}
	if a.StartingPrice.IsNegative() {
		return errors.New("starting price must not be negative")
	}
	if !a.BidIncrement.IsPositive() {
		return errors.New("bid increment must be positive")
	}
	if a.GoLiveTime.IsZero() {
		return errors.New("go live time must be set")
	}
	if a.EndTime.Before(a.GoLiveTime) {
		return errors.New("end time must not be before go live time")
	}
	if a.Winner != nil {
		if !a.CurrentHighestBid.Valid {
			return errors.New("current highest bid must be set when there is a winner")
		}
		if a.CurrentHighestBid.Decimal.LessThan(a.StartingPrice) {
			return errors.New("current highest bid must be >= starting price when there is a winner")
		}
	}
	seen := make(map[string]struct{}, len(a.Bids))
	for _, b := range a.Bids {
		if b.ID == "" {
			return errors.New("bid ID must not be empty")
		}
		if _, dup := seen[b.ID]; dup {
			return errors.New("bid IDs must be unique")
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}

// SortBids orders bids for display: newest first, ties broken by ID descending.
func SortBids(bids []Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if !bids[i].Timestamp.Equal(bids[j].Timestamp) {
			return bids[i].Timestamp.After(bids[j].Timestamp)
		}
		return bids[i].ID > bids[j].ID
	})
}
