package models

import "time"

// Category classifies a notification for display.
type Category string

const (
	CategoryInfo         Category = "info"
	CategorySuccess      Category = "success"
	CategoryWarning      Category = "warning"
	CategoryError        Category = "error"
	CategoryCounterOffer Category = "counter_offer"
)

// Source names where a notification came from.
type Source string

const (
	SourceAuctionStream Source = "auction_stream"
	SourceUserStream    Source = "user_stream"
	SourceSubmission    Source = "submission"
	SourceHistory       Source = "history"
)

// NotificationEvent is the input of the aggregator. SourceEventID is optional; when set it is the
// dedup key.
type NotificationEvent struct {
	SourceEventID string
	Message       string
	Category      Category
	Source        Source
	AuctionID     string
	OccurredAt    time.Time
}

// NotificationItem is one retained notification.
type NotificationItem struct {
	ID            string    `json:"id"`
	Message       string    `json:"message"`
	SourceEventID string    `json:"source_event_id,omitempty"`
	Category      Category  `json:"category"`
	AuctionID     string    `json:"auction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Read          bool      `json:"read"`
}
