package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Push message types on the auction stream.
const (
	TypeBidUpdate     = "bid_update"
	TypeAuctionEnd    = "auction_end"
	TypeAuctionStatus = "auction_status"
	TypeStatusUpdate  = "status_update"
)

// Push message types on the user notification stream.
const (
	TypeNewNotification      = "new_notification"
	TypeCounterOfferReceived = "counter_offer_received"
	TypeAuctionCompleted     = "auction_completed"
	TypeBidRejected          = "bid_rejected"
)

// Client-sent message types.
const (
	TypeJoinAuction = "join_auction"
	TypePing        = "ping"
)

// ErrMalformedMessage is returned for inbound frames that are not a typed JSON envelope.
var ErrMalformedMessage = errors.New("malformed message")

// Envelope is one inbound push message: a type discriminant plus its raw payload.
type Envelope struct {
	Type       string          `json:"type"`
	Message    json.RawMessage `json:"message,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

// ParseEnvelope decodes a raw frame. Only the envelope is checked; payloads are decoded by whoever
// interprets the type.
func ParseEnvelope(data []byte, receivedAt time.Time) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	env.ReceivedAt = receivedAt
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Message) == 0 || string(e.Message) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Message, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, e.Type, err)
	}
	return nil
}

// BidUpdatePayload is the bid_update message. BidID and Timestamp are optional; without BidID the
// bid can only be recorded as provisional.
type BidUpdatePayload struct {
	HighestBid decimal.Decimal `json:"highest_bid"`
	Bidder     string          `json:"bidder"`
	BidID      FlexID          `json:"bid_id"`
	Timestamp  *time.Time      `json:"timestamp"`
}

// AuctionEndPayload is the auction_end message.
type AuctionEndPayload struct {
	AuctionID FlexID              `json:"auction_id"`
	FinalBid  decimal.NullDecimal `json:"final_bid"`
	Winner    *string             `json:"winner"`
}

// AuctionStatusPayload answers a join_auction request.
type AuctionStatusPayload struct {
	AuctionID         FlexID              `json:"auction_id"`
	Status            AuctionStatus       `json:"status"`
	CurrentHighestBid decimal.NullDecimal `json:"current_highest_bid"`
	Winner            *string             `json:"winner"`
}

// StatusUpdatePayload is sent when a seller or admin changes the stored status.
type StatusUpdatePayload struct {
	AuctionID FlexID        `json:"auction_id"`
	OldStatus AuctionStatus `json:"old_status"`
	NewStatus AuctionStatus `json:"new_status"`
}

// UserNoticePayload is the payload of every user notification stream message.
type UserNoticePayload struct {
	Message        string `json:"message"`
	AuctionID      FlexID `json:"auction_id"`
	NotificationID FlexID `json:"notification_id"`
	CounterOfferID FlexID `json:"counter_offer_id"`
}

// FlexID accepts both JSON numbers and strings, since the server emits integer primary keys.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string {
	return string(f)
}
