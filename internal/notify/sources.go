package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rewired-gh/auctionsync/internal/models"
)

// Notice texts for auction stream events.
const (
	MsgAuctionEnded = "Auction has ended!"
)

const serverNotificationPrefix = "notification-"

// FromAuctionEnvelope converts an auction stream event into a notification. It reports false for
// types that produce no notice.
func FromAuctionEnvelope(auctionID string, env models.Envelope) (models.NotificationEvent, bool, error) {
	ev := models.NotificationEvent{
		Source:     models.SourceAuctionStream,
		AuctionID:  auctionID,
		OccurredAt: env.ReceivedAt,
	}
	switch env.Type {
	case models.TypeBidUpdate:
		var p models.BidUpdatePayload
		if err := env.Decode(&p); err != nil {
			return ev, false, err
		}
		if p.Bidder == "" {
			return ev, false, nil
		}
		ev.Message = fmt.Sprintf("New bid: %s by %s", p.HighestBid.StringFixed(2), p.Bidder)
		ev.Category = models.CategoryInfo
		if p.BidID != "" {
			ev.SourceEventID = "bid-" + p.BidID.String()
		}
		return ev, true, nil

	case models.TypeAuctionEnd:
		ev.Message = MsgAuctionEnded
		ev.Category = models.CategoryWarning
		ev.SourceEventID = "auction-end-" + auctionID
		return ev, true, nil
	}
	return ev, false, nil
}

var userStreamCategories = map[string]models.Category{
	models.TypeNewNotification:      models.CategoryInfo,
	models.TypeCounterOfferReceived: models.CategoryCounterOffer,
	models.TypeAuctionCompleted:     models.CategorySuccess,
	models.TypeBidRejected:          models.CategoryError,
}

var userStreamFallbacks = map[string]string{
	models.TypeNewNotification:      "You have a new notification",
	models.TypeCounterOfferReceived: "You received a counter offer",
	models.TypeAuctionCompleted:     "An auction you took part in has completed",
	models.TypeBidRejected:          "Your bid was rejected",
}

// FromUserEnvelope converts a user notification stream event. It reports false for unknown types.
func FromUserEnvelope(env models.Envelope) (models.NotificationEvent, bool, error) {
	cat, ok := userStreamCategories[env.Type]
	if !ok {
		return models.NotificationEvent{}, false, nil
	}
	var p models.UserNoticePayload
	if err := env.Decode(&p); err != nil {
		return models.NotificationEvent{}, false, err
	}
	ev := models.NotificationEvent{
		Message:    p.Message,
		Category:   cat,
		Source:     models.SourceUserStream,
		AuctionID:  p.AuctionID.String(),
		OccurredAt: env.ReceivedAt,
	}
	if strings.TrimSpace(ev.Message) == "" {
		ev.Message = userStreamFallbacks[env.Type]
	}
	switch {
	case env.Type == models.TypeCounterOfferReceived && p.CounterOfferID != "":
		ev.SourceEventID = "counter-offer-" + p.CounterOfferID.String()
	case p.NotificationID != "":
		ev.SourceEventID = serverNotificationPrefix + p.NotificationID.String()
	}
	return ev, true, nil
}

// FromServerNotification converts an item fetched from the notification history endpoint, whose
// SourceEventID is the server's notification id.
func FromServerNotification(item models.NotificationItem) models.NotificationEvent {
	return models.NotificationEvent{
		SourceEventID: serverNotificationPrefix + item.SourceEventID,
		Message:       item.Message,
		Category:      item.Category,
		Source:        models.SourceHistory,
		AuctionID:     item.AuctionID,
		OccurredAt:    item.CreatedAt,
	}
}

// ServerNotificationID returns the server-side id of an item that originated on the server.
func ServerNotificationID(item models.NotificationItem) (string, bool) {
	id, ok := strings.CutPrefix(item.SourceEventID, serverNotificationPrefix)
	return id, ok && id != ""
}

func sortNewestFirst(items []models.NotificationItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
