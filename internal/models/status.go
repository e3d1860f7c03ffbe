package models

import (
	"fmt"
	"time"
)

// DisplayStatus is what the user sees. It is computed from the stored status and the wall clock and
// never written back.
type DisplayStatus string

const (
	DisplayLive         DisplayStatus = "active (live)"
	DisplayEndedExpired DisplayStatus = "ended (expired)"
	DisplayExpired      DisplayStatus = "expired"
)

// DeriveStatus computes the display status of an auction at now.
func DeriveStatus(status AuctionStatus, goLive, end, now time.Time) DisplayStatus {
	switch {
	case status == StatusPending && !now.Before(goLive) && !now.After(end):
		return DisplayLive
	case status == StatusActive && now.After(end):
		return DisplayEndedExpired
	case status == StatusPending && now.After(end):
		return DisplayExpired
	default:
		return DisplayStatus(status)
	}
}

// AcceptsBids reports whether a display status still allows bidding.
func (d DisplayStatus) AcceptsBids() bool {
	return d == DisplayLive || d == DisplayStatus(StatusActive)
}

// AuctionEndedLabel is shown once the countdown reaches zero.
const AuctionEndedLabel = "Auction Ended"

// FormatTimeLeft renders the countdown to end, e.g. "2d 3h 4m 5s" or "3h 4m 5s".
func FormatTimeLeft(end, now time.Time) string {
	diff := end.Sub(now)
	if diff <= 0 {
		return AuctionEndedLabel
	}
	days := int(diff / (24 * time.Hour))
	hours := int(diff % (24 * time.Hour) / time.Hour)
	minutes := int(diff % time.Hour / time.Minute)
	seconds := int(diff % time.Minute / time.Second)
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}
