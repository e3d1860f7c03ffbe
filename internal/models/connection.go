package models

import "time"

// Phase is the lifecycle phase of a push connection.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

// ConnectionState is owned by the stream package; everyone else gets copies.
type ConnectionState struct {
	Phase       Phase
	RetryCount  int
	NextRetryAt time.Time
}

// Reconnecting reports whether a reconnect attempt is scheduled.
func (s ConnectionState) Reconnecting() bool {
	return s.Phase == PhaseClosed && !s.NextRetryAt.IsZero()
}
