package models

import "time"

// Session is the authenticated session handed over by the login flow.
type Session struct {
	Token   string
	User    UserRef
	SavedAt time.Time
}
