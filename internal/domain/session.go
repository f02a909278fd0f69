package domain

import "time"

// Session is an authorization capability bound to one instance.
//
// The raw token is never stored; only TokenHash is persisted or kept
// in memory.
type Session struct {
	TokenHash  string
	InstanceID string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session is no longer valid at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
