package domain

import "time"

// NameForward maps a released identifier to its replacement for a
// bounded window after a rename.
type NameForward struct {
	OldName   string
	NewName   string
	ChangedAt time.Time
}

// Expired reports whether the forward is older than ttl.
func (f *NameForward) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(f.ChangedAt) > ttl
}
