// Package domain contains the core value types shared by the broker's
// store, session, registry, and queue packages.
package domain

import "time"

// Instance is an active participant registered with the broker.
type Instance struct {
	InstanceID string    `json:"id"`
	LastSeenAt time.Time `json:"last_seen"`
}

// Touch refreshes the instance's last-seen timestamp.
func (i *Instance) Touch(now time.Time) {
	i.LastSeenAt = now
}
