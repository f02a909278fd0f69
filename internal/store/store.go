// Package store provides data persistence interfaces and implementations
// for the broker's four tables: messages, instances, sessions, and
// name_history (spec.md §4.8).
package store

import (
	"context"
	"time"

	"github.com/ashureev/ipc-broker/internal/domain"
)

// Repository defines the interface for persisting broker state.
type Repository interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// SaveMessage persists a new message with read_flag=0 and returns
	// its assigned row ID.
	SaveMessage(ctx context.Context, msg domain.Message) (int64, error)

	// LoadUnreadMessages loads all messages with read_flag=0, grouped
	// by recipient and ordered by timestamp, for startup recovery.
	LoadUnreadMessages(ctx context.Context) (map[string][]domain.Message, error)

	// MarkMessagesRead sets read_flag=1 for the given recipient's
	// messages whose persisted timestamp matches one of timestamps.
	MarkMessagesRead(ctx context.Context, toID string, timestamps []string) error

	// DeleteExpiredMessages removes messages older than cutoff whose
	// recipient is not among activeInstanceIDs.
	DeleteExpiredMessages(ctx context.Context, activeInstanceIDs []string, cutoff time.Time) (int64, error)

	// UpsertInstance creates or refreshes an instance's last-seen record.
	UpsertInstance(ctx context.Context, inst domain.Instance) error

	// RenameInstance atomically moves an instance record from oldID to
	// newID, preserving last_seen.
	RenameInstance(ctx context.Context, oldID, newID string) error

	// RenameMessageRecipient re-addresses every unread message still
	// queued for oldID so it is keyed by newID instead, keeping
	// persisted queue state consistent with the in-memory move a
	// rename performs.
	RenameMessageRecipient(ctx context.Context, oldID, newID string) error

	// LoadInstances loads the full active-instance table.
	LoadInstances(ctx context.Context) ([]domain.Instance, error)

	// SaveNameForward persists a rename forwarding record.
	SaveNameForward(ctx context.Context, fwd domain.NameForward) error

	// LoadNameForwards loads the full name-history table.
	LoadNameForwards(ctx context.Context) ([]domain.NameForward, error)

	// SaveSession persists a newly minted session.
	SaveSession(ctx context.Context, sess domain.Session) error

	// FindSessionByHash looks up a session by its token hash. Returns
	// (nil, nil) if not found.
	FindSessionByHash(ctx context.Context, tokenHash string) (*domain.Session, error)

	// RebindSession updates the instance a session token resolves to,
	// used by rename.
	RebindSession(ctx context.Context, tokenHash, newInstanceID string) error

	// PurgeExpiredSessions deletes sessions whose expires_at has passed.
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}
