// Package queue holds the broker's per-recipient message queues: an
// in-memory FIFO capped at a configurable depth, backed by the store
// for durability and startup recovery (spec.md §4.4/§4.8).
//
// Large payloads are spilled to disk and replaced with a short summary
// before they ever reach a queue slot, so queue depth tracks message
// count rather than message size.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ashureev/ipc-broker/internal/domain"
	"github.com/ashureev/ipc-broker/internal/store"
)

// ErrQueueFull is returned by Enqueue when the recipient's queue is
// already at capacity.
var ErrQueueFull = errors.New("queue full")

// Engine manages per-recipient FIFOs on top of a Repository.
//
// Like Registry, Engine keeps no lock of its own: the broker holds its
// single coarse mutex around every call into Engine.
type Engine struct {
	repo store.Repository

	cap            int
	spillThreshold int64
	spillDir       string

	pending map[string][]domain.Message // recipient -> FIFO, oldest first
}

// New creates a queue engine backed by repo. cap bounds the in-memory
// FIFO depth per recipient; spillThreshold is the content byte length
// above which a message body is written to spillDir instead of kept
// inline.
func New(repo store.Repository, cap int, spillThreshold int64, spillDir string) *Engine {
	return &Engine{
		repo:           repo,
		cap:            cap,
		spillThreshold: spillThreshold,
		spillDir:       spillDir,
		pending:        make(map[string][]domain.Message),
	}
}

// LoadUnread seeds the in-memory queues from persisted unread messages,
// for startup recovery (spec.md §8 scenario: broker restart).
func (e *Engine) LoadUnread(byRecipient map[string][]domain.Message) {
	for to, msgs := range byRecipient {
		e.pending[to] = msgs
	}
}

// Enqueue persists and queues a message from `from` to `to`. Content
// over spillThreshold bytes is written to disk and replaced with a
// summary before queuing; the returned message reflects what was
// actually stored (summary and file path, if spilled).
//
// Step order follows the original implementation's `send` handler:
// the spill check runs before the queue-cap check, so a message that
// is both oversized and addressed to an already-full queue still
// spills its content to disk before the cap rejects it.
func (e *Engine) Enqueue(ctx context.Context, from, to string, payload domain.Payload, now time.Time) (domain.Message, error) {
	msg := domain.Message{
		FromID:    from,
		ToID:      to,
		Timestamp: now,
		Message:   payload,
	}

	size := int64(len(payload.Content))
	if size > e.spillThreshold {
		path, err := spill(e.spillDir, from, to, payload.Content, now)
		if err != nil {
			return domain.Message{}, fmt.Errorf("spill large message: %w", err)
		}
		msg.LargeFilePath = path
		msg.Summary = summarize(payload.Content)

		data := make(map[string]any, len(payload.Data)+2)
		for k, v := range payload.Data {
			data[k] = v
		}
		data["large_message_file"] = path
		data["original_size_kb"] = math.Round(float64(size)/1024*10) / 10

		msg.Message = domain.Payload{
			Content: fmt.Sprintf("%s Full content saved to: %s", msg.Summary, path),
			Data:    data,
		}
	}

	if len(e.pending[to]) >= e.cap {
		return domain.Message{}, ErrQueueFull
	}

	id, err := e.repo.SaveMessage(ctx, msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}
	msg.ID = id

	e.pending[to] = append(e.pending[to], msg)

	return msg, nil
}

// MoveQueue transfers any pending messages addressed to oldID onto
// newID, preserving FIFO order with oldID's (older) messages ahead of
// anything already queued for newID, used by `rename` (spec.md §4.7
// step 1). A no-op if oldID has no pending queue.
func (e *Engine) MoveQueue(ctx context.Context, oldID, newID string) error {
	old, ok := e.pending[oldID]
	if !ok {
		return nil
	}
	delete(e.pending, oldID)
	e.pending[newID] = append(old, e.pending[newID]...)

	if err := e.repo.RenameMessageRecipient(ctx, oldID, newID); err != nil {
		return fmt.Errorf("rename message recipient: %w", err)
	}
	return nil
}

// Recipients returns every identifier that currently has a queue,
// including future-delivery slots for instances that never registered.
// Used by `broadcast` to enumerate targets (spec.md §4.4).
func (e *Engine) Recipients() []string {
	out := make([]string, 0, len(e.pending))
	for id := range e.pending {
		out = append(out, id)
	}
	return out
}

// Broadcast enqueues payload from `from` to every recipient in `to`,
// skipping the sender itself. Recipients with no active connection
// still receive a queued entry for future delivery (spec.md §9
// decision 2): broadcast does not filter down to only-active names.
//
// A failure for one recipient (queue full, persistence error) does not
// abort the broadcast; it is reported back per-recipient so the caller
// can log it, matching spec.md §4.4's no all-or-nothing guarantee.
func (e *Engine) Broadcast(ctx context.Context, from string, to []string, payload domain.Payload, now time.Time) (sent []domain.Message, failed map[string]error) {
	failed = make(map[string]error)
	for _, recipient := range to {
		if recipient == from {
			continue
		}
		msg, err := e.Enqueue(ctx, from, recipient, payload, now)
		if err != nil {
			failed[recipient] = err
			continue
		}
		sent = append(sent, msg)
	}
	return sent, failed
}

// TotalPending sums the depth of every recipient's queue, for the
// admin stats surface.
func (e *Engine) TotalPending() int {
	n := 0
	for _, msgs := range e.pending {
		n += len(msgs)
	}
	return n
}

// Pending returns the queued messages for recipient without marking
// them read, used by `register` to report how many are waiting.
func (e *Engine) Pending(recipient string) []domain.Message {
	return e.pending[recipient]
}

// Drain returns and clears the queued messages for recipient, marking
// them read in the store, used by `check` (spec.md §4.5). Returns an
// empty slice, never nil, when nothing is queued.
func (e *Engine) Drain(ctx context.Context, recipient string) ([]domain.Message, error) {
	msgs := e.pending[recipient]
	if len(msgs) == 0 {
		return []domain.Message{}, nil
	}

	timestamps := make([]string, len(msgs))
	for i, m := range msgs {
		timestamps[i] = m.TimestampRFC3339()
	}
	if err := e.repo.MarkMessagesRead(ctx, recipient, timestamps); err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}

	delete(e.pending, recipient)
	return msgs, nil
}

// SweepExpired deletes messages older than ttl addressed to recipients
// not present in activeInstanceIDs, both from the store and from any
// in-memory queue still holding them. Mirrors the original
// implementation's _clean_expired_messages.
func (e *Engine) SweepExpired(ctx context.Context, activeInstanceIDs []string, ttl time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-ttl)

	n, err := e.repo.DeleteExpiredMessages(ctx, activeInstanceIDs, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}

	active := make(map[string]bool, len(activeInstanceIDs))
	for _, id := range activeInstanceIDs {
		active[id] = true
	}
	for recipient, msgs := range e.pending {
		if active[recipient] {
			continue
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Timestamp.After(cutoff) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			delete(e.pending, recipient)
		} else {
			e.pending[recipient] = kept
		}
	}

	return n, nil
}
