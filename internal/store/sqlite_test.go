package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/ipc-broker/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadUnreadMessages(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	msg := domain.Message{
		FromID:    "fred",
		ToID:      "barney",
		Timestamp: now,
		Message:   domain.Payload{Content: "hi", Data: map[string]any{"k": "v"}},
	}

	id, err := s.SaveMessage(ctx, msg)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero message id")
	}

	grouped, err := s.LoadUnreadMessages(ctx)
	if err != nil {
		t.Fatalf("LoadUnreadMessages: %v", err)
	}
	msgs, ok := grouped["barney"]
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected 1 unread message for barney, got %+v", grouped)
	}
	if msgs[0].Message.Content != "hi" || msgs[0].Message.Data["k"] != "v" {
		t.Fatalf("unexpected message content: %+v", msgs[0])
	}
}

func TestMarkMessagesReadExcludesFromUnread(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	msg := domain.Message{FromID: "a", ToID: "b", Timestamp: now, Message: domain.Payload{Content: "x"}}
	if _, err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkMessagesRead(ctx, "b", []string{msg.TimestampRFC3339()}); err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}

	grouped, err := s.LoadUnreadMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped["b"]) != 0 {
		t.Fatalf("expected message marked read to be excluded, got %+v", grouped["b"])
	}
}

func TestUpsertAndRenameInstance(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.UpsertInstance(ctx, domain.Instance{InstanceID: "wsl1", LastSeenAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.RenameInstance(ctx, "wsl1", "wsl1b"); err != nil {
		t.Fatalf("RenameInstance: %v", err)
	}

	instances, err := s.LoadInstances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].InstanceID != "wsl1b" {
		t.Fatalf("expected renamed instance wsl1b, got %+v", instances)
	}
}

func TestRenameMessageRecipientMovesUnreadMessages(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	unread := domain.Message{FromID: "sender", ToID: "wsl1", Timestamp: now, Message: domain.Payload{Content: "pending"}}
	if _, err := s.SaveMessage(ctx, unread); err != nil {
		t.Fatal(err)
	}

	read := domain.Message{FromID: "sender", ToID: "wsl1", Timestamp: now.Add(time.Second), Message: domain.Payload{Content: "already read"}}
	if _, err := s.SaveMessage(ctx, read); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMessagesRead(ctx, "wsl1", []string{read.TimestampRFC3339()}); err != nil {
		t.Fatal(err)
	}

	if err := s.RenameMessageRecipient(ctx, "wsl1", "wsl1b"); err != nil {
		t.Fatalf("RenameMessageRecipient: %v", err)
	}

	grouped, err := s.LoadUnreadMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped["wsl1"]) != 0 {
		t.Fatalf("expected no unread messages left under old recipient, got %+v", grouped["wsl1"])
	}
	if len(grouped["wsl1b"]) != 1 || grouped["wsl1b"][0].Message.Content != "pending" {
		t.Fatalf("expected the unread message moved to wsl1b, got %+v", grouped["wsl1b"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sess := domain.Session{TokenHash: "abc123", InstanceID: "fred", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	found, err := s.FindSessionByHash(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.InstanceID != "fred" {
		t.Fatalf("expected to find session for fred, got %+v", found)
	}

	if err := s.RebindSession(ctx, "abc123", "fred2"); err != nil {
		t.Fatal(err)
	}
	rebound, err := s.FindSessionByHash(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if rebound.InstanceID != "fred2" {
		t.Fatalf("expected rebind to fred2, got %s", rebound.InstanceID)
	}

	notFound, err := s.FindSessionByHash(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if notFound != nil {
		t.Fatal("expected nil for unknown token hash")
	}
}

func TestPurgeExpiredSessions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	expired := domain.Session{TokenHash: "old", InstanceID: "a", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)}
	live := domain.Session{TokenHash: "fresh", InstanceID: "b", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)}
	if err := s.SaveSession(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(ctx, live); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeExpiredSessions(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged session, got %d", n)
	}

	found, err := s.FindSessionByHash(ctx, "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil {
		t.Fatal("expected live session to survive purge")
	}
}

func TestNameForwardRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	fwd := domain.NameForward{OldName: "wsl1", NewName: "wsl1b", ChangedAt: now}
	if err := s.SaveNameForward(ctx, fwd); err != nil {
		t.Fatal(err)
	}

	forwards, err := s.LoadNameForwards(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(forwards) != 1 || forwards[0].NewName != "wsl1b" {
		t.Fatalf("unexpected forwards: %+v", forwards)
	}
}

func TestDeleteExpiredMessagesSkipsActiveRecipients(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-8 * 24 * time.Hour).UTC().Truncate(time.Millisecond)

	if _, err := s.SaveMessage(ctx, domain.Message{FromID: "a", ToID: "active", Timestamp: old, Message: domain.Payload{Content: "x"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveMessage(ctx, domain.Message{FromID: "a", ToID: "ghost", Timestamp: old, Message: domain.Payload{Content: "y"}}); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteExpiredMessages(ctx, []string{"active"}, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted row, got %d", n)
	}

	grouped, err := s.LoadUnreadMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := grouped["ghost"]; ok {
		t.Fatal("expected ghost's message to be deleted")
	}
	if _, ok := grouped["active"]; !ok {
		t.Fatal("expected active's message to survive")
	}
}
