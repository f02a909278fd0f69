package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/ipc-broker/internal/domain"
)

// fakeRepo is a minimal in-memory store.Repository stub for queue tests.
type fakeRepo struct {
	nextID       int64
	saved        []domain.Message
	markedReadTo string
	failSave     bool
}

func (f *fakeRepo) SaveMessage(_ context.Context, msg domain.Message) (int64, error) {
	if f.failSave {
		return 0, errSaveFailed
	}
	f.nextID++
	msg.ID = f.nextID
	f.saved = append(f.saved, msg)
	return f.nextID, nil
}

func (f *fakeRepo) MarkMessagesRead(_ context.Context, toID string, _ []string) error {
	f.markedReadTo = toID
	return nil
}

func (f *fakeRepo) DeleteExpiredMessages(_ context.Context, _ []string, _ time.Time) (int64, error) {
	return 0, nil
}

// The remaining Repository methods are unused by the queue package and
// are stubbed out to satisfy the interface.
func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }
func (f *fakeRepo) LoadUnreadMessages(context.Context) (map[string][]domain.Message, error) {
	return nil, nil
}
func (f *fakeRepo) UpsertInstance(context.Context, domain.Instance) error { return nil }
func (f *fakeRepo) RenameInstance(context.Context, string, string) error { return nil }
func (f *fakeRepo) RenameMessageRecipient(context.Context, string, string) error { return nil }
func (f *fakeRepo) LoadInstances(context.Context) ([]domain.Instance, error) { return nil, nil }
func (f *fakeRepo) SaveNameForward(context.Context, domain.NameForward) error { return nil }
func (f *fakeRepo) LoadNameForwards(context.Context) ([]domain.NameForward, error) { return nil, nil }
func (f *fakeRepo) SaveSession(context.Context, domain.Session) error { return nil }
func (f *fakeRepo) FindSessionByHash(context.Context, string) (*domain.Session, error) {
	return nil, nil
}
func (f *fakeRepo) RebindSession(context.Context, string, string) error { return nil }
func (f *fakeRepo) PurgeExpiredSessions(context.Context, time.Time) (int64, error) { return 0, nil }

type stubError string

func (e stubError) Error() string { return string(e) }

const errSaveFailed = stubError("save failed")

func TestEnqueueAndDrainFIFO(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	eng := New(repo, 100, 10*1024, t.TempDir())
	now := time.Now()

	for i, content := range []string{"one", "two", "three"} {
		_, err := eng.Enqueue(context.Background(), "fred", "barney", domain.Payload{Content: content}, now.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatalf("Enqueue(%d) error: %v", i, err)
		}
	}

	drained, err := eng.Drain(context.Background(), "barney")
	if err != nil {
		t.Fatalf("Drain error: %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(drained))
	}
	for i, want := range []string{"one", "two", "three"} {
		if drained[i].Message.Content != want {
			t.Errorf("message %d = %q, want %q", i, drained[i].Message.Content, want)
		}
	}
	if repo.markedReadTo != "barney" {
		t.Errorf("expected MarkMessagesRead called for barney, got %q", repo.markedReadTo)
	}

	second, err := eng.Drain(context.Background(), "barney")
	if err != nil {
		t.Fatalf("second Drain error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected empty second drain, got %d", len(second))
	}
}

func TestEnqueueRejectsOverCapacity(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	eng := New(repo, 2, 10*1024, t.TempDir())
	ctx := context.Background()
	now := time.Now()

	if _, err := eng.Enqueue(ctx, "a", "b", domain.Payload{Content: "1"}, now); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Enqueue(ctx, "a", "b", domain.Payload{Content: "2"}, now); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Enqueue(ctx, "a", "b", domain.Payload{Content: "3"}, now); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestEnqueueSpillsLargeContent(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	dir := t.TempDir()
	eng := New(repo, 100, 10, dir)
	now := time.Now()

	content := "This is sentence one. This is sentence two. This is sentence three."
	msg, err := eng.Enqueue(context.Background(), "a", "b", domain.Payload{Content: content}, now)
	if err != nil {
		t.Fatal(err)
	}

	if msg.LargeFilePath == "" {
		t.Fatal("expected LargeFilePath to be set for oversized content")
	}
	if !strings.Contains(msg.Message.Content, "Full content saved to:") {
		t.Fatalf("expected content to reference spill path, got %q", msg.Message.Content)
	}
	if msg.Message.Data["large_message_file"] != msg.LargeFilePath {
		t.Fatal("expected data.large_message_file to equal spill path")
	}
}

func TestBroadcastSkipsSenderAndContinuesOnFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	eng := New(repo, 1, 10*1024, t.TempDir())
	ctx := context.Background()
	now := time.Now()

	// Pre-fill bob's queue to capacity so the broadcast fails for bob
	// but should still succeed for carol.
	if _, err := eng.Enqueue(ctx, "someone", "bob", domain.Payload{Content: "x"}, now); err != nil {
		t.Fatal(err)
	}

	sent, failed := eng.Broadcast(ctx, "alice", []string{"alice", "bob", "carol"}, domain.Payload{Content: "hi"}, now)

	if len(sent) != 1 || sent[0].ToID != "carol" {
		t.Fatalf("expected carol to receive broadcast, got %+v", sent)
	}
	if _, ok := failed["bob"]; !ok {
		t.Fatal("expected bob to be reported as failed (queue full)")
	}
	if _, ok := failed["alice"]; ok {
		t.Fatal("sender should never appear in failed map")
	}
}

func TestMoveQueuePreservesFIFOOrder(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	eng := New(repo, 100, 10*1024, t.TempDir())
	ctx := context.Background()
	now := time.Now()

	if _, err := eng.Enqueue(ctx, "sender", "wsl1", domain.Payload{Content: "before rename"}, now); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Enqueue(ctx, "sender", "wsl1b", domain.Payload{Content: "already queued for new name"}, now); err != nil {
		t.Fatal(err)
	}

	if err := eng.MoveQueue(ctx, "wsl1", "wsl1b"); err != nil {
		t.Fatalf("MoveQueue error: %v", err)
	}

	if len(eng.Pending("wsl1")) != 0 {
		t.Fatal("expected old recipient's queue to be empty after move")
	}

	merged := eng.Pending("wsl1b")
	if len(merged) != 2 {
		t.Fatalf("expected 2 messages after merge, got %d", len(merged))
	}
	if merged[0].Message.Content != "before rename" {
		t.Errorf("expected older message first, got %q", merged[0].Message.Content)
	}
	if merged[1].Message.Content != "already queued for new name" {
		t.Errorf("expected pre-existing new-name message second, got %q", merged[1].Message.Content)
	}
}

func TestSweepExpiredDropsInactiveOldMessages(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	eng := New(repo, 100, 10*1024, t.TempDir())
	ctx := context.Background()
	old := time.Now().Add(-8 * 24 * time.Hour)

	if _, err := eng.Enqueue(ctx, "a", "ghost", domain.Payload{Content: "stale"}, old); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.SweepExpired(ctx, []string{}, 7*24*time.Hour, time.Now()); err != nil {
		t.Fatal(err)
	}

	if len(eng.Pending("ghost")) != 0 {
		t.Fatal("expected stale queue for inactive recipient to be swept")
	}
}
