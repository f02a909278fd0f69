package registry

import (
	"testing"
	"time"

	"github.com/ashureev/ipc-broker/internal/domain"
)

func TestTouchAndExists(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()

	if r.Exists("fred") {
		t.Fatal("expected fred to be absent before Touch")
	}
	r.Touch("fred", now)
	if !r.Exists("fred") {
		t.Fatal("expected fred to be active after Touch")
	}
}

func TestRenameMovesEntryAndRecordsForward(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	r.Touch("wsl1", now)

	r.Rename("wsl1", "wsl1b", now.Add(time.Minute))

	if r.Exists("wsl1") {
		t.Fatal("old name should no longer be active")
	}
	if !r.Exists("wsl1b") {
		t.Fatal("new name should be active")
	}

	resolved, forwarded := r.Resolve("wsl1")
	if !forwarded || resolved != "wsl1b" {
		t.Fatalf("Resolve(wsl1) = %q, %v; want wsl1b, true", resolved, forwarded)
	}
}

func TestSweepForwardsDropsExpired(t *testing.T) {
	t.Parallel()

	r := New()
	base := time.Now()
	r.Touch("a", base)
	r.Rename("a", "b", base)

	r.SweepForwards(base.Add(3*time.Hour), 2*time.Hour)

	if _, forwarded := r.Resolve("a"); forwarded {
		t.Fatal("expected forward older than ttl to be swept")
	}
}

func TestRenameCooldown(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()
	r.Touch("x", now)
	r.Rename("x", "y", now)

	remaining := r.RenameCooldownRemaining("y", now.Add(10*time.Minute), time.Hour)
	if remaining <= 0 {
		t.Fatal("expected nonzero cooldown remaining shortly after rename")
	}

	remaining = r.RenameCooldownRemaining("y", now.Add(2*time.Hour), time.Hour)
	if remaining != 0 {
		t.Fatalf("expected cooldown to have elapsed, got %v", remaining)
	}
}

func TestLoadInstancesSeedsState(t *testing.T) {
	t.Parallel()

	r := New()
	now := time.Now()

	r.LoadInstances([]domain.Instance{
		{InstanceID: "alice", LastSeenAt: now},
		{InstanceID: "bob", LastSeenAt: now},
	})

	if len(r.List()) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(r.List()))
	}
	if !r.Exists("alice") || !r.Exists("bob") {
		t.Fatal("expected both loaded instances to exist")
	}
}
