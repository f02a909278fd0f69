package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ipc-broker/internal/config"
	"github.com/ashureev/ipc-broker/internal/queue"
	"github.com/ashureev/ipc-broker/internal/ratelimit"
	"github.com/ashureev/ipc-broker/internal/registry"
	"github.com/ashureev/ipc-broker/internal/session"
	"github.com/ashureev/ipc-broker/internal/store"
)

// nowFunc is indirected for test determinism; production code never
// overrides it.
var nowFunc = time.Now

// Broker owns every piece of mutable broker state and serializes access
// to it behind a single mutex, per spec.md §4.1/§5. It has no public
// fields; wire requests go through Dispatch, and Stats, Instances and
// HealthCheck serve the admin surface.
type Broker struct {
	cfg    *config.Config
	repo   store.Repository
	logger *slog.Logger

	sessions *session.Manager
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	queue    *queue.Engine

	mu sync.Mutex
}

// New wires a Broker from its components. Callers are expected to run
// startup recovery (see Recover) on the returned Broker before serving
// traffic.
func New(cfg *config.Config, repo store.Repository, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		repo:     repo,
		logger:   logger,
		sessions: session.NewManager(repo, cfg.Security.SessionTTL),
		limiter:  ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
		registry: registry.New(),
		queue:    queue.New(repo, cfg.Queue.Cap, cfg.Queue.SpillThreshold, cfg.Storage.LargeMsgDir),
	}
}

// Recover performs the startup sequence of spec.md §4.8: purge expired
// sessions, then load unread messages, active instances, and name
// forwards into memory.
func (b *Broker) Recover(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if _, err := b.repo.PurgeExpiredSessions(ctx, now); err != nil {
		return fmt.Errorf("purge expired sessions: %w", err)
	}

	unread, err := b.repo.LoadUnreadMessages(ctx)
	if err != nil {
		return fmt.Errorf("load unread messages: %w", err)
	}
	b.queue.LoadUnread(unread)

	instances, err := b.repo.LoadInstances(ctx)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	b.registry.LoadInstances(instances)

	forwards, err := b.repo.LoadNameForwards(ctx)
	if err != nil {
		return fmt.Errorf("load name forwards: %w", err)
	}
	b.registry.LoadForwards(forwards)

	b.logger.Info("startup recovery complete",
		"unread_recipients", len(unread),
		"active_instances", len(instances),
		"name_forwards", len(forwards))

	return nil
}

// pruneStale runs the two cheap prunes spec.md §4.8 requires before any
// name resolution: drop name-forward entries older than the forward
// TTL, then delete messages older than the message TTL addressed to
// recipients that never registered. Mirrors the original
// implementation's `_resolve_name`, which calls
// `_clean_expired_forwards`/`_clean_expired_messages` inline on every
// call rather than relying solely on a background sweep. Callers must
// already hold b.mu.
func (b *Broker) pruneStale(ctx context.Context) int64 {
	now := nowFunc()
	b.registry.SweepForwards(now, b.cfg.Timing.NameForwardTTL)

	active := make([]string, 0, len(b.registry.List()))
	for _, inst := range b.registry.List() {
		active = append(active, inst.InstanceID)
	}

	deleted, err := b.queue.SweepExpired(ctx, active, b.cfg.Timing.MessageTTL, now)
	if err != nil {
		b.logger.Error("ttl prune failed", "error", err)
		return 0
	}
	return deleted
}

// Sweep re-runs the same prune handleSend/handleCheck perform inline
// before every resolution, as a backstop for a broker that stays fully
// idle (no send/check occurs to trigger the inline prune) long enough
// for forwards or messages to go stale. Intended to be called from a
// background ticker.
func (b *Broker) Sweep(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if deleted := b.pruneStale(ctx); deleted > 0 {
		b.logger.Info("ttl sweep deleted expired messages", "count", deleted)
	}
}

// Stats is a snapshot of broker-internal counts for the admin surface.
type Stats struct {
	ActiveInstances int `json:"active_instances"`
	QueuedMessages  int `json:"queued_messages"`
	SessionsCached  int `json:"sessions_cached"`
	RateLimiterKeys int `json:"rate_limiter_keys"`
}

// Stats returns a point-in-time snapshot of broker-internal counters,
// read through the same mutex the TCP dispatcher uses.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		ActiveInstances: len(b.registry.List()),
		QueuedMessages:  b.queue.TotalPending(),
		SessionsCached:  b.sessions.CacheSize(),
		RateLimiterKeys: b.limiter.TrackedKeys(),
	}
}

// Instances returns every active instance, read through the same
// mutex the TCP dispatcher uses.
func (b *Broker) Instances() []WireInstance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return toWireInstances(b.registry.List())
}

// HealthCheck reports whether the broker's persistence layer is
// reachable.
func (b *Broker) HealthCheck(ctx context.Context) error {
	return b.repo.Ping(ctx)
}

// Dispatch routes a single parsed request through authorization, rate
// limiting, and the action handler, all under the broker's single
// mutex, per spec.md §4.1.
func (b *Broker) Dispatch(ctx context.Context, req Request) Response {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Action {
	case "register":
		return b.handleRegister(ctx, req)
	case "send", "broadcast", "check", "list", "rename":
		identity, ok := b.sessions.Validate(ctx, req.SessionToken)
		if !ok {
			return errorResponse("Invalid or missing session token")
		}

		if !b.limiter.Allow(identity) {
			return errorResponse("Rate limit exceeded. Please wait before sending more requests.")
		}

		if req.Action != "rename" {
			// Rename re-keys the instance entry itself; touching the
			// old identity here would immediately recreate it.
			b.touchSender(ctx, identity)
		}

		switch req.Action {
		case "send":
			req.FromID = identity
			return b.handleSend(ctx, req)
		case "broadcast":
			req.FromID = identity
			return b.handleBroadcast(ctx, req)
		case "check":
			req.InstanceID = identity
			return b.handleCheck(ctx, req)
		case "list":
			return b.handleList(ctx, req)
		case "rename":
			req.OldID = identity
			return b.handleRename(ctx, req, req.SessionToken)
		}
	}

	return errorResponse(fmt.Sprintf("Unknown action: %s", req.Action))
}
