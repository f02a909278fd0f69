package broker

import (
	"context"
	"fmt"

	"github.com/ashureev/ipc-broker/internal/domain"
	"github.com/ashureev/ipc-broker/internal/queue"
	"github.com/ashureev/ipc-broker/internal/session"
	"github.com/ashureev/ipc-broker/internal/validate"
)

const invalidInstanceIDMessage = "Invalid instance ID format. Use 1-32 alphanumeric characters, hyphens, or underscores."

// handleRegister implements spec.md §4.2.
func (b *Broker) handleRegister(ctx context.Context, req Request) Response {
	if !validate.InstanceID(req.InstanceID) {
		return errorResponse(invalidInstanceIDMessage)
	}

	if !b.limiter.Allow("register_" + req.InstanceID) {
		return errorResponse("Too many registration attempts. Please wait.")
	}

	secret := b.cfg.SharedSecret()
	if secret != "" && !session.CheckAuthToken(req.AuthToken, req.InstanceID, secret) {
		return errorResponse("Invalid auth token")
	}

	token, err := b.sessions.Mint(ctx, req.InstanceID)
	if err != nil {
		b.logger.Error("mint session failed", "instance_id", req.InstanceID, "error", err)
		return errorResponse("Registration failed")
	}

	b.registry.Touch(req.InstanceID, nowFunc())

	if err := b.repo.UpsertInstance(ctx, domain.Instance{InstanceID: req.InstanceID, LastSeenAt: nowFunc()}); err != nil {
		b.logger.Error("persist instance failed", "instance_id", req.InstanceID, "error", err)
	}

	pending := len(b.queue.Pending(req.InstanceID))
	message := fmt.Sprintf("Registered %s", req.InstanceID)
	if pending > 0 {
		message = fmt.Sprintf("Registered %s with %d queued messages", req.InstanceID, pending)
	}

	return Response{Status: "ok", SessionToken: token, Message: message}
}

// handleSend implements spec.md §4.3.
func (b *Broker) handleSend(ctx context.Context, req Request) Response {
	if !validate.RecipientID(req.ToID) {
		return errorResponse("Invalid recipient ID format")
	}
	if req.Message == nil {
		return errorResponse("Missing message body")
	}

	b.pruneStale(ctx)
	resolved, forwarded := b.registry.Resolve(req.ToID)

	_, err := b.queue.Enqueue(ctx, req.FromID, resolved, *req.Message, nowFunc())
	if err == queue.ErrQueueFull {
		return errorResponse(fmt.Sprintf("Message queue full for %s (100 message limit)", resolved))
	}
	if err != nil {
		b.logger.Error("enqueue failed", "from", req.FromID, "to", resolved, "error", err)
		return errorResponse("Failed to send message")
	}

	switch {
	case forwarded:
		return okResponse(fmt.Sprintf("Message forwarded from %s to %s", req.ToID, resolved))
	case !b.registry.Exists(resolved):
		return okResponse(fmt.Sprintf("Message queued for %s (not yet registered)", resolved))
	default:
		return okResponse("Message sent")
	}
}

// handleBroadcast implements spec.md §4.4.
func (b *Broker) handleBroadcast(ctx context.Context, req Request) Response {
	if req.Message == nil {
		return errorResponse("Missing message body")
	}

	recipients := b.queue.Recipients()
	_, failed := b.queue.Broadcast(ctx, req.FromID, recipients, *req.Message, nowFunc())
	for recipient, err := range failed {
		b.logger.Warn("broadcast delivery failed", "to", recipient, "error", err)
	}

	reached := 0
	for _, r := range recipients {
		if r == req.FromID {
			continue
		}
		if _, ok := failed[r]; !ok {
			reached++
		}
	}

	return okResponse(fmt.Sprintf("Broadcast sent to %d instance(s)", reached))
}

// handleCheck implements spec.md §4.5.
func (b *Broker) handleCheck(ctx context.Context, req Request) Response {
	b.pruneStale(ctx)
	resolved, _ := b.registry.Resolve(req.InstanceID)

	msgs, err := b.queue.Drain(ctx, resolved)
	if err != nil {
		b.logger.Error("drain failed", "instance_id", resolved, "error", err)
		return errorResponse("Failed to check messages")
	}

	return Response{Status: "ok", Messages: toWireMessages(msgs)}
}

// handleList implements spec.md §4.6.
func (b *Broker) handleList(_ context.Context, _ Request) Response {
	return Response{Status: "ok", Instances: toWireInstances(b.registry.List())}
}

// handleRename implements spec.md §4.7.
func (b *Broker) handleRename(ctx context.Context, req Request, sessionToken string) Response {
	if !validate.InstanceID(req.NewID) {
		return errorResponse(invalidInstanceIDMessage)
	}
	if !b.registry.Exists(req.OldID) {
		return errorResponse(fmt.Sprintf("Instance %s not found", req.OldID))
	}
	if b.registry.Exists(req.NewID) {
		return errorResponse(fmt.Sprintf("Instance %s already exists", req.NewID))
	}

	now := nowFunc()
	if remaining := b.registry.RenameCooldownRemaining(req.OldID, now, b.cfg.Timing.RenameCooldown); remaining > 0 {
		minutes := int(remaining.Seconds()) / 60
		return errorResponse(fmt.Sprintf("Rate limit: can rename again in %d minutes", minutes))
	}

	b.registry.Rename(req.OldID, req.NewID, now)
	b.limiter.Touch(req.NewID)
	b.limiter.Forget(req.OldID)

	if err := b.queue.MoveQueue(ctx, req.OldID, req.NewID); err != nil {
		b.logger.Error("move queue failed", "old_id", req.OldID, "new_id", req.NewID, "error", err)
	}

	if err := b.sessions.Rebind(ctx, sessionToken, req.NewID); err != nil {
		b.logger.Error("rebind session failed", "old_id", req.OldID, "new_id", req.NewID, "error", err)
	}
	if err := b.repo.RenameInstance(ctx, req.OldID, req.NewID); err != nil {
		b.logger.Error("persist rename failed", "old_id", req.OldID, "new_id", req.NewID, "error", err)
	}
	if err := b.repo.SaveNameForward(ctx, domain.NameForward{OldName: req.OldID, NewName: req.NewID, ChangedAt: now}); err != nil {
		b.logger.Error("persist name forward failed", "old_id", req.OldID, "new_id", req.NewID, "error", err)
	}

	notice := domain.Payload{Content: fmt.Sprintf("%s renamed to %s", req.OldID, req.NewID)}
	for _, recipient := range b.queue.Recipients() {
		if recipient == req.NewID {
			continue
		}
		if _, err := b.queue.Enqueue(ctx, validate.ReservedSystemName, recipient, notice, now); err != nil {
			b.logger.Warn("rename notification failed", "to", recipient, "error", err)
		}
	}

	return okResponse(fmt.Sprintf("Renamed %s to %s", req.OldID, req.NewID))
}

func (b *Broker) touchSender(ctx context.Context, id string) {
	now := nowFunc()
	b.registry.Touch(id, now)
	if err := b.repo.UpsertInstance(ctx, domain.Instance{InstanceID: id, LastSeenAt: now}); err != nil {
		b.logger.Error("persist instance touch failed", "instance_id", id, "error", err)
	}
}
