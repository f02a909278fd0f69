// Package broker ties the session, rate-limit, registry, and queue
// components together behind the single coarse mutex described in
// spec.md §4.1/§5, and exposes the TCP listener that speaks the wire
// protocol of spec.md §6.
package broker

import "github.com/ashureev/ipc-broker/internal/domain"

// Request is the single JSON object carried by every inbound
// connection. Only the fields relevant to `action` are populated by a
// well-behaved client; the dispatcher ignores the rest.
type Request struct {
	Action       string          `json:"action"`
	InstanceID   string          `json:"instance_id,omitempty"`
	AuthToken    string          `json:"auth_token,omitempty"`
	FromID       string          `json:"from_id,omitempty"`
	ToID         string          `json:"to_id,omitempty"`
	Message      *domain.Payload `json:"message,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
	OldID        string          `json:"old_id,omitempty"`
	NewID        string          `json:"new_id,omitempty"`
}

// Response is the single JSON object written back on every connection.
type Response struct {
	Status       string         `json:"status"`
	Message      string         `json:"message,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
	Messages     []WireMessage  `json:"messages,omitempty"`
	Instances    []WireInstance `json:"instances,omitempty"`
}

// WireMessage is the over-the-wire shape of a delivered message.
type WireMessage struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp string         `json:"timestamp"`
	Message   domain.Payload `json:"message"`
}

// WireInstance is the over-the-wire shape of an active-instance entry.
type WireInstance struct {
	ID       string `json:"id"`
	LastSeen string `json:"last_seen"`
}

func errorResponse(message string) Response {
	return Response{Status: "error", Message: message}
}

func okResponse(message string) Response {
	return Response{Status: "ok", Message: message}
}

func toWireMessages(msgs []domain.Message) []WireMessage {
	out := make([]WireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = WireMessage{
			From:      m.FromID,
			To:        m.ToID,
			Timestamp: m.TimestampRFC3339(),
			Message:   m.Message,
		}
	}
	return out
}

func toWireInstances(instances []domain.Instance) []WireInstance {
	out := make([]WireInstance, len(instances))
	for i, inst := range instances {
		out[i] = WireInstance{ID: inst.InstanceID, LastSeen: inst.LastSeenAt.Format("2006-01-02T15:04:05.999999")}
	}
	return out
}
