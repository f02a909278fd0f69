package domain

import "time"

// Payload is the user-supplied body of a message: free-form text content
// plus an optional opaque JSON object.
type Payload struct {
	Content string          `json:"content"`
	Data    map[string]any  `json:"data,omitempty"`
}

// Message is an envelope addressed to exactly one recipient.
type Message struct {
	ID             int64     `json:"-"`
	FromID         string    `json:"from"`
	ToID           string    `json:"to"`
	Timestamp      time.Time `json:"timestamp"`
	Message        Payload   `json:"message"`
	Summary        string    `json:"-"`
	LargeFilePath  string    `json:"-"`
	Read           bool      `json:"-"`
}

// TimestampRFC3339 renders the enqueue timestamp the way it is persisted
// and compared against when marking messages read.
func (m *Message) TimestampRFC3339() string {
	return m.Timestamp.Format(time.RFC3339Nano)
}
