// Package message defines the record exchanged between mesh nodes and its
// line-oriented wire encoding.
package message

import (
	"time"

	"github.com/google/uuid"
)

const (
	// HandshakeRecipient is the reserved "to" value of the first record sent
	// on every new link. Its text carries the sender's device id.
	HandshakeRecipient = "HANDSHAKE"

	// DefaultTTL is the hop budget given to locally originated messages.
	DefaultTTL = 10
)

// Message is one chat or handshake record. It is treated as an immutable
// value: derive new values instead of mutating fields of one in flight.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	TTL       int    `json:"ttl"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// New creates a message originating at this node with a fresh id, the
// default TTL and the current time.
func New(from, to, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		TTL:       DefaultTTL,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewHandshake creates the identity record sent when a link opens.
func NewHandshake(deviceID string) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      deviceID,
		To:        HandshakeRecipient,
		TTL:       0,
		Text:      deviceID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// IsHandshake reports whether m is addressed to the handshake sentinel.
func (m Message) IsHandshake() bool {
	return m.To == HandshakeRecipient
}

// HandshakeID returns the device id announced by a handshake record.
func (m Message) HandshakeID() string {
	if m.Text != "" {
		return m.Text
	}
	return m.From
}

// Forwarded returns the copy of m sent on to neighbours: identical except
// for a TTL one lower.
func (m Message) Forwarded() Message {
	m.TTL--
	return m
}

// Time converts the timestamp to a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// ShortID abbreviates a device or message id for logs and display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
