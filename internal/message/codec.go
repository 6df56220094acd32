package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for records that are not a flat object with all
// six message fields.
var ErrMalformed = errors.New("malformed message record")

// wireRecord mirrors Message with pointer fields so missing keys can be told
// apart from zero values.
type wireRecord struct {
	ID        *string `json:"id"`
	From      *string `json:"from"`
	To        *string `json:"to"`
	TTL       *int    `json:"ttl"`
	Text      *string `json:"text"`
	Timestamp *int64  `json:"timestamp"`
}

// Marshal encodes m as a single line (without the trailing newline).
func Marshal(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// Unmarshal decodes one record produced by Marshal.
func Unmarshal(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, fmt.Errorf("%w: empty record", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()

	var rec wireRecord
	if err := dec.Decode(&rec); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Message{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if rec.ID == nil || rec.From == nil || rec.To == nil || rec.TTL == nil || rec.Text == nil || rec.Timestamp == nil {
		return Message{}, fmt.Errorf("%w: missing field", ErrMalformed)
	}
	if *rec.ID == "" {
		return Message{}, fmt.Errorf("%w: empty id", ErrMalformed)
	}
	if *rec.TTL < 0 {
		return Message{}, fmt.Errorf("%w: negative ttl %d", ErrMalformed, *rec.TTL)
	}

	return Message{
		ID:        *rec.ID,
		From:      *rec.From,
		To:        *rec.To,
		TTL:       *rec.TTL,
		Text:      *rec.Text,
		Timestamp: *rec.Timestamp,
	}, nil
}
