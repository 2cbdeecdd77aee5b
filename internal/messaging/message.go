// Package messaging moves command messages between scheduler instances. A command message is a small, JSON
// encoded instruction ("queue these jobs", "update this recipe") that is executed inside one database
// transaction and may produce further messages. Delivery is at-least-once, so every message must be safe to
// execute more than once.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// CommandMessage is implemented by every message type. The message itself is the body: it is encoded with
// encoding/json and decoded into a fresh value obtained from the Registry.
type CommandMessage interface {
	// Type is the stable key the message is registered under.
	Type() string
	// Execute performs the message and returns the messages to send once it has succeeded.
	Execute(ctx context.Context) ([]CommandMessage, error)
}

// Envelope is the wire format of a message.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Body    json.RawMessage `json:"body"`
	Created time.Time       `json:"created"`
}

// NewEnvelope encodes msg.
func NewEnvelope(msg CommandMessage, id string, created time.Time) (*Envelope, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s message", msg.Type())
	}
	return &Envelope{ID: id, Type: msg.Type(), Body: body, Created: created}, nil
}

// Marshal encodes msg into a complete envelope.
func Marshal(msg CommandMessage, id string, created time.Time) ([]byte, error) {
	envelope, err := NewEnvelope(msg, id, created)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(envelope)
	return b, errors.WithStack(err)
}
