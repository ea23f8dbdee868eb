// Package queue provides a delayed task queue capability with at-least-once
// delivery. Handlers must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Handler processes one task payload. A non-nil error causes redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the capability the workflows depend on
type Queue interface {
	Enqueue(ctx context.Context, task string, payload interface{}, delay time.Duration) error
	OnTask(task string, handler Handler)
}

// ErrUnknownTask is returned when a task has no registered handler
var ErrUnknownTask = errors.New("no handler registered for task")

// envelope is the serialized form of a task on any backend
type envelope struct {
	ID      string          `json:"id"`
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
		return json.Marshal(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task payload: %w", err)
		}
		return b, nil
	}
}

// Decode unmarshals a task payload into dest
func Decode(payload []byte, dest interface{}) error {
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("failed to decode task payload: %w", err)
	}
	return nil
}
