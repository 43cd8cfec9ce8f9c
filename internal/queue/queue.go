// Package queue is the priority-laned dispatch layer between the HTTP-facing
// process and the worker processes. It moves (job id, payload) pairs with
// at-least-once delivery; it knows nothing about job-state semantics.
package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Default lane names, highest priority first.
var DefaultLanes = []string{"high", "normal", "low"}

// Task is a unit of work handed to the dispatch layer.
type Task struct {
	JobID   uuid.UUID       `json:"job_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Delivery is a task pulled from a lane, with enough bookkeeping to
// acknowledge it.
type Delivery struct {
	Task      Task
	Lane      string
	messageID string
}

// Dispatcher is the enqueue side, used by the request-handling process.
type Dispatcher interface {
	// Enqueue places the task on the named lane. An unknown lane falls back
	// to the lowest-priority lane.
	Enqueue(ctx context.Context, lane string, task Task) error
	// Stats reports the pending payload count per lane.
	Stats(ctx context.Context) (map[string]int64, error)
	Close() error
}

// Source is the worker side.
type Source interface {
	// Read blocks up to the configured timeout for the next task, checking
	// lanes in priority order. Returns (nil, nil) when nothing arrived.
	Read(ctx context.Context) (*Delivery, error)
	// Ack marks the delivery processed so it is not redelivered.
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}
