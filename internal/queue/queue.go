// Package queue carries job identifiers from intake to the worker pool.
//
// Delivery is at-least-once: a message is removed only after the consumer
// acknowledges it, so a job may be handed out more than once and consumers
// must treat redelivery as normal.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("queue closed")

// Queue is the dispatch interface shared by every driver.
type Queue interface {
	// Publish durably enqueues jobID. A nil error means the broker accepted it.
	Publish(ctx context.Context, jobID uuid.UUID) error
	// Consume streams deliveries until ctx is cancelled or the connection is
	// lost, after which the channel is closed.
	Consume(ctx context.Context) (<-chan Delivery, error)
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is one received message. Exactly one of Ack or Nack must be called.
type Delivery interface {
	JobID() uuid.UUID
	Ack(ctx context.Context) error
	// Nack releases the message. With requeue it is delivered again later,
	// otherwise it is dropped.
	Nack(ctx context.Context, requeue bool) error
}

// message is the wire body. Only the job id travels; workers re-read
// everything else from the job store.
type message struct {
	JobID       uuid.UUID `json:"job_id"`
	PublishedAt time.Time `json:"published_at"`
}

func encode(jobID uuid.UUID) ([]byte, error) {
	return json.Marshal(message{JobID: jobID, PublishedAt: time.Now().UTC()})
}

func decode(body []byte) (uuid.UUID, error) {
	var m message
	if err := json.Unmarshal(body, &m); err != nil {
		return uuid.Nil, fmt.Errorf("decode message: %w", err)
	}
	if m.JobID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("decode message: missing job_id")
	}
	return m.JobID, nil
}
