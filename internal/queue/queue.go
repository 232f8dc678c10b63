// Package queue defines the durable job queues. Two logical queues
// exist, one per job kind, so crawl and extract concurrency can be tuned
// independently.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// Item is one queued unit of work. The job id doubles as the idempotency
// key: redelivery of an already-terminal job is a no-op at the worker.
type Item struct {
	JobID string         `json:"job_id"`
	Kind  tariff.JobKind `json:"kind"`
}

// Encode renders the item for the wire.
func (i Item) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// DecodeItem parses a wire payload.
func DecodeItem(data []byte) (Item, error) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, fmt.Errorf("decode queue item: %w", err)
	}
	if item.JobID == "" {
		return Item{}, fmt.Errorf("decode queue item: empty job id")
	}
	return item, nil
}

// Queue is one named job queue.
type Queue interface {
	// Enqueue publishes an item, blocking only while the queue is full
	// or the context is live.
	Enqueue(ctx context.Context, item Item) error

	// Dequeue blocks for the next item or the end of the context.
	Dequeue(ctx context.Context) (Item, error)

	// Close releases the queue's resources.
	Close() error
}
