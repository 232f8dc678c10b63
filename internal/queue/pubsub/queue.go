// Package pubsub backs a job queue with a Google Cloud Pub/Sub topic and
// subscription pair.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/queue"
)

// Queue publishes to a topic and feeds Dequeue from its subscription.
// Delivery is at-least-once; the job id carried in the item is the
// idempotency key on the consuming side.
type Queue struct {
	client *gcppubsub.Client
	topic  *gcppubsub.Topic
	sub    *gcppubsub.Subscription
	logger *zap.Logger

	startOnce sync.Once
	items     chan queue.Item
	recvErr   chan error
	cancel    context.CancelFunc
}

// New connects to the topic and subscription. Both must already exist;
// provisioning is an infrastructure concern.
func New(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*Queue, error) {
	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	sub := client.Subscription(subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub subscription %q: %w", subscriptionID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subscriptionID, projectID)
	}
	// One message at a time per process; job-level concurrency is the
	// worker pool's call, not the transport's.
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	return &Queue{
		client:  client,
		topic:   topic,
		sub:     sub,
		logger:  logger,
		items:   make(chan queue.Item),
		recvErr: make(chan error, 1),
	}, nil
}

// Enqueue publishes the item and waits for the server ack so a crashed
// process cannot silently lose a job.
func (q *Queue) Enqueue(ctx context.Context, item queue.Item) error {
	data, err := item.Encode()
	if err != nil {
		return err
	}
	result := q.topic.Publish(ctx, &gcppubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": item.JobID, "kind": string(item.Kind)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job %s: %w", item.JobID, err)
	}
	return nil
}

// Dequeue blocks for the next item. The receive loop starts on first
// call and acks each message as it hands it over.
func (q *Queue) Dequeue(ctx context.Context) (queue.Item, error) {
	q.startOnce.Do(func() {
		recvCtx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		go func() {
			err := q.sub.Receive(recvCtx, func(_ context.Context, msg *gcppubsub.Message) {
				item, derr := queue.DecodeItem(msg.Data)
				if derr != nil {
					q.logger.Warn("dropping undecodable queue message", zap.Error(derr))
					msg.Ack()
					return
				}
				select {
				case q.items <- item:
					msg.Ack()
				case <-recvCtx.Done():
					msg.Nack()
				}
			})
			if err != nil {
				q.recvErr <- err
			}
			close(q.items)
		}()
	})

	select {
	case <-ctx.Done():
		return queue.Item{}, ctx.Err()
	case err := <-q.recvErr:
		return queue.Item{}, fmt.Errorf("pubsub receive: %w", err)
	case item, ok := <-q.items:
		if !ok {
			return queue.Item{}, fmt.Errorf("pubsub receive loop ended")
		}
		return item, nil
	}
}

// Close stops the receive loop and the client.
func (q *Queue) Close() error {
	if q.cancel != nil {
		q.cancel()
	}
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
