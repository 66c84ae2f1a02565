// Package push holds the outbound FCM path: a bounded queue decoupling
// ingestion from delivery I/O, the single delivery worker, and the per-topic
// notification deduplicator that guards the queue.
package push

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultCapacity bounds how many undelivered items may pile up while the
// worker is busy with a slow FCM call.
const DefaultCapacity = 100

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
// Producers sit on the protocol-serving path and must never block on it.
var ErrQueueFull = errors.New("push queue is full")

// Item is one queued outbound message. Notification items become user-visible
// title/body pushes; everything else is a data-only message.
type Item struct {
	Topic        string
	Data         map[string]string
	Title        string
	Body         string
	Notification bool
}

// Sender delivers one item to the push backend. Implementations may block on
// network I/O; only the queue's worker goroutine calls it.
type Sender interface {
	Send(ctx context.Context, item Item) error
}

// Queue is a bounded FIFO with a single consumer dedicated to delivery.
type Queue struct {
	log    *slog.Logger
	sender Sender
	items  chan Item
}

func NewQueue(log *slog.Logger, sender Sender, capacity int) (*Queue, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		log:    log,
		sender: sender,
		items:  make(chan Item, capacity),
	}, nil
}

// TryEnqueue adds an item without blocking. A full queue drops the item and
// reports ErrQueueFull; the caller decides whether that is worth logging.
func (q *Queue) TryEnqueue(item Item) error {
	select {
	case q.items <- item:
		EnqueuedTotal.WithLabelValues(item.Topic).Inc()
		return nil
	default:
		QueueFullTotal.WithLabelValues(item.Topic).Inc()
		return ErrQueueFull
	}
}

// Len reports how many items are waiting for delivery.
func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Start(ctx context.Context) <-chan error {
	errCh := make(chan error)
	go func() {
		err := q.Run(ctx)
		if err != nil {
			select {
			case errCh <- err:
			default:
				q.log.Error("push: error channel is full, skipping error", "error", err)
			}
		}
		close(errCh)
	}()
	return errCh
}

// Run consumes the queue until the context is cancelled. Delivery failures
// are logged and the item is dropped; there is no retry.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("push: delivery worker starting", "capacity", cap(q.items))
	for {
		select {
		case <-ctx.Done():
			q.log.Info("push: delivery worker stopping", "reason", ctx.Err(), "pending", len(q.items))
			return nil
		case item := <-q.items:
			if err := q.sender.Send(ctx, item); err != nil {
				q.log.Error("push: delivery failed", "topic", item.Topic, "error", err)
				SendErrorsTotal.WithLabelValues(item.Topic).Inc()
				continue
			}
			SentTotal.WithLabelValues(item.Topic).Inc()
		}
	}
}
