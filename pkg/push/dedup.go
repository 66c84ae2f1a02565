package push

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/arn/sensorboxd/pkg/types"
)

// Deduper is a per-topic monotonic gate in front of the queue: a reading is
// forwarded only when its timestamp is strictly greater than every timestamp
// previously forwarded for that topic. Devices retry aggressively over lossy
// links, so the same reading commonly arrives more than once; mobile clients
// should see it exactly once.
//
// State is in memory only. A restart forgets the gate, which is fine: the
// device's next report carries a strictly greater timestamp anyway.
type Deduper struct {
	log   *slog.Logger
	queue *Queue

	mu   sync.Mutex
	last map[string]int64
}

func NewDeduper(log *slog.Logger, queue *Queue) (*Deduper, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	return &Deduper{
		log:   log,
		queue: queue,
		last:  make(map[string]int64),
	}, nil
}

// Offer forwards the reading to the widget push topic unless a reading with
// an equal or greater timestamp was already forwarded for this topic.
// Reports whether the reading was forwarded.
//
// The gate is advanced before the enqueue so a duplicate racing in while the
// first copy is still being handed off is suppressed rather than sent twice.
func (d *Deduper) Offer(topic string, r types.Reading) bool {
	d.mu.Lock()
	if last, ok := d.last[topic]; ok && r.Timestamp <= last {
		d.mu.Unlock()
		d.log.Warn("push: skipping stale reading", "topic", topic, "timestamp", r.Timestamp, "lastForwarded", last)
		SuppressedTotal.WithLabelValues(topic).Inc()
		return false
	}
	d.last[topic] = r.Timestamp
	d.mu.Unlock()

	payload := r.CleanFields()
	payload[types.FieldTimestamp] = float64(r.Timestamp)
	buf, err := json.Marshal(payload)
	if err != nil {
		d.log.Error("push: failed to encode widget payload", "topic", topic, "error", err)
		return false
	}

	err = d.queue.TryEnqueue(Item{
		Topic: types.PushTopicWidget,
		Data: map[string]string{
			"topic":   topic,
			"payload": string(buf),
		},
	})
	if errors.Is(err, ErrQueueFull) {
		d.log.Error("push: dropping widget update, queue full", "topic", topic, "timestamp", r.Timestamp)
	}
	return true
}
