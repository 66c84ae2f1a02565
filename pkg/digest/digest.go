// Package digest sends one daily push notification summarizing the trailing
// 24 hours of readings: min, max and mean per metric.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arn/sensorboxd/pkg/push"
	"github.com/arn/sensorboxd/pkg/tsdb"
	"github.com/arn/sensorboxd/pkg/types"
)

const digestTitle = "🔻Min🔺Max🔹Mean"

type Config struct {
	Querier   tsdb.Querier
	Queue     *push.Queue
	Bucket    string
	Devices   []string
	AltitudeM int
	Hour      int
	Minute    int

	// Optional configuration.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.Queue == nil {
		return errors.New("queue is required")
	}
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if len(c.Devices) == 0 {
		return errors.New("at least one device is required")
	}
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("hour %d out of range", c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("minute %d out of range", c.Minute)
	}

	// Optional configuration.
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Digest struct {
	log     *slog.Logger
	cfg     Config
	queries []metricQuery
}

func New(log *slog.Logger, cfg Config) (*Digest, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Digest{
		log:     log,
		cfg:     cfg,
		queries: buildQueries(cfg.Bucket, cfg.Devices, cfg.AltitudeM),
	}, nil
}

func (d *Digest) Start(ctx context.Context) <-chan error {
	errCh := make(chan error)
	go func() {
		err := d.Run(ctx)
		if err != nil {
			select {
			case errCh <- err:
			default:
				d.log.Error("digest: error channel is full, skipping error", "error", err)
			}
		}
		close(errCh)
	}()
	return errCh
}

// Run fires Send once daily at the configured wall-clock time until the
// context is cancelled.
func (d *Digest) Run(ctx context.Context) error {
	d.log.Info("digest: scheduler starting", "hour", d.cfg.Hour, "minute", d.cfg.Minute)
	for {
		delay := untilNext(d.cfg.Clock.Now(), d.cfg.Hour, d.cfg.Minute)
		timer := d.cfg.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.log.Info("digest: scheduler stopping", "reason", ctx.Err())
			return nil
		case <-timer.Chan():
			d.Send(ctx)
		}
	}
}

// Send runs the aggregate queries and enqueues the summary notification.
// A failed query contributes a zero line rather than blocking the digest.
func (d *Digest) Send(ctx context.Context) {
	lines := make([]string, 0, len(d.queries))
	for _, q := range d.queries {
		minV := d.aggregate(ctx, q, "min")
		maxV := d.aggregate(ctx, q, "max")
		meanV := d.aggregate(ctx, q, "mean")
		lines = append(lines, fmt.Sprintf("%s: 🔻%.2f 🔺%.2f 🔹%.2f", q.name, minV, maxV, meanV))
	}

	err := d.cfg.Queue.TryEnqueue(push.Item{
		Topic:        types.PushTopicDigests,
		Title:        digestTitle,
		Body:         strings.Join(lines, "\n"),
		Notification: true,
	})
	if errors.Is(err, push.ErrQueueFull) {
		d.log.Error("digest: dropping summary, push queue full")
		return
	}
	d.log.Info("digest: summary enqueued", "metrics", len(lines))
}

func (d *Digest) aggregate(ctx context.Context, q metricQuery, fn string) float64 {
	values, err := d.cfg.Querier.QueryValues(ctx, q.flux+"|> "+fn+"()")
	if err != nil {
		d.log.Error("digest: query failed", "metric", q.name, "fn", fn, "error", err)
		return 0
	}
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

// untilNext computes the delay to the next occurrence of hh:mm, which may be
// later today or tomorrow.
func untilNext(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
