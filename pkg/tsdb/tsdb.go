// Package tsdb wraps the InfluxDB client: construction with second-precision
// writes, a startup health ping, and the narrow query port the digest uses.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
)

const pingMaxElapsed = 30 * time.Second

// NewClient builds an InfluxDB client writing with second precision, matching
// the devices' epoch-second reading timestamps.
func NewClient(url, token string) influxdb2.Client {
	return influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetPrecision(time.Second))
}

// Ping verifies the InfluxDB endpoint is reachable, retrying with exponential
// backoff so a server restart racing the database's does not kill the boot.
func Ping(ctx context.Context, log *slog.Logger, client influxdb2.Client) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := client.Ping(ctx)
		if err != nil {
			log.Warn("tsdb: ping failed, retrying", "error", err)
			return struct{}{}, err
		}
		if !ok {
			err := errors.New("influxdb is not ready")
			log.Warn("tsdb: ping failed, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(pingMaxElapsed))
	if err != nil {
		return fmt.Errorf("influxdb ping: %w", err)
	}
	return nil
}

// LogWriteErrors drains the async write API's error channel for the process
// lifetime. Failed point writes are logged and lost; the device has already
// been acked and its retry semantics are not coupled to storage durability.
func LogWriteErrors(ctx context.Context, log *slog.Logger, api influxdb2api.WriteAPI) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-api.Errors():
			if !ok {
				return
			}
			log.Error("tsdb: async write failed", "error", err)
		}
	}
}
