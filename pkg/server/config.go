package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/jonboulle/clockwork"

	"github.com/arn/sensorboxd/pkg/prefstore"
	"github.com/arn/sensorboxd/pkg/spectrum"
	"github.com/arn/sensorboxd/pkg/types"
)

const (
	defaultAddr               = ":5683"
	defaultTimeNotifyInterval = 5 * time.Second
)

// Notifier gates readings into the outbound push queue. *push.Deduper
// satisfies it.
type Notifier interface {
	Offer(topic string, r types.Reading) bool
}

type Config struct {
	Devices  []string
	WriteAPI influxdb2api.WriteAPI
	Notifier Notifier
	Prefs    *prefstore.Store

	// Transport configuration. When both DTLS values are set the server
	// speaks DTLS-PSK on the port after Addr's, like the device firmware
	// expects; otherwise plain UDP on Addr.
	Addr         string
	DTLSIdentity string
	DTLSKey      string

	// Optional configuration.
	Clock              clockwork.Clock
	BinMap             *spectrum.BinMap
	TimeNotifyInterval time.Duration
}

func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.New("at least one device name is required")
	}
	for _, device := range c.Devices {
		if device == "" || strings.Contains(device, "/") {
			return fmt.Errorf("invalid device name %q", device)
		}
	}
	if c.WriteAPI == nil {
		return errors.New("influx write api is required")
	}
	if c.Notifier == nil {
		return errors.New("notifier is required")
	}
	if c.Prefs == nil {
		return errors.New("preference store is required")
	}
	if (c.DTLSIdentity == "") != (c.DTLSKey == "") {
		return errors.New("dtls identity and key must be set together")
	}

	// Optional configuration.
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BinMap == nil {
		m, err := spectrum.Default()
		if err != nil {
			return fmt.Errorf("default bin map: %w", err)
		}
		c.BinMap = m
	}
	if c.TimeNotifyInterval <= 0 {
		c.TimeNotifyInterval = defaultTimeNotifyInterval
	}
	return nil
}
