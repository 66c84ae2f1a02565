package types

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrEmptyTopic       = errors.New("reading has an empty topic")
	ErrMissingTimestamp = errors.New("reading has no numeric timestamp")
)

// Reading is one decoded telemetry sample from one device topic. It is
// constructed on message receipt, forwarded to persistence and the
// notification gate, and then discarded; nothing retains it.
type Reading struct {
	// Topic is the full request path without the leading slash,
	// e.g. "sensorBox/data".
	Topic string
	// Measurement is the first path segment (the device name), used as the
	// time-series measurement name.
	Measurement string
	// Timestamp is seconds since epoch, as reported by the device.
	Timestamp int64
	// Fields holds every numeric field except the timestamp and the compact
	// spectrum, unfiltered: sentinel and NaN values are still present so the
	// persistence and notification paths can apply their own exclusions.
	Fields map[string]float64
	// Spectrum is the compact log-spaced magnitude encoding from the
	// reserved audioFft field. Nil when the payload has no such key;
	// a present-but-empty encoding decodes as an empty non-nil slice so the
	// length contract still applies to it.
	Spectrum []float64
}

// DecodeReading parses a CBOR map-of-scalars reading payload received on the
// given request path.
func DecodeReading(path string, payload []byte) (Reading, error) {
	topic := strings.TrimPrefix(path, "/")
	if topic == "" {
		return Reading{}, ErrEmptyTopic
	}
	measurement, _, _ := strings.Cut(topic, "/")

	var raw map[string]any
	if err := cbor.Unmarshal(payload, &raw); err != nil {
		return Reading{}, fmt.Errorf("decode reading payload: %w", err)
	}

	r := Reading{
		Topic:       topic,
		Measurement: measurement,
		Fields:      make(map[string]float64, len(raw)),
	}

	ts, ok := toFloat(raw[FieldTimestamp])
	if !ok {
		return Reading{}, ErrMissingTimestamp
	}
	r.Timestamp = int64(ts)

	for key, value := range raw {
		switch key {
		case FieldTimestamp:
			continue
		case FieldSpectrum:
			spectrum, err := toFloatSlice(value)
			if err != nil {
				return Reading{}, fmt.Errorf("decode %s: %w", FieldSpectrum, err)
			}
			r.Spectrum = spectrum
		default:
			if v, ok := toFloat(value); ok {
				r.Fields[key] = v
			}
		}
	}
	return r, nil
}

// CleanFields returns the fields surviving sentinel exclusion: everything in
// Fields except SentinelMissing and non-finite values. Neither the database
// line protocol nor the widget JSON payload can represent NaN or an
// infinity, so they are excluded at the source.
func (r Reading) CleanFields() map[string]float64 {
	out := make(map[string]float64, len(r.Fields))
	for key, value := range r.Fields {
		if value == SentinelMissing || math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		out[key] = value
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	default:
		return 0, false
	}
}

func toFloatSlice(v any) ([]float64, error) {
	switch x := v.(type) {
	case []byte:
		out := make([]float64, len(x))
		for i, b := range x {
			out[i] = float64(b)
		}
		return out, nil
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := toFloat(e)
			if !ok {
				return nil, fmt.Errorf("element %d is not numeric (%T)", i, e)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}
