package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"

	"github.com/arn/sensorboxd/pkg/spectrum"
	"github.com/arn/sensorboxd/pkg/types"
)

// readingsHandler accepts sensor readings PUT to a device's data resource,
// persists them, and forwards them to the push notifier.
type readingsHandler struct {
	log    *slog.Logger
	device string
	path   string
	write  influxdb2api.WriteAPI
	notify Notifier
	binMap *spectrum.BinMap
}

func (h *readingsHandler) handle(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.PUT && r.Code() != codes.POST {
		writeSimple(h.log, w, codes.MethodNotAllowed, message.TextPlain, nil)
		return
	}

	payload, err := r.ReadBody()
	if err != nil && !errors.Is(err, io.EOF) {
		ReadingsRejectedTotal.WithLabelValues("read").Inc()
		writeSimple(h.log, w, codes.BadRequest, message.TextPlain, nil)
		return
	}

	code, body := h.process(payload)
	if code == codes.Created {
		// Acknowledge with the request's message ID so the device can match
		// the response to the reading it just sent.
		body = []byte(fmt.Sprintf("%#x", r.MessageID()))
	}
	writeSimple(h.log, w, code, message.TextPlain, body)
}

// process decodes and persists one reading. Split from handle so tests can
// exercise the semantics without a transport.
func (h *readingsHandler) process(payload []byte) (codes.Code, []byte) {
	reading, err := types.DecodeReading(h.path, payload)
	if err != nil {
		h.log.Warn("coap: rejecting reading", "device", h.device, "error", err)
		ReadingsRejectedTotal.WithLabelValues("decode").Inc()
		return codes.BadRequest, nil
	}

	ts := time.Unix(reading.Timestamp, 0)
	clean := reading.CleanFields()
	fields := make(map[string]any, len(clean))
	for name, v := range clean {
		fields[name] = roundField(v)
	}
	if len(fields) > 0 {
		point := write.NewPoint(reading.Measurement, map[string]string{"topic": reading.Topic}, fields, ts)
		h.write.WritePoint(point)
		ReadingsTotal.WithLabelValues(reading.Measurement).Inc()
	}

	h.notify.Offer(reading.Topic, reading)

	if reading.Spectrum != nil {
		linear, err := h.binMap.Reconstruct(reading.Spectrum)
		if err != nil {
			h.log.Warn("coap: rejecting spectrum", "device", h.device, "bins", len(reading.Spectrum), "error", err)
			ReadingsRejectedTotal.WithLabelValues("spectrum").Inc()
			return codes.BadRequest, nil
		}
		bins := make(map[string]any, len(linear))
		for i, v := range linear {
			bins[fmt.Sprintf("bin%03d", i)] = v
		}
		point := write.NewPoint(reading.Measurement,
			map[string]string{"topic": reading.Measurement + "/" + types.FieldSpectrum}, bins, ts)
		h.write.WritePoint(point)
		SpectraTotal.WithLabelValues(reading.Measurement).Inc()
	}

	return codes.Created, nil
}

// roundField keeps stored values to six decimal places, matching what the
// devices themselves are able to resolve.
func roundField(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
