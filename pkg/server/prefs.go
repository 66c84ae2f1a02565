package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"

	"github.com/arn/sensorboxd/pkg/prefstore"
)

// prefsHandler serves a device's preference document. Writes go through the
// preference store's last-writer-wins gate; a losing write gets the winning
// document back so the writer can converge. Observers (typically the phone
// app) are told whenever the stored document changes.
type prefsHandler struct {
	log       *slog.Logger
	device    string
	store     *prefstore.Store
	observers *observerSet
}

func newPrefsHandler(log *slog.Logger, device string, store *prefstore.Store) *prefsHandler {
	return &prefsHandler{
		log:       log,
		device:    device,
		store:     store,
		observers: newObserverSet(log, device+"/prefs", nil),
	}
}

func (h *prefsHandler) handle(w mux.ResponseWriter, r *mux.Message) {
	switch r.Code() {
	case codes.GET:
		h.handleGet(w, r)
	case codes.POST, codes.PUT:
		h.handlePut(w, r)
	default:
		writeSimple(h.log, w, codes.MethodNotAllowed, message.TextPlain, nil)
	}
}

func (h *prefsHandler) handleGet(w mux.ResponseWriter, r *mux.Message) {
	PrefsRequestsTotal.WithLabelValues(h.device, "get").Inc()

	obs, err := r.Options().Observe()
	if err == nil && obs == 0 {
		o := h.observers.add(w.Conn(), r.Token())
		h.observers.notify(o, message.AppCBOR, h.current())
		return
	}
	if err == nil && obs == 1 {
		h.observers.remove(w.Conn(), r.Token())
	}
	writeSimple(h.log, w, codes.Content, message.AppCBOR, h.current())
}

func (h *prefsHandler) handlePut(w mux.ResponseWriter, r *mux.Message) {
	payload, err := r.ReadBody()
	if err != nil && !errors.Is(err, io.EOF) {
		PrefsRequestsTotal.WithLabelValues(h.device, "bad").Inc()
		writeSimple(h.log, w, codes.BadRequest, message.TextPlain, nil)
		return
	}

	code, format, body, changed := h.put(payload, r.MessageID())
	writeSimple(h.log, w, code, format, body)
	if changed {
		h.observers.publish(message.AppCBOR, payload)
	}
}

// put runs the last-writer-wins write and shapes the response. changed
// reports whether observers should be told about a new document.
func (h *prefsHandler) put(payload []byte, mid int32) (codes.Code, message.MediaType, []byte, bool) {
	accepted, stored, err := h.store.Put(h.device, payload)
	if err != nil {
		if errors.Is(err, prefstore.ErrBadPayload) {
			PrefsRequestsTotal.WithLabelValues(h.device, "bad").Inc()
			return codes.BadRequest, message.TextPlain, nil, false
		}
		h.log.Error("coap: storing preferences failed", "device", h.device, "error", err)
		return codes.InternalServerError, message.TextPlain, nil, false
	}

	if !accepted {
		// Stale write: reply with the winning document instead of an ack.
		PrefsRequestsTotal.WithLabelValues(h.device, "rejected").Inc()
		return codes.Content, message.AppCBOR, stored, false
	}

	PrefsRequestsTotal.WithLabelValues(h.device, "accepted").Inc()
	return codes.Changed, message.TextPlain, []byte(fmt.Sprintf("%#x", mid)), true
}

func (h *prefsHandler) current() []byte {
	blob, _ := h.store.Get(h.device)
	return blob
}
