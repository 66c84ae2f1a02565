package server

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
)

const timeLayout = "2006-01-02 15:04"

// timeResource serves the shared wall-clock resource. Plain GETs return the
// current time; observe registrations additionally receive a notification on
// a fixed interval, driven by a single ticker goroutine that runs only while
// at least one observer is registered.
type timeResource struct {
	log      *slog.Logger
	clock    clockwork.Clock
	interval time.Duration

	observers *observerSet

	ctx    context.Context
	mu     sync.Mutex
	cancel context.CancelFunc
}

func newTimeResource(ctx context.Context, log *slog.Logger, clock clockwork.Clock, interval time.Duration) *timeResource {
	t := &timeResource{
		log:      log,
		clock:    clock,
		interval: interval,
		ctx:      ctx,
	}
	t.observers = newObserverSet(log, "time", t.onObserversChanged)
	return t
}

func (t *timeResource) render() []byte {
	return []byte(t.clock.Now().Format(timeLayout))
}

// onObserversChanged starts the ticker on the 0->n transition and stops it on
// the n->0 transition.
func (t *timeResource) onObserversChanged(count int) {
	TimeObservers.Set(float64(count))
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case count > 0 && t.cancel == nil:
		ctx, cancel := context.WithCancel(t.ctx)
		t.cancel = cancel
		go t.tick(ctx)
	case count == 0 && t.cancel != nil:
		t.cancel()
		t.cancel = nil
	}
}

func (t *timeResource) tick(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.observers.publish(message.TextPlain, t.render())
		}
	}
}

func (t *timeResource) handle(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.GET {
		writeSimple(t.log, w, codes.MethodNotAllowed, message.TextPlain, nil)
		return
	}

	obs, err := r.Options().Observe()
	if err == nil && obs == 0 {
		o := t.observers.add(w.Conn(), r.Token())
		t.observers.notify(o, message.TextPlain, t.render())
		return
	}
	if err == nil && obs == 1 {
		t.observers.remove(w.Conn(), r.Token())
	}
	writeSimple(t.log, w, codes.Content, message.TextPlain, t.render())
}

func writeSimple(log *slog.Logger, w mux.ResponseWriter, code codes.Code, format message.MediaType, payload []byte) {
	if err := w.SetResponse(code, format, bytes.NewReader(payload)); err != nil {
		log.Warn("coap: writing response failed", "error", err)
	}
}
