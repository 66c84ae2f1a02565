// Package webhook bridges Grafana alert notifications into the outbound push
// queue. Grafana POSTs its alert payload to /alert-endpoint; alerts in the
// alerting state are forwarded to the alerts push topic.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/arn/sensorboxd/pkg/push"
	"github.com/arn/sensorboxd/pkg/types"
)

const (
	alertPath       = "/alert-endpoint"
	shutdownTimeout = 10 * time.Second
)

// alertPayload is the slice of Grafana's notification body we act on.
type alertPayload struct {
	State   string `json:"state"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type Handler struct {
	log   *slog.Logger
	queue *push.Queue
}

func NewHandler(log *slog.Logger, queue *push.Queue) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	return &Handler{log: log, queue: queue}, nil
}

// Router returns the HTTP routes the webhook serves.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(alertPath, h.handleAlert)
	return mux
}

func (h *Handler) handleAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload alertPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.log.Warn("webhook: undecodable alert payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	h.log.Info("webhook: alert received", "state", payload.State, "title", payload.Title)

	if payload.State == "alerting" {
		err := h.queue.TryEnqueue(push.Item{
			Topic:        types.PushTopicAlerts,
			Title:        payload.Title,
			Body:         payload.Message,
			Notification: true,
		})
		if errors.Is(err, push.ErrQueueFull) {
			h.log.Warn("webhook: dropping alert, push queue full", "title", payload.Title)
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Serve runs the webhook HTTP server until ctx is cancelled. The returned
// channel yields the terminal error, nil on clean shutdown.
func (h *Handler) Serve(ctx context.Context, addr string) <-chan error {
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		errCh <- err
		return errCh
	}
	h.log.Info("webhook: listening", "addr", listener.Addr().String())

	go func() {
		defer close(errCh)

		srv := &http.Server{Handler: h.Router()}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	return errCh
}
