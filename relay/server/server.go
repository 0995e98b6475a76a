// Package server exposes the relay's HTTP surface: the WhatsApp webhook,
// the dispatch processor and a health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/convo-relay/relay/dispatch"
	"github.com/ZanzyTHEbar/convo-relay/relay/metrics"
	"github.com/rs/zerolog"
)

// Routes are the handlers mounted by NewRouter. Nil handlers are skipped.
type Routes struct {
	Message  http.Handler
	Dispatch http.Handler
	Health   http.Handler
}

func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()

	if routes.Message != nil {
		mux.Handle("/message", routes.Message)
	}
	if routes.Dispatch != nil {
		mux.Handle("/dispatch", routes.Dispatch)
	}
	if routes.Health != nil {
		mux.Handle("GET /healthz", routes.Health)
	}

	return mux
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports dispatch queue depth.
type QueueStats interface {
	Stats(ctx context.Context) (dispatch.Stats, error)
}

// Health serves /healthz: 200 when the store answers, 503 otherwise, with
// queue depth and run metrics in the body.
type Health struct {
	Store   Pinger     // optional
	Queue   QueueStats // optional
	Metrics *metrics.Collector
	Timeout time.Duration
}

type healthReport struct {
	Status  string           `json:"status"`
	Store   string           `json:"store,omitempty"`
	Queue   *dispatch.Stats  `json:"queue,omitempty"`
	Metrics *metrics.Summary `json:"metrics,omitempty"`
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	report := healthReport{Status: "ok"}
	status := http.StatusOK

	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			report.Status = "degraded"
			report.Store = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			report.Store = "ok"
		}
	}
	if h.Queue != nil {
		if stats, err := h.Queue.Stats(ctx); err == nil {
			report.Queue = &stats
		}
	}
	if h.Metrics != nil {
		summary := h.Metrics.Summary()
		report.Metrics = &summary
	}

	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Config holds listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Serve runs an HTTP server until ctx is cancelled, then shuts it down
// gracefully within cfg.ShutdownTimeout.
func Serve(ctx context.Context, cfg Config, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	logger.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
