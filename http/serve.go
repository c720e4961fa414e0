// Package http serves health, metrics and the running transcript.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"node.town/rtasr/session"
)

// Source is whatever can report the running session.
type Source interface {
	Snapshot() session.Snapshot
}

// Router serves health, metrics from gatherer and, when src is non-nil,
// the current transcript.
func Router(gatherer prometheus.Gatherer, src Source) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if src != nil {
		r.Get("/transcript", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(src.Snapshot()); err != nil {
				http.Error(w, "Failed to encode transcript", http.StatusInternalServerError)
			}
		})
	}
	return r
}

// Serve runs the router on addr until ctx ends.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, src Source) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Router(gatherer, src),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http", "url", "http://"+addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
