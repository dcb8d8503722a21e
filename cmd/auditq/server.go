package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Swind/go-audit-queue/core"
)

const (
	readHeaderTimeout = 5 * time.Second
	serverStopTimeout = 5 * time.Second
)

// statsProvider is satisfied by *core.AsynchronousQueue.
type statsProvider interface {
	Stats() core.PoolStats
}

// newRouter serves Prometheus metrics from gatherer, a health check and the
// pool snapshot. stats may be nil when the queue is synchronous.
func newRouter(gatherer prom.Gatherer, stats statsProvider) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		if stats == nil {
			http.Error(w, "queue is synchronous", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats.Stats())
	})
	return r
}

// serveMetrics runs an HTTP server on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger core.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		logger.Info("metrics server listening", core.F("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", core.F("error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
	}()
}
