// Package httpserver runs the orchestrator's HTTP surface: request ids,
// access logging, per-route latency metrics and graceful shutdown.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/animus-labs/reelforge/internal/metrics"
	"github.com/animus-labs/reelforge/internal/platform/env"
	"github.com/animus-labs/reelforge/internal/platform/requestid"
)

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

func ConfigFromEnv(service string) (Config, error) {
	shutdown, err := env.Duration("REELFORGE_SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Service:         service,
		Addr:            env.String("REELFORGE_HTTP_ADDR", ":8080"),
		ShutdownTimeout: shutdown,
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.Service == "":
		return errors.New("http service name is required")
	case c.Addr == "":
		return errors.New("REELFORGE_HTTP_ADDR is required")
	case c.ShutdownTimeout <= 0:
		return errors.New("REELFORGE_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// Run serves handler on cfg.Addr until ctx is cancelled, then drains
// in-flight requests for at most cfg.ShutdownTimeout.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	logger.Info("http server listening", "service", cfg.Service, "addr", ln.Addr().String())

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	logger.Info("http server draining", "service", cfg.Service, "timeout", cfg.ShutdownTimeout.String())
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Wrap installs request ids, access logging and panic recovery around a
// ServeMux. The access log reads the mux's matched pattern, so node uuids in
// paths never become metric labels.
func Wrap(logger *slog.Logger, service string, mux http.Handler) http.Handler {
	logger = logger.With("service", service)
	return withRequestID(observe(logger, recoverPanics(logger, mux)))
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return requestid.FromContext(ctx)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := requestid.Ensure(r.Header.Get(requestid.Header))
		r.Header.Set(requestid.Header, id)
		w.Header().Set(requestid.Header, id)
		next.ServeHTTP(w, r.WithContext(requestid.WithContext(r.Context(), id)))
	})
}

func recoverPanics(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			id, _ := requestid.FromContext(r.Context())
			logger.Error("handler panic", "request_id", id, "method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(v))
			WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"error":      "internal_error",
				"request_id": id,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// recorder remembers the status code. Unwrap lets http.ResponseController
// reach the underlying writer for flushing.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.bytes += int64(n)
	return n, err
}

func (rw *recorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func observe(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &recorder{ResponseWriter: w}
		defer func() {
			if rw.status == 0 {
				rw.status = http.StatusOK
			}
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rw.status)).Observe(elapsed.Seconds())

			id, _ := requestid.FromContext(r.Context())
			level := slog.LevelInfo
			switch {
			case rw.status >= 500:
				level = slog.LevelError
			case r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics":
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "http request",
				"request_id", id,
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"status", rw.status,
				"bytes", rw.bytes,
				"duration_ms", elapsed.Milliseconds(),
			)
		}()
		next.ServeHTTP(rw, r)
	})
}
