package httpserver

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"service": service, "status": "ok"})
	}
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type readiness struct {
	Service string        `json:"service"`
	Status  string        `json:"status"`
	Checks  []checkResult `json:"checks"`
}

// ReadyzWithChecks runs every check concurrently and reports 503 when any fails.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]checkResult, len(checks))
		var g errgroup.Group
		for i, c := range checks {
			g.Go(func() error {
				start := time.Now()
				err := c.Check(r.Context())
				res := checkResult{Name: c.Name, Status: "ok", DurationMs: time.Since(start).Milliseconds()}
				if err != nil {
					res.Status, res.Error = "fail", err.Error()
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()

		body := readiness{Service: service, Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				body.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		WriteJSON(w, code, body)
	}
}

// WithTimeout bounds a readiness check.
func WithTimeout(timeout time.Duration, check func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return check(ctx)
	}
}
