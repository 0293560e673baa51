// Package health provides HTTP liveness and readiness handlers for the
// transcription server.
//
// /healthz always answers 200 while the process can serve HTTP. /readyz runs
// every registered [Checker] concurrently: a failing critical check answers
// 503 with status "fail", a failing optional check answers 200 with status
// "degraded". Both respond with JSON.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrNoInputDevice is reported by [InputDevices] when the host exposes no
// capture-capable device.
var ErrNoInputDevice = errors.New("health: no input device available")

// Checker is a named readiness probe.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "audio", "decoder").
	Name string

	// Optional checks degrade readiness instead of failing it.
	Optional bool

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, started: time.Now(), now: time.Now}
}

// Healthz is a liveness probe that always returns 200 OK with the process
// uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status: "ok",
		Uptime: h.now().Sub(h.started).Truncate(time.Second).String(),
	})
}

// Readyz runs all checkers in parallel, each with a [checkTimeout] deadline
// derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = "ok"
			case c.Optional:
				checks[c.Name] = "degraded: " + err.Error()
				degraded = true
			default:
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	switch {
	case failed:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	case degraded:
		res.Status = "degraded"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// InputDevices returns a critical checker that passes while host lists at
// least one input-capable device.
func InputDevices(host audio.Host) Checker {
	return Checker{
		Name: "audio",
		Check: func(ctx context.Context) error {
			devices, err := host.Devices()
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}
			if len(audio.InputDevices(devices)) == 0 {
				return ErrNoInputDevice
			}
			return ctx.Err()
		},
	}
}

// Func returns a checker that reports the error returned by fn.
func Func(name string, optional bool, fn func() error) Checker {
	return Checker{
		Name:     name,
		Optional: optional,
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn()
		},
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
