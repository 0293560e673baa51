// Package api serves the HTTP control surface of livescribe.
//
// Routes:
//
//	GET  /api/devices              input-capable capture devices
//	POST /api/session/device       select a device: {"device_id": 3}
//	POST /api/session/load         load the decoder and punctuation models
//	POST /api/session/start        start listening
//	POST /api/session/stop         stop listening (always succeeds)
//	POST /api/load_model           load and start with the remembered device
//	GET  /api/session              state, device and counters of the session
//	GET  /api/transcript/latest    latest final, enriched when available
//	GET  /api/transcript/partial   live partial hypothesis
//	GET  /api/transcript/history   all finals of the process lifetime
//	GET  /api/transcript/stream    websocket stream of transcript events
//
// Errors are returned as {"error": "..."} with a status derived from the
// error chain: invalid devices map to 400, lifecycle violations to 409 and
// everything else, model load failures included, to 500.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/livescribe/internal/capture"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/audio"
)

// Controller is the session surface the API drives. *app.SessionManager
// implements it.
type Controller interface {
	ListDevices() ([]audio.DeviceInfo, error)
	SelectDevice(index int) (audio.DeviceInfo, error)
	Load(ctx context.Context) error
	Start(ctx context.Context) error
	LoadAndStart(ctx context.Context) error
	Stop()
	LatestText() string
	Info() session.Info
	Transcript() *transcript.State
}

// Config holds the dependencies of a [Server].
type Config struct {
	Controller Controller

	// AllowedOrigins lists the origins accepted by CORS and the websocket
	// handshake. Empty allows every origin.
	AllowedOrigins []string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server implements the control surface handlers.
type Server struct {
	ctrl    Controller
	origins []string
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("api: controller is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		ctrl:    cfg.Controller,
		origins: slices.Clone(cfg.AllowedOrigins),
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("component", "api"),
	}, nil
}

// Register attaches the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/api/", s.Handler())
}

// Handler returns the API routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/session/device", s.handleSelectDevice)
	mux.HandleFunc("POST /api/session/load", s.handleLoad)
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/load_model", s.handleLoadModel)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/transcript/latest", s.handleLatest)
	mux.HandleFunc("GET /api/transcript/partial", s.handlePartial)
	mux.HandleFunc("GET /api/transcript/history", s.handleHistory)
	mux.HandleFunc("GET /api/transcript/stream", s.handleStream)
	return s.cors(mux)
}

// ─── Responses ───────────────────────────────────────────────────────────────

type deviceJSON struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

type statusJSON struct {
	Status string      `json:"status"`
	Device *deviceJSON `json:"device,omitempty"`
}

type textJSON struct {
	Text string `json:"text"`
}

type historyJSON struct {
	History []string `json:"history"`
}

type errorJSON struct {
	Error string `json:"error"`
}

type captureJSON struct {
	Blocks     uint64 `json:"blocks"`
	Overflows  uint64 `json:"overflows"`
	Gated      uint64 `json:"gated"`
	Enqueued   uint64 `json:"enqueued"`
	Dropped    uint64 `json:"dropped"`
	QueueDepth int    `json:"queue_depth"`
}

type enrichmentJSON struct {
	Status    string `json:"status"`
	Breaker   string `json:"breaker"`
	Pending   int    `json:"pending"`
	Submitted uint64 `json:"submitted"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

type sessionJSON struct {
	ID         string          `json:"id,omitempty"`
	State      string          `json:"state"`
	Device     *deviceJSON     `json:"device,omitempty"`
	SampleRate int             `json:"sample_rate,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Capture    captureJSON     `json:"capture"`
	Enrichment *enrichmentJSON `json:"enrichment,omitempty"`
}

func toDeviceJSON(d audio.DeviceInfo) *deviceJSON {
	return &deviceJSON{Index: d.Index, Name: d.Name}
}

func toSessionJSON(info session.Info) sessionJSON {
	out := sessionJSON{
		ID:         info.ID,
		State:      info.State.String(),
		SampleRate: info.SampleRate,
		Capture: captureJSON{
			Blocks:     info.Capture.Blocks,
			Overflows:  info.Capture.Overflows,
			Gated:      info.Capture.Gated,
			Enqueued:   info.Capture.Enqueued,
			Dropped:    info.Capture.Dropped,
			QueueDepth: info.Capture.QueueDepth,
		},
	}
	if info.Device != nil {
		out.Device = toDeviceJSON(*info.Device)
	}
	if !info.StartedAt.IsZero() {
		t := info.StartedAt
		out.StartedAt = &t
	}
	if info.Err != nil {
		out.Error = info.Err.Error()
	}
	if e := info.Enrichment; e != nil {
		out.Enrichment = &enrichmentJSON{
			Status:    e.Status.String(),
			Breaker:   e.Breaker.String(),
			Pending:   e.Pending,
			Submitted: e.Stats.Submitted,
			Processed: e.Stats.Processed,
			Failed:    e.Stats.Failed,
			Dropped:   e.Stats.Dropped,
		}
	}
	return out
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.ctrl.ListDevices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceJSON{Index: d.Index, Name: d.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

type selectDeviceRequest struct {
	DeviceID *int `json:"device_id"`
}

func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	var req selectDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid request body"})
		return
	}
	if req.DeviceID == nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "device_id is required"})
		return
	}
	dev, err := s.ctrl.SelectDevice(*req.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON{Status: "device_selected", Device: toDeviceJSON(dev)})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Load(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON{Status: "model_loaded"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON{Status: "listening"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, statusJSON{Status: "stopped"})
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.LoadAndStart(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON{Status: "listening"})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSessionJSON(s.ctrl.Info()))
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, textJSON{Text: s.ctrl.LatestText()})
}

func (s *Server) handlePartial(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, textJSON{Text: s.ctrl.Transcript().Partial()})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	h := s.ctrl.Transcript().History()
	if h == nil {
		h = []string{}
	}
	writeJSON(w, http.StatusOK, historyJSON{History: h})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// statusFor maps an error chain to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidDevice):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrPrecondition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	observe.LoggerFrom(r.Context(), s.log).Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
	writeJSON(w, status, errorJSON{Error: err.Error()})
}

// cors sets the CORS headers on every response and answers preflight
// requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allow, ok := s.allowOrigin(origin); ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin.
func (s *Server) allowOrigin(origin string) (string, bool) {
	if len(s.origins) == 0 || slices.Contains(s.origins, "*") {
		return "*", true
	}
	if origin == "" {
		return "", false
	}
	for _, o := range s.origins {
		if strings.EqualFold(o, origin) {
			return origin, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
