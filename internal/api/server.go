// Package api exposes the noise monitor over HTTP: the live snapshot, the
// slice history, settings changes, and push streams over server-sent
// events and websockets.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/banshee-data/noise.report/internal/config"
	"github.com/banshee-data/noise.report/internal/httputil"
	"github.com/banshee-data/noise.report/internal/monitoring"
	"github.com/banshee-data/noise.report/internal/slice"
	"github.com/banshee-data/noise.report/internal/stream"
)

var logf = monitoring.Component("api")

// DefaultKeepAlive is the comment interval on idle event streams.
const DefaultKeepAlive = 15 * time.Second

// Options configures a Server.
type Options struct {
	Service *stream.Service

	// SaveSettings persists the settings in effect after a change. Nil
	// keeps changes in memory only.
	SaveSettings func(*config.Settings) error

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// ChartAssetsHost overrides where the debug chart loads echarts from.
	ChartAssetsHost string

	// CheckOrigin overrides the websocket origin policy.
	CheckOrigin func(*http.Request) bool

	KeepAlive time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	svc             *stream.Service
	saveSettings    func(*config.Settings) error
	metrics         http.Handler
	chartAssetsHost string
	keepAlive       time.Duration
	upgrader        wsUpgrader
}

// NewServer creates a Server around a stream service.
func NewServer(opts Options) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	return &Server{
		svc:             opts.Service,
		saveSettings:    opts.SaveSettings,
		metrics:         opts.Metrics,
		chartAssetsHost: opts.ChartAssetsHost,
		keepAlive:       opts.KeepAlive,
		upgrader:        newUpgrader(opts.CheckOrigin),
	}
}

// ServeMux returns the routes. Callers wrap it with LoggingMiddleware.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/slices", s.handleSlices)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/settings/{event}", s.handleSettingsChange)
	mux.HandleFunc("/api/restart", s.handleRestart)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.HandleFunc("/debug/slices", s.handleSliceChart)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"status":      "ok",
		"capture":     s.svc.Running(),
		"subscribers": s.svc.Subscribers(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.svc.Snapshot())
}

func (s *Server) handleSlices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSlices(w, r)
	case http.MethodDelete:
		if err := s.svc.ClearHistory(r.Context()); err != nil {
			httputil.InternalServerError(w, "failed to clear history: "+err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) listSlices(w http.ResponseWriter, r *http.Request) {
	from, err := httputil.EpochMsParam(r, "from")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	to, err := httputil.EpochMsParam(r, "to")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		httputil.BadRequest(w, "'to' must not be before 'from'")
		return
	}

	list := s.svc.History().Range(r.Context(), from, to)
	if list == nil {
		list = []slice.Summary{}
	}
	httputil.WriteJSONOK(w, list)
}

type settingsResponse struct {
	Settings *config.Settings `json:"settings"`
	Events   []config.Event   `json:"events"`
}

type changeResponse struct {
	Event     config.Event     `json:"event"`
	Settings  *config.Settings `json:"settings"`
	InPlace   []string         `json:"inPlace"`
	Restart   []string         `json:"restart"`
	Persisted bool             `json:"persisted"`
}

// effectiveSettings is the settings document with defaults filled in.
func (s *Server) effectiveSettings() *config.Settings {
	full := config.DefaultSettings()
	full.Merge(s.svc.Settings())
	return full
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, settingsResponse{
		Settings: s.effectiveSettings(),
		Events:   config.Events(),
	})
}

func (s *Server) handleSettingsChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	body, err := httputil.ReadBody(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	change, err := config.ParseChange(r.PathValue("event"), body)
	if err != nil {
		if errors.Is(err, config.ErrUnknownEvent) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}

	diff, err := s.svc.ApplySettings(change)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	resp := changeResponse{
		Event:    change.Event,
		Settings: s.effectiveSettings(),
		InPlace:  nonNil(diff.InPlace),
		Restart:  nonNil(diff.Restart),
	}
	if s.saveSettings != nil {
		if err := s.saveSettings(s.svc.Settings()); err != nil {
			logf("settings applied but not saved: %v", err)
		} else {
			resp.Persisted = true
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.svc.Restart()
	httputil.WriteJSON(w, http.StatusAccepted, s.svc.Snapshot())
}

// latestOnly returns a listener that keeps only the newest snapshot for a
// consumer that may fall behind.
func latestOnly() (stream.Listener, <-chan stream.Snapshot) {
	ch := make(chan stream.Snapshot, 1)
	return func(snap stream.Snapshot) {
		for {
			select {
			case ch <- snap:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}, ch
}

// subscribe registers a coalescing listener for the lifetime of ctx.
func (s *Server) subscribe(ctx context.Context) <-chan stream.Snapshot {
	listener, ch := latestOnly()
	unsubscribe := s.svc.Subscribe(listener)
	context.AfterFunc(ctx, unsubscribe)
	return ch
}
