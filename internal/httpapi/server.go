package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/config"
	"github.com/ent0n29/lokseva/internal/journal"
	"github.com/ent0n29/lokseva/internal/lifecycle"
	"github.com/ent0n29/lokseva/internal/observability"
)

// Controller is the part of the lifecycle controller the admin API drives.
type Controller interface {
	Status() lifecycle.Status
	RequestShutdown(reason string)
	OnTransition(fn func(lifecycle.Transition))
}

// Journal lists recent session records.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Record, error)
}

const ShutdownReasonAdmin = "admin"

type Server struct {
	cfg        config.Config
	controller Controller
	journal    Journal
	metrics    *observability.Metrics
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	events     *eventHub
}

func New(cfg config.Config, controller Controller, j Journal, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		controller: controller,
		journal:    j,
		metrics:    metrics,
		logger:     logger.Named("httpapi"),
		events:     newEventHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may attach unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if controller != nil {
		controller.OnTransition(s.events.publish)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	// The API carries no auth; APP_BIND_ADDR keeps it on loopback unless overridden.
	r.Route("/v1", func(r chi.Router) {
		r.Get("/agent/status", s.handleStatus)
		r.Post("/agent/shutdown", s.handleShutdown)
		r.Get("/agent/events", s.handleEvents)
		r.Get("/sessions", s.handleSessions)
		r.Get("/perf/latency", s.handlePerfLatency)
	})
	return r
}

// Close ends every open event stream.
func (s *Server) Close() {
	s.events.close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"provider_mode": s.cfg.ProviderMode,
		"journal":       s.journalMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no session")
		return
	}
	st := s.controller.Status()
	if st.State != lifecycle.StateStarted {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "state": st.State})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "state": st.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "no session")
		return
	}
	respondJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "no session")
		return
	}
	s.controller.RequestShutdown(ShutdownReasonAdmin)
	respondJSON(w, http.StatusAccepted, s.controller.Status())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondJSON(w, http.StatusOK, map[string]any{"sessions": []journal.Record{}})
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be within 1..500")
			return
		}
		limit = n
	}
	records, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("journal query failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "no session")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.events.subscribe()
	defer s.events.unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so pings, pongs and close frames are processed.
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v) == nil
	}
	if !write(eventMessage{Type: "status", Status: ptr(s.controller.Status())}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case tr := <-sub.ch:
			if !write(eventMessage{Type: "transition", Transition: &tr}) {
				return
			}
		}
	}
}

func (s *Server) journalMode() string {
	if s.journal == nil {
		return "disabled"
	}
	return "enabled"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func ptr[T any](v T) *T { return &v }
