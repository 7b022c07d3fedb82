// Package server exposes the orchestrator over HTTP: submit a bot, inspect
// it, follow its output, stop it. Everything except the health and log
// endpoints sits behind a shared-token check.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"

	"github.com/meetsync/botherd/internal/model"
	"github.com/meetsync/botherd/internal/relay"
	"github.com/meetsync/botherd/internal/stopcascade"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
)

// Orchestrator is the supervisor surface the handlers need.
type Orchestrator interface {
	Submit(ctx context.Context, sub model.Submission) (model.Job, error)
	Get(id string) (model.Job, error)
	Relay(id string) (*relay.Relay, bool)
}

// Stopper drives the termination cascade for one job.
type Stopper interface {
	Stop(ctx context.Context, id string) (string, error)
}

type Lister interface {
	List() []model.Job
}

type Server struct {
	cfg     model.Config
	orch    Orchestrator
	stopper Stopper
	lister  Lister
}

func New(cfg model.Config, orch Orchestrator, stopper Stopper, lister Lister) *Server {
	return &Server{cfg: cfg, orch: orch, stopper: stopper, lister: lister}
}

// Handler builds the route tree. Log streaming stays outside the token
// check so dashboards can tail a bot without credentials.
func (s *Server) Handler(logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(&httplog.Logger{
		Logger:  logger,
		Options: httplog.Options{Concise: true, RequestHeaders: false},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1/bots", func(r chi.Router) {
		r.Get("/{id}/logs", s.handleLogs)
		r.Group(func(r chi.Router) {
			r.Use(s.auth)
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/stop", s.handleStop)
		})
	})
	return r
}

// auth compares X-Auth-Token against the configured token. An empty
// configured token disables the check entirely.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			got := r.Header.Get("X-Auth-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AuthToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	MeetingURL string            `json:"meeting_url"`
	BotName    string            `json:"bot_name,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validateMeetingURL(req.MeetingURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.orch.Submit(r.Context(), model.Submission{
		MeetingURL: req.MeetingURL,
		BotName:    req.BotName,
		Extra:      req.Extra,
	})
	if err != nil {
		// the job record exists even when the launcher would not start
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"id":     job.ID,
			"status": string(job.Status),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}

func validateMeetingURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("meeting_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("meeting_url must be an absolute http(s) url")
	}
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	jobs := s.lister.List()
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	via, err := s.stopper.Stop(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown bot")
	case errors.Is(err, stopcascade.ErrStopUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"stopped_via": via})
	}
}

// handleLogs follows the live stream until the client hangs up or the bot
// exits. Lines ingested before the request are not replayed.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rel, ok := s.orch.Relay(id)
	if !ok {
		if _, err := s.orch.Get(id); err != nil {
			writeError(w, http.StatusNotFound, "unknown bot")
			return
		}
		writeError(w, http.StatusConflict, "bot produced no stream")
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	sub := rel.Subscribe(256)
	defer rel.Unsubscribe(sub)

	writeLine := func(ln relay.Line) {
		_, _ = w.Write([]byte("[" + ln.Stream + "] " + ln.Text + "\n"))
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ln, open := <-sub.C:
			if !open {
				return
			}
			writeLine(ln)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	launcher, err := exec.LookPath(s.cfg.Launcher.Path)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "launcher not available: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"launcher":      launcher,
		"control_plane": s.cfg.ControlPlane,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
