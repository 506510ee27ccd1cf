// Package gateway serves the ledger over HTTP: a small REST surface for
// tasks, approvals, and on-demand reconciliation, and a websocket stream
// that replays buffered events before going live.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/swarmled/internal/approval"
	"github.com/basket/swarmled/internal/bus"
	"github.com/basket/swarmled/internal/ledger"
	"github.com/basket/swarmled/internal/reconciler"
	otelx "github.com/basket/swarmled/internal/otel"
)

const maxEventPageSize = 1000

type Config struct {
	Store      *ledger.Store
	Gate       *approval.Gate
	Bus        *bus.Broadcaster
	Reconciler *reconciler.Reconciler
	Logger     *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in status
	// output.
	ConfigFingerprint string

	// Metrics is optional request instrumentation.
	Metrics *otelx.Metrics
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/v1/approvals", s.handleApprovals)
	mux.HandleFunc("/api/v1/approvals/resolve", s.handleApprovalResolve)
	mux.HandleFunc("/api/v1/reconcile", s.handleReconcile)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	return s.instrument(mux)
}

// instrument wraps the mux with request duration recording.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRequest(r.Context(), r.URL.Path, time.Since(start))
		}
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.CountTerminalTasks(ctx); err != nil {
		dbOK = false
	}
	oldest, latest := s.cfg.Bus.Bounds()
	payload := map[string]any{
		"healthy":          dbOK,
		"db_ok":            dbOK,
		"config_hash":      s.cfg.ConfigFingerprint,
		"subscriber_count": s.cfg.Bus.SubscriberCount(),
		"oldest_seq":       oldest,
		"latest_seq":       latest,
		"time_unix":        time.Now().Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		tasks, err := s.cfg.Store.ListTasks(r.Context(), status, limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	case http.MethodPost:
		var p struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || strings.TrimSpace(p.Title) == "" {
			http.Error(w, "title is required", http.StatusBadRequest)
			return
		}
		task, err := s.cfg.Store.CreateTask(r.Context(), strings.TrimSpace(p.Title))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("task created", "task_id", task.ID)
		writeJSON(w, http.StatusCreated, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		runs, err := s.cfg.Store.ListRunsForTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task, "runs": runs})
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.cfg.Store.CancelTask(r.Context(), taskID); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.Info("task cancelled", "task_id", taskID)
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "cancelled": true})
	case action == "runs" && r.Method == http.MethodGet:
		runs, err := s.cfg.Store.ListRunsForTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		var (
			items []ledger.ApprovalWithTitle
			err   error
		)
		if status == "" {
			items, err = s.cfg.Gate.ListPending(r.Context())
		} else {
			items, err = s.cfg.Gate.ListByStatus(r.Context(), status)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		if items == nil {
			items = []ledger.ApprovalWithTitle{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvals": items})
	case http.MethodPost:
		var p struct {
			TaskID string `json:"task_id"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.TaskID == "" {
			http.Error(w, "task_id is required", http.StatusBadRequest)
			return
		}
		a, err := s.cfg.Gate.Request(r.Context(), p.TaskID, p.Reason)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var p struct {
		ApprovalID string `json:"approval_id"`
		Decision   string `json:"decision"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ApprovalID == "" || p.Decision == "" {
		http.Error(w, "approval_id and decision are required", http.StatusBadRequest)
		return
	}
	a, err := s.cfg.Gate.Resolve(r.Context(), p.ApprovalID, p.Decision, p.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	report, err := s.cfg.Reconciler.Sweep(r.Context(), time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("on-demand sweep",
		"runs_repaired", report.RunsRepaired,
		"duplicates_superseded", report.DuplicatesSuperseded,
		"failures", len(report.Failures),
	)
	writeJSON(w, http.StatusOK, report)
}

// handleEvents serves the durable change log. It is the reload path a
// websocket consumer falls back to after a stream gap: the in-memory ring
// forgets, the ledger does not.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "after must be a non-negative integer", http.StatusBadRequest)
			return
		}
		after = n
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxEventPageSize {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListEventsFrom(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []ledger.ChangeEvent{}
	}
	_, maxID, err := s.cfg.Store.EventBounds(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":          events,
		"latest_event_id": maxID,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
