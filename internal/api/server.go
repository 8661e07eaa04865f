// Package api implements C6's loopback HTTP control surface: a thin
// chi-routed adapter exercising internal/service.Service across a
// process boundary, generalized from the teacher's MCP-oriented
// single-engine ControlServer to the full task model.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"project-tachyon/internal/config"
	"project-tachyon/internal/security"
	"project-tachyon/internal/service"
	"project-tachyon/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ControlServer struct {
	svc        *service.Service
	cfg        *config.Manager
	audit      *security.AuditLogger
	logger     *slog.Logger
	router     *chi.Mux
	activeReqs int64
}

func NewControlServer(svc *service.Service, cfg *config.Manager, audit *security.AuditLogger, logger *slog.Logger) *ControlServer {
	s := &ControlServer{
		svc:    svc,
		cfg:    cfg,
		audit:  audit,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *ControlServer) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.SchedulerConfig().WorkerPoolSize)
		if max <= 0 {
			max = 1
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.audit.Log("127.0.0.1", r.UserAgent(), "overloaded "+r.URL.Path, 429, "max concurrent reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start binds the loopback listener if the control surface is enabled
// in configuration (spec §1's "loopback-only HTTP control surface").
func (s *ControlServer) Start() {
	if !s.cfg.GetEnableControlSurface() {
		return
	}

	port := s.cfg.GetControlPort()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	s.logger.Info("control server listening", "addr", addr)

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("control server failed to bind", "err", err)
			return
		}

		if err := http.Serve(conn, s.router); err != nil {
			s.logger.Error("control server failed", "err", err)
		}
	}()
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/tasks", s.handleCreateTask)
	s.router.Get("/v1/tasks/{id}", s.handleGetTask)
	s.router.Post("/v1/tasks/{id}/control", s.handleTaskControl)
	s.router.Get("/v1/tasks", s.handleSearchTasks)
	s.router.Get("/v1/status", s.handleGetStatus)
	s.router.Get("/v1/analytics", s.handleGetAnalytics)
	s.router.Get("/v1/diagnose", s.handleDiagnose)
	s.router.Get("/v1/preload", s.handlePreload)
}

func (s *ControlServer) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if !s.cfg.GetEnableControlSurface() {
			s.audit.Log(sourceIP, userAgent, action, 503, "feature disabled")
			http.Error(w, "Control Surface Disabled", http.StatusServiceUnavailable)
			return
		}

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, 403, "external access denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Transferd-Token")
		expectedToken := s.cfg.GetControlToken()

		if token != expectedToken {
			s.audit.Log(sourceIP, userAgent, action, 401, "invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, 200, "authorized")
		next.ServeHTTP(w, r)
	})
}

// CreateTaskRequest mirrors service.TaskConfig's create()-relevant
// fields for the wire representation.
type CreateTaskRequest struct {
	UID               string              `json:"uid"`
	Action            string              `json:"action"`
	URL               string              `json:"url"`
	FilePath          string              `json:"file_path"`
	Method            string              `json:"method"`
	NetworkPreference string              `json:"network_preference"`
	AllowMetered      bool                `json:"allow_metered"`
	AllowRoaming      bool                `json:"allow_roaming"`
	Priority          int                 `json:"priority"`
	Title             string              `json:"title"`
	Token             string              `json:"token"`
	Headers           map[string]string   `json:"headers"`
}

type CreateTaskResponse struct {
	TaskID uint32 `json:"task_id"`
}

type ControlRequest struct {
	Action string `json:"action"` // "pause", "resume", "remove"
}

func (s *ControlServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var headers []storage.HeaderPair
	for k, v := range req.Headers {
		headers = append(headers, storage.HeaderPair{Key: k, Value: v})
	}

	cfg := service.TaskConfig{
		UID: req.UID, Action: req.Action, Mode: "background",
		URL: req.URL, Method: req.Method, FilePath: req.FilePath,
		NetworkPreference: req.NetworkPreference, AllowMetered: req.AllowMetered,
		AllowRoaming: req.AllowRoaming, RetryAllowed: true, FollowRedirects: true,
		Priority: req.Priority, Title: req.Title, Token: req.Token,
		Headers: headers,
	}

	id, err := s.svc.Create(cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	json.NewEncoder(w).Encode(CreateTaskResponse{TaskID: id})
}

func (s *ControlServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.svc.Query(id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(task)
}

func (s *ControlServer) handleTaskControl(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	uid := r.URL.Query().Get("uid")

	switch req.Action {
	case "pause":
		err = s.svc.PauseTask(id, uid)
	case "resume":
		err = s.svc.ResumeTask(id, uid)
	case "remove":
		err = s.svc.RemoveTask(id, uid)
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	filter := storage.Filter{
		UID:    r.URL.Query().Get("uid"),
		Status: r.URL.Query().Get("status"),
		Action: r.URL.Query().Get("action"),
	}
	ids := s.svc.Search(filter)
	json.NewEncoder(w).Encode(ids)
}

func (s *ControlServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"status": "running"}`))
}

func (s *ControlServer) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.svc.Analytics())
}

func (s *ControlServer) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.svc.Diagnose())
}

func (s *ControlServer) handlePreload(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}
	body, err := s.svc.Preload(r.Context(), url, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Write(body)
}

func parseTaskID(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
