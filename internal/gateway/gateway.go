// Package gateway serves the HTTP API and the live WebSocket feed that
// dashboards consume.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/nexusd/internal/bus"
	"github.com/basket/nexusd/internal/monitor"
	"github.com/basket/nexusd/internal/otel"
	"github.com/basket/nexusd/internal/persistence"
)

const Version = "v0.3"

// snapshotLimit caps the task list sent in the initial WS envelope.
const snapshotLimit = 50

type Config struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Reconciler *monitor.Reconciler // may be nil; check endpoints 404 without it
	Logger     *slog.Logger
	Tracer     trace.Tracer  // may be nil
	Metrics    *otel.Metrics // may be nil

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	hub    *hub
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		hub:    newHub(cfg.Bus, logger, cfg.Metrics),
	}
}

// Start launches the hub's bus-forwarding loop. The returned stop must be
// called on shutdown.
func (s *Server) Start() (stop func()) {
	return s.hub.start()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskSubtree)
	if s.cfg.Metrics == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mux.ServeHTTP(w, r)
		// WS connections are long-lived; their duration is not a request
		// latency signal.
		if r.URL.Path != "/ws" {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		}
	})
}

// --- JSON helpers ---

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}

func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound),
		errors.Is(err, persistence.ErrSubtaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	count, err := s.cfg.Store.CountTasks(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"version":   Version,
		"tasks":     count,
		"websocket": s.hub.clientCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := persistence.TaskFilter{
		Status: persistence.TaskStatus(r.URL.Query().Get("status")),
		Source: r.URL.Query().Get("source"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	UserMessage       string `json:"user_message"`
	Source            string `json:"source"`
	ExternalMessageID string `json:"external_message_id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		respondError(w, http.StatusBadRequest, "user_message is required")
		return
	}
	task, err := s.cfg.Store.CreateTask(r.Context(), req.UserMessage, req.Source, req.ExternalMessageID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

// handleTaskSubtree routes /api/tasks/{id}[/...] requests.
func (s *Server) handleTaskSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if rest == "" {
		respondError(w, http.StatusBadRequest, "task id required")
		return
	}

	// POST /api/tasks/check runs a full reconciliation pass.
	if rest == "check" {
		s.checkAll(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getTask(w, r, taskID)
		case http.MethodDelete:
			s.deleteTask(w, r, taskID)
		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "progress":
		s.updateProgress(w, r, taskID)
	case "subtasks":
		s.handleSubtasks(w, r, taskID)
	case "artifacts":
		s.handleArtifacts(w, r, taskID)
	case "timeline":
		s.listTimeline(w, r, taskID)
	case "check":
		s.checkOne(w, r, taskID)
	default:
		respondError(w, http.StatusNotFound, "not found")
	}
}

// taskDetail is a task with its children inlined, as the dashboard needs it.
type taskDetail struct {
	persistence.Task
	Subtasks  []persistence.Subtask       `json:"subtasks"`
	Artifacts []persistence.Artifact      `json:"artifacts"`
	Timeline  []persistence.TimelineEvent `json:"timeline"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := r.Context()
	task, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		respondError(w, storeErrorStatus(err), err.Error())
		return
	}
	detail := taskDetail{Task: task}
	if detail.Subtasks, err = s.cfg.Store.ListSubtasks(ctx, taskID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load subtasks")
		return
	}
	if detail.Artifacts, err = s.cfg.Store.ListArtifacts(ctx, taskID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load artifacts")
		return
	}
	if detail.Timeline, err = s.cfg.Store.ListTimelineEvents(ctx, taskID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load timeline")
		return
	}
	if detail.Subtasks == nil {
		detail.Subtasks = []persistence.Subtask{}
	}
	if detail.Artifacts == nil {
		detail.Artifacts = []persistence.Artifact{}
	}
	if detail.Timeline == nil {
		detail.Timeline = []persistence.TimelineEvent{}
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.cfg.Store.DeleteTask(r.Context(), taskID); err != nil {
		respondError(w, storeErrorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": taskID})
}

type progressRequest struct {
	Progress       *int    `json:"progress"`
	Status         *string `json:"status"`
	Agent          string  `json:"agent"`
	Message        string  `json:"message"`
	Details        any     `json:"details"`
	AgentExecution *struct {
		AgentID   string `json:"agentId"`
		AgentName string `json:"agentName"`
		Task      string `json:"task"`
	} `json:"agentExecution"`
}

func (s *Server) updateProgress(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPatch {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	update := persistence.ProgressUpdate{Progress: req.Progress}
	if req.Status != nil {
		status := persistence.TaskStatus(*req.Status)
		update.Status = &status
	}
	task, err := s.cfg.Store.UpdateTaskProgress(ctx, taskID, update)
	if err != nil {
		respondError(w, storeErrorStatus(err), err.Error())
		return
	}

	// An inline agent execution registers a new subtask on the task.
	if req.AgentExecution != nil && req.AgentExecution.AgentID != "" {
		if _, err := s.cfg.Store.AddSubtask(ctx, taskID, req.AgentExecution.AgentID, req.AgentExecution.AgentName, "", req.AgentExecution.Task); err != nil {
			s.logger.Warn("progress update: add subtask failed", "task_id", taskID, "error", err)
		}
	}
	if req.Message != "" {
		if _, err := s.cfg.Store.AppendTimelineEvent(ctx, taskID, persistence.EventProgressUpdate, req.Agent, req.Message, req.Details); err != nil {
			s.logger.Warn("progress update: timeline event failed", "task_id", taskID, "error", err)
		}
	}

	respondJSON(w, http.StatusOK, task)
}

type addSubtaskRequest struct {
	AgentID     string `json:"agent_id"`
	AgentName   string `json:"agent_name"`
	Stage       string `json:"stage"`
	Description string `json:"description"`
}

func (s *Server) handleSubtasks(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		subtasks, err := s.cfg.Store.ListSubtasks(r.Context(), taskID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list subtasks")
			return
		}
		if subtasks == nil {
			subtasks = []persistence.Subtask{}
		}
		respondJSON(w, http.StatusOK, subtasks)
	case http.MethodPost:
		var req addSubtaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.AgentID == "" {
			respondError(w, http.StatusBadRequest, "agent_id is required")
			return
		}
		subtask, err := s.cfg.Store.AddSubtask(r.Context(), taskID, req.AgentID, req.AgentName, req.Stage, req.Description)
		if err != nil {
			respondError(w, storeErrorStatus(err), err.Error())
			return
		}
		respondJSON(w, http.StatusCreated, subtask)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type addArtifactRequest struct {
	SubtaskID   *int64 `json:"subtask_id"`
	FilePath    string `json:"file_path"`
	FileType    string `json:"file_type"`
	FileSize    int64  `json:"file_size"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		artifacts, err := s.cfg.Store.ListArtifacts(r.Context(), taskID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list artifacts")
			return
		}
		if artifacts == nil {
			artifacts = []persistence.Artifact{}
		}
		respondJSON(w, http.StatusOK, artifacts)
	case http.MethodPost:
		var req addArtifactRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		artifact, err := s.cfg.Store.AddArtifact(r.Context(), persistence.ArtifactInput{
			TaskID:      taskID,
			SubtaskID:   req.SubtaskID,
			FilePath:    req.FilePath,
			FileType:    req.FileType,
			FileSize:    req.FileSize,
			Description: req.Description,
			CreatedBy:   req.CreatedBy,
		})
		if err != nil {
			status := storeErrorStatus(err)
			if status == http.StatusInternalServerError {
				status = http.StatusBadRequest
			}
			respondError(w, status, err.Error())
			return
		}
		respondJSON(w, http.StatusCreated, artifact)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listTimeline(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	events, err := s.cfg.Store.ListTimelineEvents(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list timeline")
		return
	}
	if events == nil {
		events = []persistence.TimelineEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) checkAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Reconciler == nil {
		respondError(w, http.StatusNotFound, "reconciler unavailable")
		return
	}
	summary, err := s.cfg.Reconciler.CheckAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("check failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) checkOne(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Reconciler == nil {
		respondError(w, http.StatusNotFound, "reconciler unavailable")
		return
	}
	result, err := s.cfg.Reconciler.CheckTask(r.Context(), taskID)
	if err != nil {
		respondError(w, storeErrorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}
