package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/archive"
	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/queue"
	"github.com/ramiqadoumi/go-agent-flow/internal/taskstore"
	"github.com/ramiqadoumi/go-agent-flow/internal/version"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// MinDescriptionLength is the shortest description accepted after trimming.
const MinDescriptionLength = 10

// REST handles HTTP requests for the API Gateway.
type REST struct {
	store        taskstore.Store
	queue        queue.Queue
	archive      archive.Archiver
	capabilities []string
	logger       *slog.Logger
}

// NewREST creates a new REST handler. capabilities is reported by /health.
func NewREST(store taskstore.Store, q queue.Queue, arch archive.Archiver, capabilities []string, logger *slog.Logger) *REST {
	if arch == nil {
		arch = archive.Nop{}
	}
	return &REST{store: store, queue: q, archive: arch, capabilities: capabilities, logger: logger}
}

// Routes mounts the task endpoints on r.
func (h *REST) Routes(r chi.Router) {
	r.Post("/tasks", h.SubmitTask)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/tasks/{id}/cancel", h.CancelTask)
}

// SubmitTaskRequest is the JSON body for POST /tasks.
type SubmitTaskRequest struct {
	Description string   `json:"description"`
	Context     string   `json:"context"`
	Hints       []string `json:"hints,omitempty"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskResponse is the GET /tasks/{id} response body.
type TaskResponse struct {
	TaskID           string          `json:"task_id"`
	Status           string          `json:"status"`
	Description      string          `json:"description"`
	History          []domain.Step   `json:"history,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	ValidationIssues []string        `json:"validation_issues,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationMs       int64           `json:"duration_ms,omitempty"`
	Archived         bool            `json:"archived,omitempty"`
}

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	OK           bool     `json:"ok"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// SubmitTask handles POST /tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	if len(req.Description) < MinDescriptionLength {
		writeError(w, http.StatusBadRequest, "field 'description' must be at least 10 characters")
		return
	}
	for _, hint := range req.Hints {
		if strings.TrimSpace(hint) == "" {
			writeError(w, http.StatusBadRequest, "field 'hints' must not contain empty entries")
			return
		}
	}

	task, err := h.store.Create(ctx, taskstore.NewTask{
		Description: req.Description,
		Context:     req.Context,
		Hints:       req.Hints,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		h.logger.Error("failed to create task", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "failed to create task")
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	// task_id as message key keeps every event of a task on one partition.
	if err := queue.Publish(ctx, h.queue, domain.TopicTasksPending, task.ID, domain.StartMessage{TaskID: task.ID}); err != nil {
		// The task is persisted as PENDING; the sweeper re-publishes the start.
		span.RecordError(err)
		h.logger.Warn("failed to publish start event, leaving it to the sweeper",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	telemetry.APITasksSubmitted.Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.Any("hints", task.Hints),
	)

	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

// GetTask handles GET /tasks/{id}. ?history=false omits the step history.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	ctx := r.Context()

	archived := false
	task, err := h.store.Get(ctx, taskID)
	if err != nil {
		if !domain.IsNotFound(err) {
			h.logger.Error("store error", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "failed to retrieve task")
			return
		}

		// Slow path: the store expired the task; the archive may still have it.
		task, err = h.archive.Get(ctx, taskID)
		if err != nil {
			if domain.IsNotFound(err) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			h.logger.Error("archive error", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "failed to retrieve task")
			return
		}
		archived = true
		telemetry.APIArchiveFallbacks.Inc()
	}

	resp := TaskResponse{
		TaskID:           task.ID,
		Status:           string(task.Status),
		Description:      task.Description,
		Result:           task.Result,
		Error:            task.Error,
		Confidence:       task.Confidence,
		ValidationIssues: task.ValidationIssues,
		CreatedAt:        task.CreatedAt,
		CompletedAt:      task.CompletedAt,
		Archived:         archived,
	}
	if r.URL.Query().Get("history") != "false" {
		resp.History = task.History
	}
	if task.CompletedAt != nil {
		resp.DurationMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelTask handles POST /tasks/{id}/cancel.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.cancel_task")
	defer span.End()

	taskID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("task.id", taskID))

	if err := h.store.Cancel(ctx, taskID); err != nil {
		switch {
		case domain.IsNotFound(err):
			writeError(w, http.StatusNotFound, "task not found")
		case domain.IsTerminal(err):
			writeError(w, http.StatusConflict, err.Error())
		default:
			span.RecordError(err)
			h.logger.Error("failed to cancel task", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "failed to cancel task")
		}
		return
	}

	telemetry.APITasksCancelled.Inc()
	h.logger.Info("task cancelled", slog.String("task_id", taskID))
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(domain.StatusCancelled)})
}

// Health handles GET /health.
func (h *REST) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:           true,
		Version:      version.String(),
		Capabilities: h.capabilities,
	})
}

// Readyz handles GET /readyz and checks store connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
