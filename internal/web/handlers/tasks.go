package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-linker/internal/database"
	"go.uber.org/zap"
)

// TasksHandler exposes the background task audit trail.
type TasksHandler struct {
	tasks  database.TaskStore
	logger *zap.Logger
}

// NewTasksHandler creates a new tasks handler.
func NewTasksHandler(tasks database.TaskStore, logger *zap.Logger) *TasksHandler {
	return &TasksHandler{tasks: tasks, logger: logger}
}

type listTasksQuery struct {
	Status string `validate:"omitempty,oneof=pending processing completed failed"`
}

// List returns tasks newest first, optionally filtered by ?status=.
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	q := listTasksQuery{Status: r.URL.Query().Get("status")}
	if err := validate.Struct(q); err != nil {
		respondValidationError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondValidationError(w, err)
		return
	}

	tasks, err := h.tasks.ListTasks(r.Context(), database.TaskStatus(q.Status), limit)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []database.BackgroundTask{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

// Get returns one task.
func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get task", zap.String("task_id", sanitizeForLog(id)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if task == nil {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	respondJSON(w, http.StatusOK, task)
}
