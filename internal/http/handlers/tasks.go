package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/wa-lead-router/internal/tasks"
)

// TaskRunner executes named maintenance tasks.
type TaskRunner interface {
	Run(ctx context.Context, name string) (tasks.Outcome, error)
	Names() []string
}

// TasksHandler lets an external scheduler trigger ticks over HTTP.
type TasksHandler struct {
	runner TaskRunner
}

func NewTasksHandler(runner TaskRunner) *TasksHandler {
	return &TasksHandler{runner: runner}
}

// List handles GET /tasks.
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": h.runner.Names()})
}

// Run handles POST /tasks/{name}. Fatal task errors answer 500 so the
// scheduler records the failure; the partial result is still returned.
func (h *TasksHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	out, err := h.runner.Run(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, tasks.ErrUnknownTask):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"outcome": out, "error": err.Error()})
	}
}
