package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zinspection/riskengine/internal/model"
)

type assignmentRequest struct {
	ProjectID string     `json:"projectId" validate:"required"`
	UserID    string     `json:"userId" validate:"required"`
	Role      model.Role `json:"role" validate:"required"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := h.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.guard.Assign(r.Context(), model.RoleAssignment{
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Role:      req.Role,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleUnassign(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := h.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.guard.Unassign(r.Context(), req.ProjectID, req.UserID, req.Role); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	list, err := h.store.ListAssignments(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	short, err := h.guard.Readiness(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.RoleAssignment{}
	}
	if short == nil {
		short = []model.Shortfall{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projectId":   projectID,
		"assignments": list,
		"shortfalls":  short,
		"ready":       len(short) == 0,
	})
}
