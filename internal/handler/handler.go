package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/assign"
	"github.com/zinspection/riskengine/internal/catalog"
	appI18n "github.com/zinspection/riskengine/internal/i18n"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/reports"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/scoring"
	"github.com/zinspection/riskengine/internal/store"
)

// APIPrefix is where the JSON API is mounted.
const APIPrefix = "/api/v1"

// maxBodySize caps JSON request bodies.
const maxBodySize = 10 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	scorer     *scoring.Service
	guard      *assign.Guard
	reports    *reports.Manager
	catalog    *catalog.Importer
	taxonomies *risk.Registry
	validate   *validator.Validate
	config     model.Config

	verified sync.Map // sha256 of accepted bearer tokens
}

// New creates a new Handler.
func New(s *store.Store, scorer *scoring.Service, guard *assign.Guard, rm *reports.Manager,
	taxonomies *risk.Registry, cfg model.Config) (*Handler, error) {
	if cfg.APITokenHash == "" {
		slog.Warn("no API token hash configured; the API is open")
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	return &Handler{
		store:      s,
		scorer:     scorer,
		guard:      guard,
		reports:    rm,
		catalog:    catalog.NewImporter(s, v),
		taxonomies: taxonomies,
		validate:   v,
		config:     cfg,
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(appI18n.Middleware())

		r.Get("/taxonomy", h.handleTaxonomyVersions)
		r.Get("/taxonomy/{version}", h.handleTaxonomy)
		r.Get("/taxonomy/{version}/classify", h.handleClassify)

		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)

			r.Post("/catalog", h.handleImportCatalog)
			r.Get("/catalog/{questionnaire}", h.handleListQuestions)

			r.Put("/projects/{projectID}/responses/{userID}/{questionnaire}", h.handleSaveAnswers)
			r.Get("/projects/{projectID}/responses/{userID}/{questionnaire}", h.handleGetResponse)
			r.Post("/projects/{projectID}/responses/{userID}/{questionnaire}/submit", h.handleSubmitResponse)

			r.Post("/projects/{projectID}/scores/recompute", h.handleRecompute)
			r.Get("/projects/{projectID}/scores", h.handleGetScores)

			r.Post("/assignments", h.handleAssign)
			r.Delete("/assignments", h.handleUnassign)
			r.Get("/projects/{projectID}/assignments", h.handleListAssignments)

			r.Post("/projects/{projectID}/reports", h.handleGenerateReport)
			r.Get("/projects/{projectID}/reports", h.handleListReports)
			r.Get("/projects/{projectID}/reports/latest", h.handleLatestReport)
			r.Get("/reports/{reportID}", h.handleGetReport)
			r.Get("/reports/{reportID}/validate", h.handleValidateReport)
			r.Get("/reports/{reportID}/file/{format}", h.handleDownload)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.QuestionCount(r.Context()); err != nil {
		writeError(w, r, fmt.Errorf("database: %v: %w", err, apperr.ErrUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Code    apperr.Code    `json:"code"`
	Message string         `json:"message"`
	Detail  string         `json:"detail,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps err to a status and code and writes a localized JSON error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	body := errorBody{
		Code:    ae.Code,
		Message: appI18n.Td(r.Context(), "Error"+string(ae.Code), ae.Details),
		Details: ae.Details,
	}
	if ae.Status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", ae.Code, "error", err)
	} else {
		body.Detail = err.Error()
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", ae.Code, "error", err)
	}
	writeJSON(w, ae.Status, map[string]errorBody{"error": body})
}

// decodeJSON reads and validates a JSON request body into dst.
func (h *Handler) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.New(http.StatusBadRequest, apperr.CodeInvalidInput, fmt.Errorf("decode body: %w", err))
	}
	return h.check(dst)
}

func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return &apperr.Error{
		Status:  http.StatusBadRequest,
		Code:    apperr.CodeInvalidInput,
		Err:     fmt.Errorf("validation failed: %w", risk.ErrInvalidInput),
		Details: map[string]any{"fields": fields},
	}
}

func pathInt64(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, chi.URLParam(r, name), risk.ErrInvalidInput)
	}
	return v, nil
}
