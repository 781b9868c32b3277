package handler

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zinspection/riskengine/internal/model"
)

func (h *Handler) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.reports.Generate(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		if rep.ID != 0 {
			w.Header().Set("X-Report-ID", strconv.FormatInt(rep.ID, 10))
		}
		writeError(w, r, err)
		return
	}
	view, err := h.reports.GetByID(r.Context(), rep.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/reports/%d", APIPrefix, rep.ID))
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	versions, err := h.reports.ListVersions(r.Context(), projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "versions": versions})
}

func (h *Handler) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	view, err := h.reports.GetLatest(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "reportID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.reports.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleValidateReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "reportID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.reports.ValidateConsistency(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "reportID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	dl, err := h.reports.DownloadArtifact(r.Context(), id, model.ArtifactFormat(chi.URLParam(r, "format")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer dl.Body.Close()

	disposition := "attachment"
	if inline, _ := strconv.ParseBool(r.URL.Query().Get("inline")); inline {
		disposition = "inline"
	}
	hdr := w.Header()
	hdr.Set("Content-Type", dl.ContentType)
	hdr.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": dl.Filename}))
	hdr.Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	hdr.Set("X-Report-Version", strconv.Itoa(dl.Report.Version))
	hdr.Set("X-Report-Latest", strconv.FormatBool(dl.Report.Latest))
	if dl.Warning != "" {
		hdr.Set("X-Report-Warning", mime.QEncoding.Encode("utf-8", dl.Warning))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		slog.Warn("artifact stream interrupted", "report_id", id, "format", dl.Format, "error", err)
	}
}
