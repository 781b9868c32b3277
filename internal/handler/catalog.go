package handler

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/model"
)

// handleImportCatalog accepts a JSON question file as the raw body (named by ?name=)
// or as the questions_file field of a multipart form.
func (h *Handler) handleImportCatalog(w http.ResponseWriter, r *http.Request) {
	var (
		name string
		data []byte
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxBodySize); err != nil {
			writeError(w, r, apperr.New(http.StatusBadRequest, apperr.CodeInvalidInput, err))
			return
		}
		file, header, err := r.FormFile("questions_file")
		if err != nil {
			writeError(w, r, apperr.New(http.StatusBadRequest, apperr.CodeInvalidInput, err))
			return
		}
		defer file.Close()
		name = header.Filename
		data, err = io.ReadAll(io.LimitReader(file, maxBodySize))
		if err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		name = r.URL.Query().Get("name")
		data, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, r, err)
			return
		}
	}
	if name == "" {
		name = "upload.json"
	}

	res, err := h.catalog.Import(r.Context(), "upload:"+path.Base(name), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.store.ListQuestions(r.Context(), chi.URLParam(r, "questionnaire"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if qs == nil {
		qs = []model.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}
