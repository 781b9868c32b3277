package handler

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/zinspection/riskengine/internal/i18n"
	"github.com/zinspection/riskengine/internal/risk"
)

type bandView struct {
	risk.Band
	LocalizedLabel string `json:"localizedLabel"`
}

type classificationView struct {
	risk.Classification
	LocalizedLabel string   `json:"localizedLabel"`
	Value          *float64 `json:"value"`
}

func (h *Handler) handleTaxonomyVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":  h.taxonomies.Default().Version(),
		"active":   h.reports.TaxonomyVersion(),
		"versions": h.taxonomies.Versions(),
	})
}

func (h *Handler) handleTaxonomy(w http.ResponseWriter, r *http.Request) {
	t, err := h.taxonomies.Table(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	bands := t.Thresholds()
	out := make([]bandView, 0, len(bands))
	for _, b := range bands {
		out = append(out, bandView{Band: b, LocalizedLabel: levelLabel(r, b.Level, b.Label)})
	}
	unknown := t.Unknown()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": t.Version(),
		"bands":   out,
		"unknown": classificationView{Classification: unknown, LocalizedLabel: levelLabel(r, unknown.Level, unknown.Label)},
	})
}

// handleClassify classifies ?value=; a missing or empty value means no data.
func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	t, err := h.taxonomies.Table(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var v *risk.Normalized
	var raw *float64
	if s := r.URL.Query().Get("value"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("value %q: %w", s, risk.ErrInvalidInput))
			return
		}
		n := risk.Normalized(f)
		v, raw = &n, &f
	}
	c, err := t.ClassifyMaybe(v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if raw != nil && math.IsNaN(*raw) {
		raw = nil // not representable in JSON
	}
	writeJSON(w, http.StatusOK, classificationView{
		Classification: c,
		LocalizedLabel: levelLabel(r, c.Level, c.Label),
		Value:          raw,
	})
}

func levelLabel(r *http.Request, level, fallback string) string {
	id := "RiskLevel" + level
	if !appI18n.Has(r.Context(), id) {
		return fallback
	}
	return appI18n.T(r.Context(), id)
}
