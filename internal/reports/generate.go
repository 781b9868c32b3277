package reports

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/artifact"
	"github.com/zinspection/riskengine/internal/i18n"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/render"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/scoring"
)

// Generate produces a new report version for a project: it recomputes the combined
// scores, classifies them with the active taxonomy, renders PDF and Word, stores both
// and completes the version. Any failure after the version exists marks it failed.
func (m *Manager) Generate(ctx context.Context, projectID string) (model.Report, error) {
	if m.renderer == nil || m.scorer == nil {
		return model.Report{}, fmt.Errorf("report generation is not configured: %w", apperr.ErrUnavailable)
	}
	table, err := m.taxonomies.Table(m.taxonomy)
	if err != nil {
		return model.Report{}, err
	}

	meta := &generationMeta{Lang: i18n.Lang(ctx)}
	if m.guard != nil {
		meta.Shortfalls, err = m.guard.Readiness(ctx, projectID)
		if err != nil {
			return model.Report{}, fmt.Errorf("check readiness: %w", err)
		}
		for _, s := range meta.Shortfalls {
			slog.Warn("generating report with unmet role minimum",
				"project_id", projectID, "role", s.Role, "current_count", s.CurrentCount, "min_required", s.MinRequired)
		}
	}

	rep, err := m.createVersion(ctx, projectID, meta)
	if err != nil {
		return rep, err
	}

	var written []string
	done, err := m.build(ctx, rep, table, meta, &written)
	if err != nil {
		// Record the failure even if the request context is gone.
		bg := context.WithoutCancel(ctx)
		for _, key := range written {
			if derr := m.files.Delete(bg, key); derr != nil {
				slog.Warn("cleanup of partial artifact failed", "report_id", rep.ID, "path", key, "error", derr)
			}
		}
		if _, ferr := m.FailVersion(bg, rep.ID, err.Error()); ferr != nil {
			slog.Error("could not mark report failed; it stays generating",
				"project_id", projectID, "report_id", rep.ID, "error", ferr)
		}
		return rep, err
	}
	return done, nil
}

func (m *Manager) build(ctx context.Context, rep model.Report, table *risk.Table, meta *generationMeta, written *[]string) (model.Report, error) {
	combined, err := m.scorer.Recompute(ctx, scoring.Key{ProjectID: rep.ProjectID})
	if err != nil {
		return rep, fmt.Errorf("recompute combined score: %w", err)
	}

	keys, err := m.store.ListQuestionnaireKeys(ctx, rep.ProjectID, true)
	if err != nil {
		return rep, fmt.Errorf("list questionnaires: %w", err)
	}
	byQuestionnaire := make(map[string]*risk.ScoreRecord, len(keys))
	for _, k := range keys {
		rec, err := m.scorer.Recompute(ctx, scoring.Key{ProjectID: rep.ProjectID, QuestionnaireKey: k})
		if err != nil {
			return rep, fmt.Errorf("recompute %s score: %w", k, err)
		}
		byQuestionnaire[k] = rec
	}

	cls, err := combined.Label(table)
	if err != nil {
		return rep, fmt.Errorf("classify combined score: %w", err)
	}
	principles := make(map[string]risk.Classification, len(combined.ByPrinciple))
	for p, st := range combined.ByPrinciple {
		c, err := table.ClassifyMaybe(st.Avg)
		if err != nil {
			return rep, fmt.Errorf("classify principle %s: %w", p, err)
		}
		principles[p] = c
	}

	meta.Classification = &cls
	meta.TotalAverage = combined.Totals.Avg
	meta.Answers = combined.Totals.N
	meta.DataWarnings = len(combined.Warnings)
	meta.PrincipleLabels = principles
	meta.Questionnaires = keys

	doc := &render.Document{
		ProjectID:       rep.ProjectID,
		Version:         rep.Version,
		TaxonomyVersion: table.Version(),
		Lang:            meta.Lang,
		Classification:  cls,
		Thresholds:      table.Thresholds(),
		Combined:        combined,
		ByQuestionnaire: byQuestionnaire,
		PrincipleLabels: principles,
		Shortfalls:      meta.Shortfalls,
		GeneratedAt:     time.Now().UTC(),
	}
	files, err := render.RenderAll(ctx, m.renderer, doc, model.FormatPDF, model.FormatWord)
	if err != nil {
		return rep, err
	}

	var a model.Artifacts
	for _, f := range []model.ArtifactFormat{model.FormatPDF, model.FormatWord} {
		key := artifact.NewKey(rep.ProjectID, rep.Version, f)
		n, err := m.files.Put(ctx, key, artifact.ContentType(f), bytes.NewReader(files[f]))
		if err != nil {
			return rep, fmt.Errorf("store %s artifact: %w", f, err)
		}
		*written = append(*written, key)
		switch f {
		case model.FormatPDF:
			a.PDFPath, a.PDFSize = key, n
		case model.FormatWord:
			a.WordPath, a.WordSize = key, n
		}
	}

	return m.completeVersion(ctx, rep.ID, a, meta)
}
