package handler

import (
	"log/slog"
	"net/http"

	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/store"
)

type labeledStats struct {
	risk.Stats
	Level string `json:"level"`
	Label string `json:"label"`
}

type scoreView struct {
	*risk.ScoreRecord
	TaxonomyVersion string                  `json:"taxonomyVersion"`
	TotalsLabel     labeledStats            `json:"totalsLabeled"`
	PrincipleLabels map[string]labeledStats `json:"principlesLabeled"`
}

// scoreView decorates rec with labels from the active taxonomy. Averages are
// always in [0,4], so a classification failure is logged and left unlabeled.
func (h *Handler) scoreView(r *http.Request, rec *risk.ScoreRecord) scoreView {
	t, err := h.taxonomies.Table(h.reports.TaxonomyVersion())
	if err != nil {
		t = h.taxonomies.Default()
	}
	label := func(st risk.Stats) labeledStats {
		c, err := t.ClassifyMaybe(st.Avg)
		if err != nil {
			slog.Error("score average outside the risk scale", "project_id", rec.ProjectID, "error", err)
			return labeledStats{Stats: st}
		}
		return labeledStats{Stats: st, Level: c.Level, Label: levelLabel(r, c.Level, c.Label)}
	}
	v := scoreView{
		ScoreRecord:     rec,
		TaxonomyVersion: t.Version(),
		TotalsLabel:     label(rec.Totals),
		PrincipleLabels: make(map[string]labeledStats, len(rec.ByPrinciple)),
	}
	for p, st := range rec.ByPrinciple {
		v.PrincipleLabels[p] = label(st)
	}
	return v
}

func storeFilter(projectID, userID, questionnaire string) store.AnswerFilter {
	return store.AnswerFilter{ProjectID: projectID, UserID: userID, QuestionnaireKey: questionnaire}
}
