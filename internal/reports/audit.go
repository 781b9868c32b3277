package reports

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zinspection/riskengine/internal/metrics"
	"github.com/zinspection/riskengine/internal/model"
)

// Violation kinds reported by Audit.
const (
	ViolationMultipleLatest   = "multiple_latest"
	ViolationNoLatest         = "no_latest"
	ViolationLatestNotReady   = "latest_not_ready"
	ViolationLatestNotHighest = "latest_not_highest"
	ViolationVersionGap       = "version_gap"
)

// Violation is a structural problem in one project's report history.
type Violation struct {
	ProjectID string `json:"projectId"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}

// Audit scans every project's report history for structural violations. Nothing is
// repaired; each violation is logged at ERROR and returned.
func (m *Manager) Audit(ctx context.Context) ([]Violation, error) {
	projects, err := m.store.ListReportProjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, p := range projects {
		reps, err := m.store.ListReports(ctx, p)
		if err != nil {
			return out, fmt.Errorf("list reports of %s: %w", p, err)
		}
		for _, v := range auditProject(p, reps) {
			metrics.InvariantViolations.WithLabelValues(v.Kind).Inc()
			slog.Error("report invariant violated", "project_id", v.ProjectID, "kind", v.Kind, "detail", v.Detail)
			out = append(out, v)
		}
	}
	return out, nil
}

func auditProject(projectID string, reps []model.Report) []Violation {
	var out []Violation
	add := func(kind, format string, args ...any) {
		out = append(out, Violation{ProjectID: projectID, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	var latest []model.Report
	highestReady := 0
	versions := make([]int, 0, len(reps))
	for _, r := range reps {
		versions = append(versions, r.Version)
		if r.Latest {
			latest = append(latest, r)
		}
		if r.Status == model.ReportReady && r.Version > highestReady {
			highestReady = r.Version
		}
	}

	switch {
	case len(latest) > 1:
		add(ViolationMultipleLatest, "%d reports flagged latest", len(latest))
	case len(latest) == 0 && highestReady > 0:
		add(ViolationNoLatest, "no latest report although version %d is ready", highestReady)
	case len(latest) == 1:
		l := latest[0]
		if l.Status != model.ReportReady {
			add(ViolationLatestNotReady, "latest version %d is %s", l.Version, l.Status)
		} else if l.Version < highestReady {
			add(ViolationLatestNotHighest, "latest is version %d but version %d is ready", l.Version, highestReady)
		}
	}

	sort.Ints(versions)
	for i, v := range versions {
		if v != i+1 {
			add(ViolationVersionGap, "expected version %d, found %d", i+1, v)
			break
		}
	}
	return out
}
