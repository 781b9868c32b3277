// Package reports manages versioned report artifacts per project: creation,
// completion with latest-flag promotion, retrieval and consistency checks.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/artifact"
	"github.com/zinspection/riskengine/internal/assign"
	"github.com/zinspection/riskengine/internal/i18n"
	"github.com/zinspection/riskengine/internal/keylock"
	"github.com/zinspection/riskengine/internal/metrics"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/render"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/scoring"
	"github.com/zinspection/riskengine/internal/store"
)

// Config wires a Manager to its collaborators. Renderer may be nil, in which case
// Generate fails with apperr.ErrUnavailable.
type Config struct {
	Store           *store.Store
	Files           artifact.Storage
	Renderer        render.Renderer
	Scorer          *scoring.Service
	Guard           *assign.Guard
	Taxonomies      *risk.Registry
	Locks           *keylock.Locker
	TaxonomyVersion string // taxonomy used for new versions; empty means the registry default
	LinkPrefix      string // prefix for download links, e.g. "/api/v1"
}

// Manager implements the report version lifecycle.
type Manager struct {
	store      *store.Store
	files      artifact.Storage
	renderer   render.Renderer
	scorer     *scoring.Service
	guard      *assign.Guard
	taxonomies *risk.Registry
	locks      *keylock.Locker
	taxonomy   string
	linkPrefix string
}

// New validates cfg and creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Files == nil || cfg.Taxonomies == nil {
		return nil, errors.New("reports: store, files and taxonomies are required")
	}
	version := cfg.TaxonomyVersion
	if version == "" {
		version = cfg.Taxonomies.Default().Version()
	}
	if _, err := cfg.Taxonomies.Table(version); err != nil {
		return nil, err
	}
	locks := cfg.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Manager{
		store:      cfg.Store,
		files:      cfg.Files,
		renderer:   cfg.Renderer,
		scorer:     cfg.Scorer,
		guard:      cfg.Guard,
		taxonomies: cfg.Taxonomies,
		locks:      locks,
		taxonomy:   version,
		linkPrefix: cfg.LinkPrefix,
	}, nil
}

// TaxonomyVersion returns the taxonomy applied to new versions.
func (m *Manager) TaxonomyVersion() string { return m.taxonomy }

// CreateNewVersion inserts the project's next version in status generating.
func (m *Manager) CreateNewVersion(ctx context.Context, projectID string) (model.Report, error) {
	return m.createVersion(ctx, projectID, nil)
}

func (m *Manager) createVersion(ctx context.Context, projectID string, meta *generationMeta) (model.Report, error) {
	if projectID == "" {
		return model.Report{}, fmt.Errorf("project id is required: %w", risk.ErrInvalidInput)
	}
	raw, err := encodeMeta(meta)
	if err != nil {
		return model.Report{}, err
	}
	unlock := m.locks.Lock(projectID)
	defer unlock()

	rep, err := m.store.CreateReportVersion(ctx, projectID, m.taxonomy, raw)
	if err != nil {
		return rep, fmt.Errorf("create report version: %w", err)
	}
	slog.Info("report version created", "project_id", projectID, "report_id", rep.ID, "version", rep.Version)
	return rep, nil
}

// CompleteVersion records the artifacts of a generating report, marks it ready and
// promotes it to latest unless a higher ready version already exists.
func (m *Manager) CompleteVersion(ctx context.Context, reportID int64, a model.Artifacts) (model.Report, error) {
	return m.completeVersion(ctx, reportID, a, nil)
}

func (m *Manager) completeVersion(ctx context.Context, reportID int64, a model.Artifacts, meta *generationMeta) (model.Report, error) {
	if a.PDFPath == "" {
		return model.Report{}, fmt.Errorf("pdf path is required: %w", risk.ErrInvalidInput)
	}
	if a.PDFSize < 0 || a.WordSize < 0 {
		return model.Report{}, fmt.Errorf("negative artifact size: %w", risk.ErrInvalidInput)
	}
	raw, err := encodeMeta(meta)
	if err != nil {
		return model.Report{}, err
	}
	cur, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return cur, err
	}
	unlock := m.locks.Lock(cur.ProjectID)
	defer unlock()

	rep, err := m.store.CompleteReport(ctx, reportID, a, raw)
	if err != nil {
		return rep, err
	}
	metrics.ReportsGenerated.WithLabelValues(string(model.ReportReady)).Inc()
	slog.Info("report version ready",
		"project_id", rep.ProjectID, "report_id", rep.ID, "version", rep.Version, "latest", rep.Latest)
	return rep, nil
}

// FailVersion moves a generating report to failed.
func (m *Manager) FailVersion(ctx context.Context, reportID int64, reason string) (model.Report, error) {
	rep, err := m.store.FailReport(ctx, reportID, reason)
	if err != nil {
		return rep, err
	}
	metrics.ReportsGenerated.WithLabelValues(string(model.ReportFailed)).Inc()
	slog.Warn("report version failed",
		"project_id", rep.ProjectID, "report_id", rep.ID, "version", rep.Version, "reason", reason)
	return rep, nil
}

// GetLatest returns the project's latest report with links and warnings for missing files.
func (m *Manager) GetLatest(ctx context.Context, projectID string) (model.ReportView, error) {
	rep, err := m.store.GetLatestReport(ctx, projectID)
	if err != nil {
		return model.ReportView{}, err
	}
	return m.view(ctx, rep), nil
}

// GetByID returns any version. A non-latest version is served with a stale warning.
func (m *Manager) GetByID(ctx context.Context, reportID int64) (model.ReportView, error) {
	rep, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return model.ReportView{}, err
	}
	v := m.view(ctx, rep)
	if w := m.staleWarning(ctx, rep); w != "" {
		v.Warnings = append([]string{w}, v.Warnings...)
	}
	return v, nil
}

// staleWarning returns a warning when rep is not its project's latest version.
// Lookup failures are logged and never fail the caller.
func (m *Manager) staleWarning(ctx context.Context, rep model.Report) string {
	if rep.Latest {
		return ""
	}
	metrics.StaleAccess.Inc()
	latest, err := m.store.GetLatestReport(ctx, rep.ProjectID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		slog.Warn("stale report access; project has no latest version",
			"project_id", rep.ProjectID, "report_id", rep.ID, "version", rep.Version)
		return i18n.Td(ctx, "WarnStaleNoLatest", map[string]any{"Version": rep.Version})
	case err != nil:
		slog.Warn("stale report access; latest lookup failed",
			"project_id", rep.ProjectID, "report_id", rep.ID, "error", err)
		return i18n.Td(ctx, "WarnStaleNoLatest", map[string]any{"Version": rep.Version})
	}
	slog.Warn("stale report access",
		"project_id", rep.ProjectID, "report_id", rep.ID, "version", rep.Version,
		"latest_report_id", latest.ID, "latest_version", latest.Version)
	return i18n.Td(ctx, "WarnStaleVersion", map[string]any{"Version": rep.Version, "Latest": latest.Version})
}

func (m *Manager) view(ctx context.Context, rep model.Report) model.ReportView {
	v := model.ReportView{Report: rep, Links: map[string]string{}, Warnings: []string{}}
	if rep.Status == model.ReportReady {
		for _, f := range []model.ArtifactFormat{model.FormatPDF, model.FormatWord} {
			p := rep.Path(f)
			if p == nil {
				v.Warnings = append(v.Warnings, i18n.Td(ctx, "WarnArtifactNotRecorded", map[string]any{"Format": formatName(f)}))
				continue
			}
			if _, err := m.files.Stat(ctx, *p); err != nil {
				if errors.Is(err, apperr.ErrFileMissing) {
					v.Warnings = append(v.Warnings, i18n.Td(ctx, "WarnArtifactMissing", map[string]any{"Format": formatName(f)}))
				} else {
					slog.Warn("artifact stat failed", "report_id", rep.ID, "format", f, "error", err)
				}
				continue
			}
			v.Links[string(f)] = fmt.Sprintf("%s/reports/%d/file/%s", m.linkPrefix, rep.ID, f)
		}
	}
	if meta, ok := decodeMeta(rep); ok {
		for _, s := range meta.Shortfalls {
			v.Warnings = append(v.Warnings, i18n.Tp(ctx, "WarnRoleShortfall", s.CurrentCount,
				map[string]any{"Role": s.Role, "Min": s.MinRequired}))
		}
	}
	return v
}

// ListVersions returns every version of a project, newest first, with display labels.
func (m *Manager) ListVersions(ctx context.Context, projectID string) ([]model.VersionEntry, error) {
	reps, err := m.store.ListReports(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]model.VersionEntry, 0, len(reps))
	for _, r := range reps {
		e := model.VersionEntry{Report: r, Label: VersionLabel(ctx, r)}
		if r.PDFSize > 0 {
			e.PDFSizeH = humanize.Bytes(uint64(r.PDFSize))
		}
		if r.WordSize > 0 {
			e.WordSizeH = humanize.Bytes(uint64(r.WordSize))
		}
		out = append(out, e)
	}
	return out, nil
}

// VersionLabel renders "vN", or "vN (Latest)" for the latest version.
func VersionLabel(ctx context.Context, r model.Report) string {
	id := "VersionLabel"
	if r.Latest {
		id = "VersionLabelLatest"
	}
	return i18n.Td(ctx, id, map[string]any{"Version": r.Version})
}

// ValidateConsistency checks a report against storage and its project's history.
func (m *Manager) ValidateConsistency(ctx context.Context, reportID int64) (model.Consistency, error) {
	rep, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return model.Consistency{}, err
	}
	c := model.Consistency{ReportID: rep.ID, Errors: []string{}, Warnings: []string{}}

	switch rep.Status {
	case model.ReportFailed:
		c.Errors = append(c.Errors, i18n.Td(ctx, "CheckStatusFailed", map[string]any{"Reason": rep.Error}))
	case model.ReportGenerating:
		c.Warnings = append(c.Warnings, i18n.T(ctx, "CheckGenerating"))
	}

	if rep.PDFPath == nil {
		c.Errors = append(c.Errors, i18n.T(ctx, "CheckMissingPDFPath"))
	} else if missing, err := m.missing(ctx, *rep.PDFPath); err != nil {
		c.Errors = append(c.Errors, m.unreadable(ctx, rep, model.FormatPDF, err))
	} else if missing {
		c.Errors = append(c.Errors, i18n.T(ctx, "CheckPDFAbsent"))
	}

	if rep.WordPath == nil {
		c.Warnings = append(c.Warnings, i18n.T(ctx, "CheckMissingWordPath"))
	} else if missing, err := m.missing(ctx, *rep.WordPath); err != nil {
		c.Errors = append(c.Errors, m.unreadable(ctx, rep, model.FormatWord, err))
	} else if missing {
		c.Warnings = append(c.Warnings, i18n.T(ctx, "CheckWordAbsent"))
	}

	if !rep.Latest {
		c.Warnings = append(c.Warnings, i18n.T(ctx, "CheckNotLatest"))
	}
	c.IsValid = len(c.Errors) == 0
	return c, nil
}

// unreadable logs a storage failure other than a missing file and returns the
// consistency error describing it.
func (m *Manager) unreadable(ctx context.Context, rep model.Report, f model.ArtifactFormat, err error) string {
	slog.Error("report artifact could not be checked",
		"project_id", rep.ProjectID, "report_id", rep.ID, "format", f, "error", err)
	return i18n.Td(ctx, "CheckArtifactUnreadable", map[string]any{"Format": formatName(f), "Error": err.Error()})
}

func (m *Manager) missing(ctx context.Context, key string) (bool, error) {
	_, err := m.files.Stat(ctx, key)
	if errors.Is(err, apperr.ErrFileMissing) {
		return true, nil
	}
	return false, err
}

// Download is an open artifact stream. The caller closes Body.
type Download struct {
	Report      model.Report
	Format      model.ArtifactFormat
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Filename    string
	Warning     string
}

// DownloadArtifact opens a report's file. A report or format with no recorded path is
// ErrNotFound; a recorded path whose bytes are gone is ErrFileMissing.
func (m *Manager) DownloadArtifact(ctx context.Context, reportID int64, format model.ArtifactFormat) (*Download, error) {
	if format != model.FormatPDF && format != model.FormatWord {
		return nil, fmt.Errorf("unknown format %q: %w", format, risk.ErrInvalidInput)
	}
	rep, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	p := rep.Path(format)
	if p == nil {
		return nil, fmt.Errorf("report %d has no %s artifact: %w", rep.ID, format, apperr.ErrNotFound)
	}
	body, size, err := m.files.Open(ctx, *p)
	if errors.Is(err, apperr.ErrFileMissing) {
		metrics.FileMissing.WithLabelValues(string(format)).Inc()
		slog.Error("report artifact missing from storage",
			"project_id", rep.ProjectID, "report_id", rep.ID, "version", rep.Version,
			"format", format, "path", *p)
		return nil, fmt.Errorf("report %d %s: %w", rep.ID, format, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open report %d %s: %w", rep.ID, format, err)
	}
	return &Download{
		Report:      rep,
		Format:      format,
		Body:        body,
		Size:        size,
		ContentType: artifact.ContentType(format),
		Filename:    fmt.Sprintf("%s-risk-report-v%d.%s", rep.ProjectID, rep.Version, artifact.Extension(format)),
		Warning:     m.staleWarning(ctx, rep),
	}, nil
}

// Promote hands the latest flag to the project's highest ready version.
func (m *Manager) Promote(ctx context.Context, projectID string) (model.Report, error) {
	unlock := m.locks.Lock(projectID)
	defer unlock()
	rep, err := m.store.PromoteHighestReady(ctx, projectID)
	if err != nil {
		return rep, err
	}
	slog.Warn("latest report promoted manually",
		"project_id", projectID, "report_id", rep.ID, "version", rep.Version)
	return rep, nil
}

func formatName(f model.ArtifactFormat) string {
	switch f {
	case model.FormatPDF:
		return "PDF"
	case model.FormatWord:
		return "Word"
	}
	return string(f)
}

// generationMeta is the JSON stored in a report's metadata column.
type generationMeta struct {
	Lang            string                         `json:"lang,omitempty"`
	Classification  *risk.Classification           `json:"classification,omitempty"`
	TotalAverage    *risk.Normalized               `json:"totalAverage,omitempty"`
	Answers         int                            `json:"answers,omitempty"`
	DataWarnings    int                            `json:"dataWarnings,omitempty"`
	PrincipleLabels map[string]risk.Classification `json:"principleLabels,omitempty"`
	Questionnaires  []string                       `json:"questionnaires,omitempty"`
	Shortfalls      []model.Shortfall              `json:"shortfalls,omitempty"`
}

func encodeMeta(meta *generationMeta) (json.RawMessage, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode report metadata: %w", err)
	}
	return raw, nil
}

func decodeMeta(rep model.Report) (generationMeta, bool) {
	var meta generationMeta
	if len(rep.Metadata) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(rep.Metadata, &meta); err != nil {
		slog.Warn("unreadable report metadata", "report_id", rep.ID, "error", err)
		return meta, false
	}
	return meta, true
}
