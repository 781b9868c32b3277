package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/model"
)

const reportColumns = `id, project_id, version, latest, status, pdf_path, word_path, pdf_size, word_size,
	taxonomy_version, error, metadata, created_at, generated_at`

func scanReport(r rowScanner) (model.Report, error) {
	var rep model.Report
	var meta string
	err := r.Scan(&rep.ID, &rep.ProjectID, &rep.Version, &rep.Latest, &rep.Status, &rep.PDFPath, &rep.WordPath,
		&rep.PDFSize, &rep.WordSize, &rep.TaxonomyVersion, &rep.Error, &meta, &rep.CreatedAt, &rep.GeneratedAt)
	if err != nil {
		return rep, err
	}
	if meta != "" {
		rep.Metadata = json.RawMessage(meta)
	}
	return rep, nil
}

func getReport(ctx context.Context, q querier, id int64) (model.Report, error) {
	rep, err := scanReport(q.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if notFound(err) {
		return rep, fmt.Errorf("report %d: %w", id, apperr.ErrNotFound)
	}
	return rep, err
}

// CreateReportVersion inserts the next version for a project in status generating.
// The max+1 read and the insert share one immediate transaction.
func (s *Store) CreateReportVersion(ctx context.Context, projectID, taxonomyVersion string, metadata json.RawMessage) (model.Report, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	var rep model.Report
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var maxVersion int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM reports WHERE project_id = ?`, projectID,
		).Scan(&maxVersion); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO reports (project_id, version, latest, status, taxonomy_version, metadata, created_at)
			 VALUES (?, ?, 0, 'generating', ?, ?, ?)`,
			projectID, maxVersion+1, taxonomyVersion, string(metadata), time.Now(),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rep, err = getReport(ctx, tx, id)
		return err
	})
	return rep, err
}

// CompleteReport marks a generating report ready and, in the same transaction, moves the
// project's latest flag to it: the old flag is cleared before the new one is set. When a
// higher version is already ready the report stays non-latest.
func (s *Store) CompleteReport(ctx context.Context, id int64, a model.Artifacts, metadata json.RawMessage) (model.Report, error) {
	var rep model.Report
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getReport(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != model.ReportGenerating {
			return fmt.Errorf("report %d is %s: %w", id, cur.Status, apperr.ErrInvalidTransition)
		}

		var pdfPath, wordPath any
		if a.PDFPath != "" {
			pdfPath = a.PDFPath
		}
		if a.WordPath != "" {
			wordPath = a.WordPath
		}
		meta := string(cur.Metadata)
		if len(metadata) > 0 {
			meta = string(metadata)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reports SET status = 'ready', pdf_path = ?, word_path = ?, pdf_size = ?, word_size = ?,
			   metadata = ?, generated_at = ? WHERE id = ?`,
			pdfPath, wordPath, a.PDFSize, a.WordSize, meta, time.Now(), id,
		); err != nil {
			return err
		}

		var newer int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reports WHERE project_id = ? AND status = 'ready' AND version > ?`,
			cur.ProjectID, cur.Version,
		).Scan(&newer); err != nil {
			return err
		}
		if newer > 0 {
			slog.Warn("completed report is older than the current ready version; latest flag unchanged",
				"project_id", cur.ProjectID, "report_id", id, "version", cur.Version)
		} else if err := promote(ctx, tx, cur.ProjectID, id); err != nil {
			return err
		}

		rep, err = getReport(ctx, tx, id)
		return err
	})
	return rep, err
}

func promote(ctx context.Context, tx *sql.Tx, projectID string, id int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE reports SET latest = 0 WHERE project_id = ? AND latest = 1`, projectID,
	); err != nil {
		return fmt.Errorf("clear latest: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reports SET latest = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	return nil
}

// FailReport moves a generating report to failed.
func (s *Store) FailReport(ctx context.Context, id int64, reason string) (model.Report, error) {
	var rep model.Report
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getReport(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != model.ReportGenerating {
			return fmt.Errorf("report %d is %s: %w", id, cur.Status, apperr.ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reports SET status = 'failed', error = ?, generated_at = ? WHERE id = ?`,
			reason, time.Now(), id,
		); err != nil {
			return err
		}
		rep, err = getReport(ctx, tx, id)
		return err
	})
	return rep, err
}

// PromoteHighestReady gives the latest flag to the project's highest ready version.
func (s *Store) PromoteHighestReady(ctx context.Context, projectID string) (model.Report, error) {
	var rep model.Report
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM reports WHERE project_id = ? AND status = 'ready' ORDER BY version DESC LIMIT 1`,
			projectID,
		).Scan(&id)
		if notFound(err) {
			return fmt.Errorf("ready report for project %s: %w", projectID, apperr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := promote(ctx, tx, projectID, id); err != nil {
			return err
		}
		rep, err = getReport(ctx, tx, id)
		return err
	})
	return rep, err
}

// GetReport returns a report by id.
func (s *Store) GetReport(ctx context.Context, id int64) (model.Report, error) {
	return getReport(ctx, s.db, id)
}

// GetLatestReport returns the project's report flagged latest.
func (s *Store) GetLatestReport(ctx context.Context, projectID string) (model.Report, error) {
	rep, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE project_id = ? AND latest = 1`, projectID,
	))
	if notFound(err) {
		return rep, fmt.Errorf("latest report for project %s: %w", projectID, apperr.ErrNotFound)
	}
	return rep, err
}

// ListReports returns every version of a project, newest first.
func (s *Store) ListReports(ctx context.Context, projectID string) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE project_id = ? ORDER BY version DESC`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []model.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

// ListReportProjects returns every project that has at least one report.
func (s *Store) ListReportProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM reports ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
