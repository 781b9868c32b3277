package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/risk"
)

// ErrStaleRevision is returned when answers changed between reading them and
// writing the score record derived from them.
var ErrStaleRevision = errors.New("answers changed during recompute")

// ReplaceScoreRecord atomically replaces the record for rec's key, provided the
// project's answers are still at revision rev.
func (s *Store) ReplaceScoreRecord(ctx context.Context, rec *risk.ScoreRecord, rev int64) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode score record: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := answerRevision(ctx, tx, rec.ProjectID)
		if err != nil {
			return err
		}
		if current != rev {
			return fmt.Errorf("%w: read rev %d, now %d", ErrStaleRevision, rev, current)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO score_records (project_id, respondent, questionnaire_key, payload, computed_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (project_id, respondent, questionnaire_key)
			 DO UPDATE SET payload = excluded.payload, computed_at = excluded.computed_at`,
			rec.ProjectID, rec.Respondent, rec.QuestionnaireKey, string(payload), rec.ComputedAt,
		)
		return err
	})
}

// GetScoreRecord returns the stored record for a key.
func (s *Store) GetScoreRecord(ctx context.Context, projectID, respondent, questionnaireKey string) (*risk.ScoreRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM score_records WHERE project_id = ? AND respondent = ? AND questionnaire_key = ?`,
		projectID, respondent, questionnaireKey,
	).Scan(&payload)
	if notFound(err) {
		return nil, fmt.Errorf("score record %s/%s/%s: %w", projectID, respondent, questionnaireKey, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec risk.ScoreRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode score record: %w", err)
	}
	return &rec, nil
}

// ListQuestionnaireKeys returns the questionnaires with answers on a project.
func (s *Store) ListQuestionnaireKeys(ctx context.Context, projectID string, submittedOnly bool) ([]string, error) {
	query := `SELECT DISTINCT questionnaire_key FROM responses WHERE project_id = ?`
	if submittedOnly {
		query += ` AND status = 'submitted'`
	}
	query += ` ORDER BY questionnaire_key`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
