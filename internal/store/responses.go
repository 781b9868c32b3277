package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/model"
)

// AnswerFilter selects answers for scoring. Empty UserID or QuestionnaireKey means all.
type AnswerFilter struct {
	ProjectID        string
	UserID           string
	QuestionnaireKey string
	SubmittedOnly    bool
}

// SaveAnswers replaces the answer set of a draft response, creating the response if needed.
// Submitted responses are immutable. Score records of the project are dropped in the same
// transaction so no stale cache survives the write.
func (s *Store) SaveAnswers(ctx context.Context, projectID, userID, questionnaireKey string, answers []model.Answer) (model.Response, error) {
	var resp model.Response
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO responses (project_id, user_id, questionnaire_key, status, updated_at)
			 VALUES (?, ?, ?, 'draft', ?)
			 ON CONFLICT (project_id, user_id, questionnaire_key) DO NOTHING`,
			projectID, userID, questionnaireKey, now,
		)
		if err != nil {
			return err
		}
		resp, err = getResponse(ctx, tx, projectID, userID, questionnaireKey)
		if err != nil {
			return err
		}
		if resp.Status == model.ResponseSubmitted {
			return fmt.Errorf("response of %s to %s is submitted: %w", userID, questionnaireKey, apperr.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE response_id = ?`, resp.ID); err != nil {
			return err
		}
		for i, a := range answers {
			w := model.ToWire(a.Choice)
			keys, err := json.Marshal(model.Keys(a.Choice))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO answers (response_id, position, question_code, choice_kind, choice_keys) VALUES (?, ?, ?, ?, ?)`,
				resp.ID, i, a.QuestionCode, w.Kind, string(keys),
			)
			if isUniqueViolation(err) {
				return fmt.Errorf("question %s answered twice: %w", a.QuestionCode, apperr.ErrConflict)
			}
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE responses SET updated_at = ? WHERE id = ?`, now, resp.ID); err != nil {
			return err
		}
		resp.UpdatedAt = now
		return invalidateScores(ctx, tx, projectID)
	})
	return resp, err
}

// SubmitResponse locks a draft response.
func (s *Store) SubmitResponse(ctx context.Context, projectID, userID, questionnaireKey string) (model.Response, error) {
	var resp model.Response
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		resp, err = getResponse(ctx, tx, projectID, userID, questionnaireKey)
		if err != nil {
			return err
		}
		if resp.Status == model.ResponseSubmitted {
			return fmt.Errorf("response already submitted: %w", apperr.ErrConflict)
		}
		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE responses SET status = 'submitted', submitted_at = ?, updated_at = ? WHERE id = ?`,
			now, now, resp.ID,
		); err != nil {
			return err
		}
		resp.Status = model.ResponseSubmitted
		resp.SubmittedAt = &now
		resp.UpdatedAt = now
		// Combined records only count submitted responses.
		return invalidateScores(ctx, tx, projectID)
	})
	return resp, err
}

// GetResponse returns one response.
func (s *Store) GetResponse(ctx context.Context, projectID, userID, questionnaireKey string) (model.Response, error) {
	return getResponse(ctx, s.db, projectID, userID, questionnaireKey)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getResponse(ctx context.Context, q querier, projectID, userID, questionnaireKey string) (model.Response, error) {
	var r model.Response
	err := q.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, questionnaire_key, status, updated_at, submitted_at
		 FROM responses WHERE project_id = ? AND user_id = ? AND questionnaire_key = ?`,
		projectID, userID, questionnaireKey,
	).Scan(&r.ID, &r.ProjectID, &r.UserID, &r.QuestionnaireKey, &r.Status, &r.UpdatedAt, &r.SubmittedAt)
	if notFound(err) {
		return r, fmt.Errorf("response %s/%s/%s: %w", projectID, userID, questionnaireKey, apperr.ErrNotFound)
	}
	return r, err
}

// ListAnswers returns the answers matching f together with the project's answer revision,
// read in one transaction. Order is respondent, questionnaire, then answer position.
func (s *Store) ListAnswers(ctx context.Context, f AnswerFilter) ([]model.RespondentAnswer, int64, error) {
	var out []model.RespondentAnswer
	var rev int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rev, err = answerRevision(ctx, tx, f.ProjectID)
		if err != nil {
			return err
		}
		query := `SELECT r.user_id, r.questionnaire_key, a.question_code, a.choice_kind, a.choice_keys
			FROM answers a JOIN responses r ON r.id = a.response_id
			WHERE r.project_id = ?`
		args := []any{f.ProjectID}
		if f.UserID != "" {
			query += ` AND r.user_id = ?`
			args = append(args, f.UserID)
		}
		if f.QuestionnaireKey != "" {
			query += ` AND r.questionnaire_key = ?`
			args = append(args, f.QuestionnaireKey)
		}
		if f.SubmittedOnly {
			query += ` AND r.status = 'submitted'`
		}
		query += ` ORDER BY r.user_id, r.questionnaire_key, a.position`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ra model.RespondentAnswer
			var kind, keys string
			if err := rows.Scan(&ra.UserID, &ra.QuestionnaireKey, &ra.Answer.QuestionCode, &kind, &keys); err != nil {
				return err
			}
			w := model.ChoiceWire{Kind: model.ChoiceKind(kind)}
			if err := json.Unmarshal([]byte(keys), &w.Keys); err != nil {
				return fmt.Errorf("decode answer %s: %w", ra.Answer.QuestionCode, err)
			}
			if w.Kind == model.ChoiceSingle && len(w.Keys) > 0 {
				w.Key, w.Keys = w.Keys[0], nil
			}
			c, err := w.Choice()
			if err != nil {
				return fmt.Errorf("decode answer %s: %w", ra.Answer.QuestionCode, err)
			}
			ra.Answer.Choice = c
			out = append(out, ra)
		}
		return rows.Err()
	})
	return out, rev, err
}

func answerRevision(ctx context.Context, q querier, projectID string) (int64, error) {
	var rev int64
	err := q.QueryRowContext(ctx, `SELECT rev FROM answer_revisions WHERE project_id = ?`, projectID).Scan(&rev)
	if notFound(err) {
		return 0, nil
	}
	return rev, err
}

// invalidateScores bumps the project's answer revision and drops its derived score records.
func invalidateScores(ctx context.Context, tx *sql.Tx, projectID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO answer_revisions (project_id, rev) VALUES (?, 1)
		 ON CONFLICT (project_id) DO UPDATE SET rev = rev + 1`,
		projectID,
	); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM score_records WHERE project_id = ?`, projectID)
	return err
}
