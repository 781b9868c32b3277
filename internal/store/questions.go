package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/model"
)

const questionColumns = `id, questionnaire_key, code, principle, importance, text, multi_select, options`

// UpsertQuestion stores a catalog question, replacing an existing one with the same key and code.
func (s *Store) UpsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return 0, fmt.Errorf("encode options: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO questions (questionnaire_key, code, principle, importance, text, multi_select, options)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (questionnaire_key, code) DO UPDATE SET
		   principle = excluded.principle, importance = excluded.importance,
		   text = excluded.text, multi_select = excluded.multi_select, options = excluded.options
		 RETURNING id`,
		q.QuestionnaireKey, q.Code, q.Principle, q.Importance, q.Text, q.MultiSelect, string(opts),
	).Scan(&id)
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(r rowScanner) (model.Question, error) {
	var q model.Question
	var opts string
	if err := r.Scan(&q.ID, &q.QuestionnaireKey, &q.Code, &q.Principle, &q.Importance, &q.Text, &q.MultiSelect, &opts); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
		return q, fmt.Errorf("decode options of %s/%s: %w", q.QuestionnaireKey, q.Code, err)
	}
	return q, nil
}

// GetQuestion returns the catalog question for (questionnaireKey, code).
func (s *Store) GetQuestion(ctx context.Context, questionnaireKey, code string) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE questionnaire_key = ? AND code = ?`,
		questionnaireKey, code,
	))
	if notFound(err) {
		return q, fmt.Errorf("question %s/%s: %w", questionnaireKey, code, apperr.ErrNotFound)
	}
	return q, err
}

// ListQuestions returns the catalog, optionally restricted to one questionnaire.
// An empty key means every questionnaire.
func (s *Store) ListQuestions(ctx context.Context, questionnaireKey string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions`
	var args []any
	if questionnaireKey != "" {
		query += ` WHERE questionnaire_key = ?`
		args = append(args, questionnaireKey)
	}
	query += ` ORDER BY questionnaire_key, code`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of catalog questions.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// ImportQuestions upserts a catalog file's questions, records its content hash and
// drops every cached score record, all in one transaction.
func (s *Store) ImportQuestions(ctx context.Context, path, hash string, qs []model.Question) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range qs {
			opts, err := json.Marshal(q.Options)
			if err != nil {
				return fmt.Errorf("encode options of %s: %w", q.Code, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (questionnaire_key, code, principle, importance, text, multi_select, options)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (questionnaire_key, code) DO UPDATE SET
				   principle = excluded.principle, importance = excluded.importance,
				   text = excluded.text, multi_select = excluded.multi_select, options = excluded.options`,
				q.QuestionnaireKey, q.Code, q.Principle, q.Importance, q.Text, q.MultiSelect, string(opts),
			); err != nil {
				return fmt.Errorf("upsert question %s/%s: %w", q.QuestionnaireKey, q.Code, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE answer_revisions SET rev = rev + 1`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM score_records`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO metadata (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			importKey(path), hash,
		)
		return err
	})
}
