package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		questionnaire_key TEXT NOT NULL,
		code TEXT NOT NULL,
		principle TEXT NOT NULL,
		importance INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 4),
		text TEXT NOT NULL DEFAULT '',
		multi_select INTEGER NOT NULL DEFAULT 0,
		options TEXT NOT NULL,
		UNIQUE (questionnaire_key, code)
	);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		questionnaire_key TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		updated_at DATETIME NOT NULL,
		submitted_at DATETIME,
		UNIQUE (project_id, user_id, questionnaire_key)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		response_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		question_code TEXT NOT NULL,
		choice_kind TEXT NOT NULL,
		choice_keys TEXT NOT NULL,
		UNIQUE (response_id, question_code),
		FOREIGN KEY (response_id) REFERENCES responses(id)
	);

	CREATE TABLE IF NOT EXISTS answer_revisions (
		project_id TEXT PRIMARY KEY,
		rev INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS score_records (
		project_id TEXT NOT NULL,
		respondent TEXT NOT NULL,
		questionnaire_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		computed_at DATETIME NOT NULL,
		PRIMARY KEY (project_id, respondent, questionnaire_key)
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		latest INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'generating',
		pdf_path TEXT,
		word_path TEXT,
		pdf_size INTEGER NOT NULL DEFAULT 0,
		word_size INTEGER NOT NULL DEFAULT 0,
		taxonomy_version TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		generated_at DATETIME,
		UNIQUE (project_id, version)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_one_latest ON reports(project_id) WHERE latest = 1;

	CREATE TABLE IF NOT EXISTS role_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (project_id, user_id, role)
	);

	CREATE TABLE IF NOT EXISTS role_limits (
		role TEXT PRIMARY KEY,
		min_count INTEGER NOT NULL DEFAULT 0,
		max_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TRIGGER IF NOT EXISTS trg_role_cardinality
	BEFORE INSERT ON role_assignments
	WHEN (SELECT max_count FROM role_limits WHERE role = NEW.role) > 0
	 AND (SELECT COUNT(*) FROM role_assignments WHERE project_id = NEW.project_id AND role = NEW.role)
	     >= (SELECT max_count FROM role_limits WHERE role = NEW.role)
	BEGIN
		SELECT RAISE(ABORT, 'ROLE_CARDINALITY_EXCEEDED');
	END;

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCardinalityAbort(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ROLE_CARDINALITY_EXCEEDED")
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
