package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/model"
)

// SyncRoleLimits replaces the stored role limits used by the cardinality trigger.
func (s *Store) SyncRoleLimits(ctx context.Context, limits map[model.Role]model.RoleLimit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_limits`); err != nil {
			return err
		}
		for role, l := range limits {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO role_limits (role, min_count, max_count) VALUES (?, ?, ?)`,
				string(role), l.Min, l.Max,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateAssignment counts existing assignments for (project, role) and inserts the new one
// in a single immediate transaction, rejecting it when maxAllowed would be exceeded.
// maxAllowed <= 0 means unbounded.
func (s *Store) CreateAssignment(ctx context.Context, a model.RoleAssignment, maxAllowed int) (model.RoleAssignment, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		count, err := countAssignments(ctx, tx, a.ProjectID, a.Role)
		if err != nil {
			return err
		}
		if maxAllowed > 0 && count >= maxAllowed {
			return &apperr.CardinalityError{
				ProjectID:    a.ProjectID,
				Role:         string(a.Role),
				CurrentCount: count,
				MaxAllowed:   maxAllowed,
			}
		}
		a.CreatedAt = time.Now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO role_assignments (project_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
			a.ProjectID, a.UserID, string(a.Role), a.CreatedAt,
		)
		if isCardinalityAbort(err) {
			slog.Error("cardinality trigger rejected an insert that passed the guard",
				"project_id", a.ProjectID, "role", a.Role, "current_count", count)
			limit := storedRoleLimit(ctx, tx, a.Role, maxAllowed)
			return &apperr.CardinalityError{ProjectID: a.ProjectID, Role: string(a.Role), CurrentCount: count, MaxAllowed: limit}
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s already holds %s on %s: %w", a.UserID, a.Role, a.ProjectID, apperr.ErrConflict)
		}
		if err != nil {
			return err
		}
		a.ID, err = res.LastInsertId()
		return err
	})
	return a, err
}

// storedRoleLimit reads the max_count the cardinality trigger enforced for role,
// falling back to fallback when it cannot be read.
func storedRoleLimit(ctx context.Context, q querier, role model.Role, fallback int) int {
	var limit int
	err := q.QueryRowContext(ctx, `SELECT max_count FROM role_limits WHERE role = ?`, string(role)).Scan(&limit)
	if err != nil {
		slog.Warn("could not read stored role limit; reporting the configured one",
			"role", role, "fallback", fallback, "error", err)
		return fallback
	}
	return limit
}

// CountAssignments returns how many users hold role on a project.
func (s *Store) CountAssignments(ctx context.Context, projectID string, role model.Role) (int, error) {
	return countAssignments(ctx, s.db, projectID, role)
}

func countAssignments(ctx context.Context, q querier, projectID string, role model.Role) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM role_assignments WHERE project_id = ? AND role = ?`, projectID, string(role),
	).Scan(&count)
	return count, err
}

// DeleteAssignment removes an assignment.
func (s *Store) DeleteAssignment(ctx context.Context, projectID, userID string, role model.Role) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM role_assignments WHERE project_id = ? AND user_id = ? AND role = ?`,
		projectID, userID, string(role),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("assignment %s/%s/%s: %w", projectID, userID, role, apperr.ErrNotFound)
	}
	return nil
}

// ListAssignments returns a project's assignments ordered by role and creation.
func (s *Store) ListAssignments(ctx context.Context, projectID string) ([]model.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, role, created_at FROM role_assignments
		 WHERE project_id = ? ORDER BY role, id`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RoleAssignment
	for rows.Next() {
		var a model.RoleAssignment
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
