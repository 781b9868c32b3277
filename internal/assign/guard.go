// Package assign enforces per-project role cardinality.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/keylock"
	"github.com/zinspection/riskengine/internal/metrics"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/store"
)

// Guard checks and records role assignments against configured limits.
type Guard struct {
	store  *store.Store
	limits map[model.Role]model.RoleLimit
	locks  *keylock.Locker
}

// New creates a Guard and copies limits into the database trigger table.
func New(ctx context.Context, s *store.Store, limits map[model.Role]model.RoleLimit, locks *keylock.Locker) (*Guard, error) {
	if limits == nil {
		limits = model.DefaultRoleLimits()
	}
	for role, l := range limits {
		if !role.Valid() {
			return nil, fmt.Errorf("role limit for unknown role %q: %w", role, risk.ErrInvalidInput)
		}
		if l.Min < 0 || (l.Max > 0 && l.Min > l.Max) {
			return nil, fmt.Errorf("role limit for %s: min %d max %d: %w", role, l.Min, l.Max, risk.ErrInvalidInput)
		}
	}
	if err := s.SyncRoleLimits(ctx, limits); err != nil {
		return nil, fmt.Errorf("sync role limits: %w", err)
	}
	return &Guard{store: s, limits: limits, locks: locks}, nil
}

// Limit returns the configured limit for role; the zero value means unbounded.
func (g *Guard) Limit(role model.Role) model.RoleLimit {
	return g.limits[role]
}

// CheckAssignment reports whether one more assignment of role would fit. It does not write.
func (g *Guard) CheckAssignment(ctx context.Context, projectID string, role model.Role) error {
	if err := validate(projectID, "-", role); err != nil {
		return err
	}
	limit := g.limits[role]
	if limit.Max <= 0 {
		return nil
	}
	count, err := g.store.CountAssignments(ctx, projectID, role)
	if err != nil {
		return err
	}
	if count >= limit.Max {
		return &apperr.CardinalityError{ProjectID: projectID, Role: string(role), CurrentCount: count, MaxAllowed: limit.Max}
	}
	return nil
}

// Assign records a. The count check and the insert run under the project's lock inside
// one transaction, so concurrent requests can never push the count past the maximum.
func (g *Guard) Assign(ctx context.Context, a model.RoleAssignment) (model.RoleAssignment, error) {
	if err := validate(a.ProjectID, a.UserID, a.Role); err != nil {
		return a, err
	}
	unlock := g.locks.Lock(a.ProjectID)
	defer unlock()

	created, err := g.store.CreateAssignment(ctx, a, g.limits[a.Role].Max)
	var ce *apperr.CardinalityError
	if errors.As(err, &ce) {
		metrics.CardinalityRejections.WithLabelValues(string(a.Role)).Inc()
		slog.Info("role assignment rejected",
			"project_id", a.ProjectID, "user_id", a.UserID, "role", a.Role,
			"current_count", ce.CurrentCount, "max_allowed", ce.MaxAllowed)
		return a, err
	}
	if err != nil {
		return a, err
	}
	slog.Info("role assigned", "project_id", a.ProjectID, "user_id", a.UserID, "role", a.Role)
	return created, nil
}

// Unassign removes a user's role on a project.
func (g *Guard) Unassign(ctx context.Context, projectID, userID string, role model.Role) error {
	if err := validate(projectID, userID, role); err != nil {
		return err
	}
	unlock := g.locks.Lock(projectID)
	defer unlock()
	return g.store.DeleteAssignment(ctx, projectID, userID, role)
}

// Readiness lists roles whose minimum is not yet met on a project, ordered by role.
func (g *Guard) Readiness(ctx context.Context, projectID string) ([]model.Shortfall, error) {
	var out []model.Shortfall
	for role, l := range g.limits {
		if l.Min <= 0 {
			continue
		}
		count, err := g.store.CountAssignments(ctx, projectID, role)
		if err != nil {
			return nil, err
		}
		if count < l.Min {
			out = append(out, model.Shortfall{Role: role, CurrentCount: count, MinRequired: l.Min})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func validate(projectID, userID string, role model.Role) error {
	switch {
	case projectID == "":
		return fmt.Errorf("project id is required: %w", risk.ErrInvalidInput)
	case userID == "":
		return fmt.Errorf("user id is required: %w", risk.ErrInvalidInput)
	case !role.Valid():
		return fmt.Errorf("unknown role %q: %w", role, risk.ErrInvalidInput)
	}
	return nil
}
