// Package scoring recomputes and caches aggregated score records.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zinspection/riskengine/internal/apperr"
	"github.com/zinspection/riskengine/internal/metrics"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/store"
)

const maxAttempts = 3

// Key identifies one score record. Respondent is a user id or risk.Combined;
// QuestionnaireKey is a questionnaire or risk.AllQuestionnaires.
type Key struct {
	ProjectID        string
	Respondent       string
	QuestionnaireKey string
}

func (k Key) String() string {
	return k.ProjectID + "/" + k.Respondent + "/" + k.QuestionnaireKey
}

// Normalize fills defaults: combined respondent and all questionnaires.
func (k Key) Normalize() (Key, error) {
	if k.ProjectID == "" {
		return k, fmt.Errorf("project id is required: %w", risk.ErrInvalidInput)
	}
	if k.Respondent == "" {
		k.Respondent = risk.Combined
	}
	if k.QuestionnaireKey == "" {
		k.QuestionnaireKey = risk.AllQuestionnaires
	}
	return k, nil
}

// Service loads answers, aggregates them and replaces the stored record.
type Service struct {
	store *store.Store
	opts  risk.AggregateOptions
	group singleflight.Group
}

// New creates a Service.
func New(s *store.Store, opts risk.AggregateOptions) *Service {
	return &Service{store: s, opts: opts}
}

// Recompute rebuilds the record for key from current answers and stores it.
// Concurrent calls for the same key share one computation.
func (s *Service) Recompute(ctx context.Context, key Key) (*risk.ScoreRecord, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}
	// The flight is shared, so one caller's cancellation must not fail the others.
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := s.group.Do(key.String(), func() (any, error) {
		return s.recompute(flightCtx, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("recompute shared with concurrent caller", "key", key.String())
	}
	return v.(*risk.ScoreRecord), nil
}

// Current returns the stored record for key, recomputing it when absent.
func (s *Service) Current(ctx context.Context, key Key) (*risk.ScoreRecord, error) {
	key, err := key.Normalize()
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetScoreRecord(ctx, key.ProjectID, key.Respondent, key.QuestionnaireKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return s.Recompute(ctx, key)
	}
	return rec, err
}

func (s *Service) recompute(ctx context.Context, key Key) (*risk.ScoreRecord, error) {
	mode := "individual"
	if key.Respondent == risk.Combined {
		mode = "combined"
	}
	start := time.Now()
	defer func() {
		metrics.RecomputeDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		rec, rev, err := s.build(ctx, key)
		if err != nil {
			return nil, err
		}
		err = s.store.ReplaceScoreRecord(ctx, rec, rev)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrStaleRevision) || attempt >= maxAttempts {
			return nil, fmt.Errorf("store score record %s: %w", key, err)
		}
		metrics.RecomputeRetries.Inc()
		slog.Info("answers changed during recompute, retrying", "key", key.String(), "attempt", attempt)
	}
}

func (s *Service) build(ctx context.Context, key Key) (*risk.ScoreRecord, int64, error) {
	filter := store.AnswerFilter{ProjectID: key.ProjectID}
	if key.Respondent == risk.Combined {
		filter.SubmittedOnly = true
	} else {
		filter.UserID = key.Respondent
	}
	if key.QuestionnaireKey != risk.AllQuestionnaires {
		filter.QuestionnaireKey = key.QuestionnaireKey
	}

	answers, rev, err := s.store.ListAnswers(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("load answers: %w", err)
	}
	pairs, err := s.resolve(ctx, answers)
	if err != nil {
		return nil, 0, err
	}

	rec := risk.Aggregate(pairs, s.opts)
	rec.ProjectID = key.ProjectID
	rec.Respondent = key.Respondent
	rec.QuestionnaireKey = key.QuestionnaireKey
	rec.ComputedAt = time.Now().UTC()

	for _, w := range rec.Warnings {
		metrics.DataWarnings.WithLabelValues(w.Kind).Inc()
		slog.Warn("answer skipped during aggregation",
			"project_id", key.ProjectID,
			"respondent", w.Respondent,
			"question_code", w.QuestionCode,
			"kind", w.Kind,
			"reason", w.Message,
		)
	}
	return rec, rev, nil
}

// resolve looks each answer's question up in the catalog. Unknown codes yield a nil question.
func (s *Service) resolve(ctx context.Context, answers []model.RespondentAnswer) ([]risk.Pair, error) {
	type qref struct{ questionnaire, code string }
	cache := make(map[qref]*model.Question)

	pairs := make([]risk.Pair, 0, len(answers))
	for _, a := range answers {
		ref := qref{a.QuestionnaireKey, a.Answer.QuestionCode}
		q, ok := cache[ref]
		if !ok {
			found, err := s.store.GetQuestion(ctx, ref.questionnaire, ref.code)
			switch {
			case err == nil:
				q = &found
			case errors.Is(err, apperr.ErrNotFound):
				q = nil
			default:
				return nil, fmt.Errorf("resolve question %s/%s: %w", ref.questionnaire, ref.code, err)
			}
			cache[ref] = q
		}
		pairs = append(pairs, risk.Pair{
			QuestionCode: a.Answer.QuestionCode,
			Respondent:   a.UserID,
			Question:     q,
			Choice:       a.Answer.Choice,
		})
	}
	return pairs, nil
}
