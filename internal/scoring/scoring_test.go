package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, q := range []model.Question{
		{QuestionnaireKey: "general", Code: "G1", Principle: "Transparency", Importance: 4},
		{QuestionnaireKey: "general", Code: "G2", Principle: "Fairness", Importance: 2},
		{QuestionnaireKey: "ethical-expert", Code: "E1", Principle: "Fairness", Importance: 3, MultiSelect: true},
	} {
		q.Options = []model.Option{
			{Key: "a", Score: 0.2},
			{Key: "b", Score: 0.8},
			{Key: "c", Score: 1},
		}
		if _, err := s.UpsertQuestion(ctx, q); err != nil {
			t.Fatalf("UpsertQuestion: %v", err)
		}
	}
	return New(s, risk.DefaultAggregateOptions()), s
}

func save(t *testing.T, s *store.Store, user, qk string, answers ...model.Answer) {
	t.Helper()
	if _, err := s.SaveAnswers(context.Background(), "p1", user, qk, answers); err != nil {
		t.Fatalf("SaveAnswers: %v", err)
	}
}

func submit(t *testing.T, s *store.Store, user, qk string) {
	t.Helper()
	if _, err := s.SubmitResponse(context.Background(), "p1", user, qk); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}
}

func single(code, key string) model.Answer {
	return model.Answer{QuestionCode: code, Choice: model.SingleChoice{Key: key}}
}

func TestRecomputeIndividualIncludesDrafts(t *testing.T) {
	svc, s := newTestService(t)
	save(t, s, "alice", "general", single("G1", "a"), single("G2", "c"))

	rec, err := svc.Recompute(context.Background(), Key{ProjectID: "p1", Respondent: "alice", QuestionnaireKey: "general"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if rec.Totals.N != 2 {
		t.Fatalf("Totals.N = %d, want 2", rec.Totals.N)
	}
	// G1: 4 * (1-0.2) = 3.2, G2: 2 * 0 = 0
	if got := float64(*rec.Totals.Max); math.Abs(got-3.2) > 1e-9 {
		t.Errorf("Totals.Max = %v, want 3.2", got)
	}
	if rec.Respondent != "alice" || rec.QuestionnaireKey != "general" {
		t.Errorf("key not stamped: %+v", rec)
	}

	stored, err := s.GetScoreRecord(context.Background(), "p1", "alice", "general")
	if err != nil {
		t.Fatalf("GetScoreRecord: %v", err)
	}
	if stored.Totals.N != 2 {
		t.Errorf("stored Totals.N = %d, want 2", stored.Totals.N)
	}
}

func TestRecomputeCombinedUsesSubmittedOnly(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	save(t, s, "alice", "general", single("G1", "a"))
	submit(t, s, "alice", "general")
	save(t, s, "bob", "general", single("G1", "c"), single("G2", "a"))

	rec, err := svc.Recompute(ctx, Key{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if rec.Respondent != risk.Combined || rec.QuestionnaireKey != risk.AllQuestionnaires {
		t.Errorf("defaults not applied: %s/%s", rec.Respondent, rec.QuestionnaireKey)
	}
	if rec.Totals.N != 1 {
		t.Errorf("combined Totals.N = %d, want 1 (draft excluded)", rec.Totals.N)
	}

	submit(t, s, "bob", "general")
	rec, err = svc.Recompute(ctx, Key{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if rec.Totals.N != 3 {
		t.Errorf("combined Totals.N = %d, want 3", rec.Totals.N)
	}
}

func TestRecomputeMultiChoiceSeverity(t *testing.T) {
	svc, s := newTestService(t)
	save(t, s, "eve", "ethical-expert", model.Answer{
		QuestionCode: "E1",
		Choice:       model.MultiChoice{Keys: []string{"a", "b"}},
	})

	rec, err := svc.Recompute(context.Background(), Key{ProjectID: "p1", Respondent: "eve"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if len(rec.QuestionBreakdown) != 1 {
		t.Fatalf("breakdown len = %d, want 1", len(rec.QuestionBreakdown))
	}
	if got := rec.QuestionBreakdown[0].AnswerSeverity; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("AnswerSeverity = %v, want 0.5", got)
	}
}

func TestRecomputeRepeatedMultiKeysCountOnce(t *testing.T) {
	svc, s := newTestService(t)
	save(t, s, "eve", "ethical-expert", model.Answer{
		QuestionCode: "E1",
		Choice:       model.MultiChoice{Keys: []string{"a", "a", "a", "b"}},
	})

	rec, err := svc.Recompute(context.Background(), Key{ProjectID: "p1", Respondent: "eve"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if len(rec.QuestionBreakdown) != 1 {
		t.Fatalf("breakdown len = %d, want 1", len(rec.QuestionBreakdown))
	}
	if got := rec.QuestionBreakdown[0].AnswerSeverity; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("AnswerSeverity = %v, want 0.5", got)
	}
}

func TestRecomputeWarnsOnChoiceKindMismatch(t *testing.T) {
	svc, s := newTestService(t)
	save(t, s, "eve", "general", model.Answer{
		QuestionCode: "G1",
		Choice:       model.MultiChoice{Keys: []string{"a", "b"}},
	})

	rec, err := svc.Recompute(context.Background(), Key{ProjectID: "p1", Respondent: "eve"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if rec.Totals.N != 0 {
		t.Errorf("Totals.N = %d, want 0", rec.Totals.N)
	}
	if len(rec.Warnings) != 1 || rec.Warnings[0].Kind != risk.WarnInvalidInput {
		t.Errorf("warnings = %+v, want one %s", rec.Warnings, risk.WarnInvalidInput)
	}
}

func TestRecomputeSkipsUnresolvedAndBadAnswers(t *testing.T) {
	svc, s := newTestService(t)
	save(t, s, "alice", "general",
		single("G1", "a"),
		single("NOPE", "a"),
		single("G2", "zzz"),
	)

	rec, err := svc.Recompute(context.Background(), Key{ProjectID: "p1", Respondent: "alice"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if rec.Totals.N != 1 {
		t.Errorf("Totals.N = %d, want 1", rec.Totals.N)
	}
	kinds := map[string]bool{}
	for _, w := range rec.Warnings {
		kinds[w.Kind] = true
	}
	if !kinds[risk.WarnUnresolvedQuestion] || !kinds[risk.WarnUnknownOption] {
		t.Errorf("warnings = %+v, want unresolved and unknown option", rec.Warnings)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	save(t, s, "alice", "general", single("G1", "b"), single("G2", "a"))
	submit(t, s, "alice", "general")

	encode := func(rec *risk.ScoreRecord) string {
		t.Helper()
		data, err := json.Marshal(struct {
			ByPrinciple map[string]risk.Stats
			Totals      risk.Stats
		}{rec.ByPrinciple, rec.Totals})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return string(data)
	}

	first, err := svc.Recompute(ctx, Key{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	second, err := svc.Recompute(ctx, Key{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if encode(first) != encode(second) {
		t.Errorf("recompute not idempotent:\n%s\n%s", encode(first), encode(second))
	}
}

func TestCurrentRecomputesAfterInvalidation(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	key := Key{ProjectID: "p1", Respondent: "alice", QuestionnaireKey: "general"}

	save(t, s, "alice", "general", single("G1", "a"))
	if _, err := svc.Recompute(ctx, key); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	save(t, s, "alice", "general", single("G1", "a"), single("G2", "a"))
	rec, err := svc.Current(ctx, key)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if rec.Totals.N != 2 {
		t.Errorf("Current Totals.N = %d, want 2 (fresh answers)", rec.Totals.N)
	}
}

func TestRecomputeConcurrent(t *testing.T) {
	svc, s := newTestService(t)
	save(t, s, "alice", "general", single("G1", "a"), single("G2", "b"))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Recompute(context.Background(), Key{ProjectID: "p1", Respondent: "alice"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Recompute: %v", err)
		}
	}
}

func TestRecomputeIgnoresCallerCancellation(t *testing.T) {
	svc, s := newTestService(t)
	save(t, s, "alice", "general", single("G1", "a"), single("G2", "b"))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		ctx := context.Background()
		if i%2 == 0 {
			ctx = canceled
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Recompute(ctx, Key{ProjectID: "p1", Respondent: "alice"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Recompute sharing a canceled caller's flight: %v", err)
		}
	}

	rec, err := s.GetScoreRecord(context.Background(), "p1", "alice", risk.AllQuestionnaires)
	if err != nil {
		t.Fatalf("GetScoreRecord: %v", err)
	}
	if rec.Totals.N != 2 {
		t.Errorf("Totals.N = %d, want 2", rec.Totals.N)
	}
}

func TestRecomputeRequiresProject(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Recompute(context.Background(), Key{})
	if !errors.Is(err, risk.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}
