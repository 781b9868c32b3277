package risk

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/zinspection/riskengine/internal/model"
)

func question(code, principle string, importance int) *model.Question {
	return &model.Question{
		Code:             code,
		QuestionnaireKey: "general",
		Principle:        principle,
		Importance:       importance,
		Options: []model.Option{
			{Key: "safe", Score: 1},
			{Key: "mid", Score: 0.5},
			{Key: "risky", Score: 0},
		},
	}
}

func samplePairs() []Pair {
	return []Pair{
		{QuestionCode: "T1", Question: question("T1", "Transparency", 4), Choice: model.SingleChoice{Key: "risky"}},
		{QuestionCode: "T2", Question: question("T2", "Transparency", 2), Choice: model.SingleChoice{Key: "mid"}},
		{QuestionCode: "F1", Question: question("F1", "Fairness", 3), Choice: model.SingleChoice{Key: "safe"}},
		{QuestionCode: "F2", Question: multiQuestion("F2", "Fairness", 1), Choice: model.MultiChoice{Keys: []string{"mid", "risky"}}},
	}
}

func multiQuestion(code, principle string, importance int) *model.Question {
	q := question(code, principle, importance)
	q.MultiSelect = true
	return q
}

func approx(t *testing.T, name string, got *Normalized, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s is nil, want %v", name, want)
	}
	if math.Abs(float64(*got)-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, *got, want)
	}
}

func TestAggregateByPrinciple(t *testing.T) {
	rec := Aggregate(samplePairs(), DefaultAggregateOptions())

	if len(rec.ByPrinciple) != 2 {
		t.Fatalf("expected 2 principles, got %d", len(rec.ByPrinciple))
	}

	tr := rec.ByPrinciple["Transparency"]
	if tr.N != 2 {
		t.Errorf("Transparency n = %d, want 2", tr.N)
	}
	// T1 = 4*1, T2 = 2*0.5
	if tr.Sum != 5 {
		t.Errorf("Transparency sum = %v, want 5", tr.Sum)
	}
	approx(t, "Transparency avg", tr.Avg, 2.5)
	approx(t, "Transparency min", tr.Min, 1)
	approx(t, "Transparency max", tr.Max, 4)
	if *tr.AvgImportance != 3 {
		t.Errorf("Transparency avgImportance = %v, want 3", *tr.AvgImportance)
	}
	if *tr.HighImportanceRatio != 0.5 {
		t.Errorf("Transparency highImportanceRatio = %v, want 0.5", *tr.HighImportanceRatio)
	}

	fa := rec.ByPrinciple["Fairness"]
	// F1 = 3*0, F2 = 1*(1-0.25)
	approx(t, "Fairness avg", fa.Avg, 0.375)
	approx(t, "Fairness min", fa.Min, 0)
}

func TestAggregateTotalsFromLeaves(t *testing.T) {
	rec := Aggregate(samplePairs(), DefaultAggregateOptions())
	tot := rec.Totals
	if tot.N != 4 {
		t.Fatalf("totals n = %d, want 4", tot.N)
	}
	// Mean of leaves (4+1+0+0.75)/4, not the mean of principle averages.
	approx(t, "totals avg", tot.Avg, 5.75/4)
	if len(rec.QuestionBreakdown) != 4 {
		t.Errorf("breakdown has %d items, want 4", len(rec.QuestionBreakdown))
	}
	if rec.QuestionBreakdown[0].QuestionCode != "T1" || rec.QuestionBreakdown[3].QuestionCode != "F2" {
		t.Errorf("breakdown does not keep input order: %+v", rec.QuestionBreakdown)
	}
}

func TestTopDriversOrdering(t *testing.T) {
	pairs := []Pair{
		{QuestionCode: "B", Question: question("B", "P", 2), Choice: model.SingleChoice{Key: "risky"}},
		{QuestionCode: "A", Question: question("A", "P", 2), Choice: model.SingleChoice{Key: "risky"}},
		{QuestionCode: "C", Question: question("C", "P", 4), Choice: model.SingleChoice{Key: "risky"}},
		{QuestionCode: "D", Question: question("D", "P", 1), Choice: model.SingleChoice{Key: "safe"}},
	}
	rec := Aggregate(pairs, AggregateOptions{TopK: 3})
	got := rec.Totals.TopDrivers
	want := []string{"C", "A", "B"}
	if len(got) != len(want) {
		t.Fatalf("got %d drivers, want %d", len(got), len(want))
	}
	for i, code := range want {
		if got[i].QuestionCode != code {
			t.Errorf("driver %d = %s, want %s", i, got[i].QuestionCode, code)
		}
	}
}

func TestAggregateSkipsBadAnswers(t *testing.T) {
	pairs := []Pair{
		{QuestionCode: "GONE", Choice: model.SingleChoice{Key: "safe"}},
		{QuestionCode: "R1", Question: question("R1", "P", 2), Choice: model.SingleChoice{Key: "retired"}},
		{QuestionCode: "R2", Question: question("R2", "P", 2), Choice: model.MultiChoice{}},
		{QuestionCode: "M1", Question: question("M1", "P", 2), Choice: model.MultiChoice{Keys: []string{"mid"}}},
		{QuestionCode: "OK", Question: question("OK", "P", 2), Choice: model.SingleChoice{Key: "mid"}},
	}
	rec := Aggregate(pairs, DefaultAggregateOptions())
	if rec.Totals.N != 1 {
		t.Errorf("totals n = %d, want 1", rec.Totals.N)
	}
	wantKinds := []string{WarnUnresolvedQuestion, WarnUnknownOption, WarnNoSelection, WarnInvalidInput}
	if len(rec.Warnings) != len(wantKinds) {
		t.Fatalf("got %d warnings, want %d", len(rec.Warnings), len(wantKinds))
	}
	for i, k := range wantKinds {
		if rec.Warnings[i].Kind != k {
			t.Errorf("warning %d kind = %s, want %s", i, rec.Warnings[i].Kind, k)
		}
	}
}

func TestAggregateEmptyIsNull(t *testing.T) {
	rec := Aggregate(nil, DefaultAggregateOptions())
	if rec.Totals.N != 0 {
		t.Errorf("n = %d", rec.Totals.N)
	}
	if rec.Totals.Avg != nil || rec.Totals.Min != nil || rec.Totals.Max != nil {
		t.Errorf("expected nil avg/min/max, got %+v", rec.Totals)
	}
	data, err := json.Marshal(rec.Totals)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"avg":null`)) {
		t.Errorf("avg should serialize as null: %s", data)
	}

	c, err := rec.Label(DefaultRegistry().Default())
	if err != nil {
		t.Fatalf("Label: %v", err)
	}
	if c.Level != LevelUnknown {
		t.Errorf("empty record label = %s, want UNKNOWN", c.Level)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	first := Aggregate(samplePairs(), DefaultAggregateOptions())
	second := Aggregate(samplePairs(), DefaultAggregateOptions())

	for _, part := range []struct {
		name string
		a, b any
	}{
		{"byPrinciple", first.ByPrinciple, second.ByPrinciple},
		{"totals", first.Totals, second.Totals},
	} {
		a, err := json.Marshal(part.a)
		if err != nil {
			t.Fatal(err)
		}
		b, err := json.Marshal(part.b)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("%s differs between runs:\n%s\n%s", part.name, a, b)
		}
	}
}
