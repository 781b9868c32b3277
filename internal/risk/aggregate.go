package risk

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zinspection/riskengine/internal/model"
)

// Combined is the respondent key for records merged across all respondents.
const Combined = "combined"

// AllQuestionnaires is the questionnaire key for records spanning every questionnaire.
const AllQuestionnaires = "*"

// Pair is one answered question fed to the aggregator. Question is nil when the
// catalog could not resolve QuestionCode.
type Pair struct {
	QuestionCode string
	Respondent   string
	Question     *model.Question
	Choice       model.Choice
}

// Driver is one question's contribution, used to rank what drives a group's risk.
type Driver struct {
	QuestionCode string     `json:"questionCode"`
	Respondent   string     `json:"respondent,omitempty"`
	Principle    string     `json:"principle"`
	Risk         Normalized `json:"risk"`
}

// Stats summarizes the risks of one group. Pointer fields are nil when N is 0,
// since a zero would read as "no risk" rather than "no data".
type Stats struct {
	N                   int         `json:"n"`
	Sum                 Cumulative  `json:"sum"`
	Min                 *Normalized `json:"min"`
	Max                 *Normalized `json:"max"`
	Avg                 *Normalized `json:"avg"`
	AvgImportance       *float64    `json:"avgImportance"`
	HighImportanceRatio *float64    `json:"highImportanceRatio"`
	TopDrivers          []Driver    `json:"topDrivers"`
}

// BreakdownItem records how one answer was scored.
type BreakdownItem struct {
	QuestionCode          string     `json:"questionCode"`
	Respondent            string     `json:"respondent,omitempty"`
	Principle             string     `json:"principle"`
	Importance            int        `json:"importance"`
	AnswerSeverity        float64    `json:"answerSeverity"`
	FinalRiskContribution Normalized `json:"finalRiskContribution"`
}

// Warning kinds for answers skipped during aggregation.
const (
	WarnUnresolvedQuestion = "unresolved_question"
	WarnNoSelection        = "no_selection"
	WarnUnknownOption      = "unknown_option"
	WarnInvalidInput       = "invalid_input"
)

// DataWarning describes an answer that was skipped.
type DataWarning struct {
	Kind         string `json:"kind"`
	QuestionCode string `json:"questionCode"`
	Respondent   string `json:"respondent,omitempty"`
	Message      string `json:"message"`
}

// ScoreRecord is the aggregated risk profile for one
// (project, respondent-or-combined, questionnaire) key.
type ScoreRecord struct {
	ProjectID         string           `json:"projectId"`
	Respondent        string           `json:"respondent"`
	QuestionnaireKey  string           `json:"questionnaireKey"`
	ByPrinciple       map[string]Stats `json:"byPrinciple"`
	Totals            Stats            `json:"totals"`
	QuestionBreakdown []BreakdownItem  `json:"questionBreakdown"`
	Warnings          []DataWarning    `json:"warnings"`
	ComputedAt        time.Time        `json:"computedAt"`
}

// AggregateOptions tunes the aggregator.
type AggregateOptions struct {
	HighImportanceThreshold int
	TopK                    int
}

// DefaultAggregateOptions returns threshold 3 and top-5 drivers.
func DefaultAggregateOptions() AggregateOptions {
	return AggregateOptions{HighImportanceThreshold: 3, TopK: 5}
}

// Aggregate scores every pair and folds the results per principle and in total.
// Pairs that cannot be scored are skipped with a warning; aggregation never fails.
// The returned record has no key or timestamp set.
func Aggregate(pairs []Pair, opts AggregateOptions) *ScoreRecord {
	if opts.HighImportanceThreshold <= 0 {
		opts.HighImportanceThreshold = DefaultAggregateOptions().HighImportanceThreshold
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultAggregateOptions().TopK
	}

	rec := &ScoreRecord{
		ByPrinciple:       make(map[string]Stats),
		QuestionBreakdown: []BreakdownItem{},
		Warnings:          []DataWarning{},
	}

	var leaves []BreakdownItem
	for _, p := range pairs {
		if p.Question == nil {
			rec.Warnings = append(rec.Warnings, DataWarning{
				Kind:         WarnUnresolvedQuestion,
				QuestionCode: p.QuestionCode,
				Respondent:   p.Respondent,
				Message:      "question not found in catalog",
			})
			continue
		}
		q := p.Question
		sev, err := Severity(*q, p.Choice)
		var erc Normalized
		if err == nil {
			erc, err = ComputeERC(q.Importance, sev)
		}
		if err != nil {
			rec.Warnings = append(rec.Warnings, DataWarning{
				Kind:         warningKind(err),
				QuestionCode: p.QuestionCode,
				Respondent:   p.Respondent,
				Message:      err.Error(),
			})
			continue
		}
		leaves = append(leaves, BreakdownItem{
			QuestionCode:          q.Code,
			Respondent:            p.Respondent,
			Principle:             q.Principle,
			Importance:            q.Importance,
			AnswerSeverity:        sev,
			FinalRiskContribution: erc,
		})
	}
	rec.QuestionBreakdown = append(rec.QuestionBreakdown, leaves...)

	groups := make(map[string][]BreakdownItem)
	for _, l := range leaves {
		groups[l.Principle] = append(groups[l.Principle], l)
	}
	for principle, items := range groups {
		rec.ByPrinciple[principle] = summarize(items, opts)
	}
	rec.Totals = summarize(leaves, opts)
	return rec
}

func summarize(items []BreakdownItem, opts AggregateOptions) Stats {
	st := Stats{N: len(items), TopDrivers: []Driver{}}
	if len(items) == 0 {
		return st
	}
	var sum, importanceSum float64
	minV, maxV := items[0].FinalRiskContribution, items[0].FinalRiskContribution
	high := 0
	for _, it := range items {
		r := it.FinalRiskContribution
		sum += float64(r)
		importanceSum += float64(it.Importance)
		if r < minV {
			minV = r
		}
		if r > maxV {
			maxV = r
		}
		if it.Importance >= opts.HighImportanceThreshold {
			high++
		}
	}
	n := float64(len(items))
	avg := Normalized(sum / n)
	avgImp := importanceSum / n
	ratio := float64(high) / n

	st.Sum = Cumulative(sum)
	st.Min = &minV
	st.Max = &maxV
	st.Avg = &avg
	st.AvgImportance = &avgImp
	st.HighImportanceRatio = &ratio
	st.TopDrivers = topDrivers(items, opts.TopK)
	return st
}

func topDrivers(items []BreakdownItem, k int) []Driver {
	drivers := make([]Driver, 0, len(items))
	for _, it := range items {
		drivers = append(drivers, Driver{
			QuestionCode: it.QuestionCode,
			Respondent:   it.Respondent,
			Principle:    it.Principle,
			Risk:         it.FinalRiskContribution,
		})
	}
	sort.SliceStable(drivers, func(i, j int) bool {
		a, b := drivers[i], drivers[j]
		if a.Risk != b.Risk {
			return a.Risk > b.Risk
		}
		if a.QuestionCode != b.QuestionCode {
			return a.QuestionCode < b.QuestionCode
		}
		return a.Respondent < b.Respondent
	})
	if len(drivers) > k {
		drivers = drivers[:k]
	}
	return drivers
}

func warningKind(err error) string {
	switch {
	case errors.Is(err, ErrNoSelection):
		return WarnNoSelection
	case errors.Is(err, ErrUnknownOption):
		return WarnUnknownOption
	default:
		return WarnInvalidInput
	}
}

// Label classifies the record's total average with t.
func (r *ScoreRecord) Label(t *Table) (Classification, error) {
	c, err := t.ClassifyMaybe(r.Totals.Avg)
	if err != nil {
		return Classification{}, fmt.Errorf("classify totals: %w", err)
	}
	return c, nil
}
