package risk

import (
	"fmt"
	"math"

	"github.com/zinspection/riskengine/internal/model"
)

// MaxRisk is the upper bound of the normalized risk scale.
const MaxRisk = 4.0

// Normalized is a per-question or averaged risk on the [0,4] scale.
// Only normalized values may be classified.
type Normalized float64

// Cumulative is a sum of per-question risks. It has no upper bound and
// must never be passed to a taxonomy.
type Cumulative float64

// ComputeERC returns the ethical risk contribution importance × severity.
func ComputeERC(importance int, severity float64) (Normalized, error) {
	if importance < 1 || importance > 4 {
		return 0, fmt.Errorf("%w: importance %d not in 1..4", ErrInvalidInput, importance)
	}
	if math.IsNaN(severity) || severity < 0 || severity > 1 {
		return 0, fmt.Errorf("%w: severity %v not in [0,1]", ErrInvalidInput, severity)
	}
	return Normalized(float64(importance) * severity), nil
}

// Severity derives the answer severity (1 − safety score) for a choice on q.
// Multi-select answers average the scores of the distinct selected keys before
// inverting. A choice whose kind does not match q.MultiSelect is ErrInvalidInput.
func Severity(q model.Question, c model.Choice) (float64, error) {
	switch v := c.(type) {
	case model.SingleChoice:
		if v.Key == "" {
			return 0, fmt.Errorf("%w: question %s", ErrNoSelection, q.Code)
		}
		if q.MultiSelect {
			return 0, fmt.Errorf("%w: single choice on multi-select question %s", ErrInvalidInput, q.Code)
		}
		score, err := optionScore(q, v.Key)
		if err != nil {
			return 0, err
		}
		return 1 - score, nil
	case model.MultiChoice:
		if len(v.Keys) == 0 {
			return 0, fmt.Errorf("%w: question %s", ErrNoSelection, q.Code)
		}
		if !q.MultiSelect {
			return 0, fmt.Errorf("%w: multi choice on single-select question %s", ErrInvalidInput, q.Code)
		}
		keys := model.UniqueKeys(v.Keys)
		var sum float64
		for _, k := range keys {
			score, err := optionScore(q, k)
			if err != nil {
				return 0, err
			}
			sum += score
		}
		return 1 - sum/float64(len(keys)), nil
	case nil:
		return 0, fmt.Errorf("%w: question %s", ErrNoSelection, q.Code)
	default:
		return 0, fmt.Errorf("%w: unsupported choice %T", ErrInvalidInput, c)
	}
}

func optionScore(q model.Question, key string) (float64, error) {
	opt, ok := q.OptionByKey(key)
	if !ok {
		return 0, fmt.Errorf("%w: %q on question %s", ErrUnknownOption, key, q.Code)
	}
	if math.IsNaN(opt.Score) || opt.Score < 0 || opt.Score > 1 {
		return 0, fmt.Errorf("%w: option %q score %v not in [0,1]", ErrInvalidInput, key, opt.Score)
	}
	return opt.Score, nil
}
