// Package catalog imports question catalog files into the store.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/store"
)

// Result describes one imported file.
type Result struct {
	Name     string `json:"name"`
	Imported int    `json:"imported"`
	Skipped  bool   `json:"skipped"`
}

// Importer validates catalog files and loads them into the store.
type Importer struct {
	store    *store.Store
	validate *validator.Validate
}

// NewImporter creates an Importer.
func NewImporter(s *store.Store, v *validator.Validate) *Importer {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return &Importer{store: s, validate: v}
}

// Import loads data, a JSON array of questions, under name. A file whose content hash
// matches the last import of the same name is skipped.
func (i *Importer) Import(ctx context.Context, name string, data []byte) (Result, error) {
	res := Result{Name: name}
	hash := sha256sum(data)
	stored, err := i.store.GetImportedFileHash(ctx, name)
	if err != nil {
		return res, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		slog.Info("questions file unchanged, skipping", "path", name)
		res.Skipped = true
		return res, nil
	}
	if stored != "" {
		slog.Warn("questions file changed since last import; cached scores will be recomputed", "path", name)
	}

	var questions []model.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return res, fmt.Errorf("parse %s: %v: %w", name, err, risk.ErrInvalidInput)
	}
	if err := i.check(questions); err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}
	if err := i.store.ImportQuestions(ctx, name, hash, questions); err != nil {
		return res, fmt.Errorf("import %s: %w", name, err)
	}
	res.Imported = len(questions)
	slog.Info("imported questions", "path", name, "count", len(questions))
	return res, nil
}

// ImportFiles imports each path in order.
func (i *Importer) ImportFiles(ctx context.Context, paths []string) ([]Result, error) {
	var out []Result
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return out, fmt.Errorf("read %s: %w", p, err)
		}
		res, err := i.Import(ctx, p, data)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (i *Importer) check(questions []model.Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("no questions: %w", risk.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(questions))
	var problems []string
	for n, q := range questions {
		if err := i.validate.Struct(q); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					problems = append(problems, fmt.Sprintf("question %d (%s): %s failed %s", n, q.Code, fe.Namespace(), fe.Tag()))
				}
				continue
			}
			return err
		}
		ref := q.QuestionnaireKey + "/" + q.Code
		if seen[ref] {
			problems = append(problems, fmt.Sprintf("question %d: duplicate %s", n, ref))
		}
		seen[ref] = true
		keys := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if keys[o.Key] {
				problems = append(problems, fmt.Sprintf("question %s: duplicate option %q", ref, o.Key))
			}
			keys[o.Key] = true
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), risk.ErrInvalidInput)
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
