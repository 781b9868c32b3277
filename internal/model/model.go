package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is an evaluator role on a project (distinct from the API caller, which is a single service token).
type Role string

const (
	RoleEthicalExpert   Role = "ethical-expert"
	RoleLegalExpert     Role = "legal-expert"
	RoleTechnicalExpert Role = "technical-expert"
	RoleMedicalExpert   Role = "medical-expert"
	RoleUseCaseOwner    Role = "use-case-owner"
)

// Roles lists every evaluator role in display order.
var Roles = []Role{RoleEthicalExpert, RoleLegalExpert, RoleTechnicalExpert, RoleMedicalExpert, RoleUseCaseOwner}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// RoleLimit bounds how many assignments a role may have on one project.
// Max <= 0 means unbounded.
type RoleLimit struct {
	Min int `json:"min" mapstructure:"min" yaml:"min"`
	Max int `json:"max" mapstructure:"max" yaml:"max"`
}

// DefaultRoleLimits returns the canonical cardinality configuration: exactly one ethical expert.
func DefaultRoleLimits() map[Role]RoleLimit {
	return map[Role]RoleLimit{
		RoleEthicalExpert: {Min: 1, Max: 1},
	}
}

// RoleAssignment binds a user to a role on a project.
type RoleAssignment struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Option is one selectable answer to a question. Score is a safety score in [0,1].
type Option struct {
	Key   string  `json:"key" validate:"required"`
	Label string  `json:"label,omitempty"`
	Score float64 `json:"score" validate:"gte=0,lte=1"`
}

// Question is read-only catalog data.
type Question struct {
	ID               int64    `json:"id"`
	Code             string   `json:"code" validate:"required"`
	QuestionnaireKey string   `json:"questionnaireKey" validate:"required"`
	Principle        string   `json:"principle" validate:"required"`
	Importance       int      `json:"importance" validate:"gte=1,lte=4"`
	Text             string   `json:"text,omitempty"`
	MultiSelect      bool     `json:"multiSelect,omitempty"`
	Options          []Option `json:"options" validate:"required,min=1,dive"`
}

// OptionByKey returns the option with the given key.
func (q Question) OptionByKey(key string) (Option, bool) {
	for _, o := range q.Options {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}

// Choice is the selection made in an answer. It is either SingleChoice or MultiChoice.
type Choice interface {
	choiceKind() ChoiceKind
}

// ChoiceKind tags the Choice variants in storage and on the wire.
type ChoiceKind string

const (
	ChoiceSingle ChoiceKind = "single"
	ChoiceMulti  ChoiceKind = "multi"
)

// SingleChoice selects exactly one option.
type SingleChoice struct {
	Key string
}

// MultiChoice selects a set of options.
type MultiChoice struct {
	Keys []string
}

func (SingleChoice) choiceKind() ChoiceKind { return ChoiceSingle }
func (MultiChoice) choiceKind() ChoiceKind  { return ChoiceMulti }

// KindOf reports the variant tag of c.
func KindOf(c Choice) ChoiceKind {
	if c == nil {
		return ""
	}
	return c.choiceKind()
}

// Keys returns the distinct selected option keys of c in selection order.
func Keys(c Choice) []string {
	switch v := c.(type) {
	case SingleChoice:
		return []string{v.Key}
	case MultiChoice:
		return UniqueKeys(v.Keys)
	}
	return nil
}

// ChoiceWire is the JSON form of a Choice.
type ChoiceWire struct {
	Kind ChoiceKind `json:"kind" validate:"required,oneof=single multi"`
	Key  string     `json:"key,omitempty"`
	Keys []string   `json:"keys,omitempty"`
}

// ToWire converts a Choice to its tagged JSON form.
func ToWire(c Choice) ChoiceWire {
	switch v := c.(type) {
	case SingleChoice:
		return ChoiceWire{Kind: ChoiceSingle, Key: v.Key}
	case MultiChoice:
		return ChoiceWire{Kind: ChoiceMulti, Keys: UniqueKeys(v.Keys)}
	}
	return ChoiceWire{}
}

// Choice converts the wire form back into a Choice.
func (w ChoiceWire) Choice() (Choice, error) {
	switch w.Kind {
	case ChoiceSingle:
		return SingleChoice{Key: w.Key}, nil
	case ChoiceMulti:
		return MultiChoice{Keys: UniqueKeys(w.Keys)}, nil
	}
	return nil, fmt.Errorf("unknown choice kind %q", w.Kind)
}

// UniqueKeys returns keys without repeats, keeping first-seen order.
func UniqueKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Answer is one respondent's reply to one question.
type Answer struct {
	QuestionCode string `json:"questionCode"`
	Choice       Choice `json:"-"`
}

// MarshalJSON encodes the choice as a tagged union.
func (a Answer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		QuestionCode string     `json:"questionCode"`
		Choice       ChoiceWire `json:"choice"`
	}{a.QuestionCode, ToWire(a.Choice)})
}

// UnmarshalJSON decodes the tagged union form.
func (a *Answer) UnmarshalJSON(data []byte) error {
	var raw struct {
		QuestionCode string     `json:"questionCode"`
		Choice       ChoiceWire `json:"choice"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c, err := raw.Choice.Choice()
	if err != nil {
		return err
	}
	a.QuestionCode = raw.QuestionCode
	a.Choice = c
	return nil
}

// ResponseStatus is the lifecycle state of a questionnaire response.
type ResponseStatus string

const (
	ResponseDraft     ResponseStatus = "draft"
	ResponseSubmitted ResponseStatus = "submitted"
)

// Response groups one respondent's answers to one questionnaire on a project.
type Response struct {
	ID               int64          `json:"id"`
	ProjectID        string         `json:"projectId"`
	UserID           string         `json:"userId"`
	QuestionnaireKey string         `json:"questionnaireKey"`
	Status           ResponseStatus `json:"status"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	SubmittedAt      *time.Time     `json:"submittedAt,omitempty"`
}

// RespondentAnswer is an answer tagged with who gave it, as loaded for scoring.
type RespondentAnswer struct {
	UserID           string
	QuestionnaireKey string
	Answer           Answer
}

// ReportStatus is the generation state of a report.
type ReportStatus string

const (
	ReportGenerating ReportStatus = "generating"
	ReportReady      ReportStatus = "ready"
	ReportFailed     ReportStatus = "failed"
)

// ArtifactFormat names a report artifact kind.
type ArtifactFormat string

const (
	FormatPDF  ArtifactFormat = "pdf"
	FormatWord ArtifactFormat = "word"
)

// Report is one generated artifact set for a project.
type Report struct {
	ID              int64           `json:"id"`
	ProjectID       string          `json:"projectId"`
	Version         int             `json:"version"`
	Latest          bool            `json:"latest"`
	Status          ReportStatus    `json:"status"`
	PDFPath         *string         `json:"pdfPath,omitempty"`
	WordPath        *string         `json:"wordPath,omitempty"`
	PDFSize         int64           `json:"pdfSize"`
	WordSize        int64           `json:"wordSize"`
	TaxonomyVersion string          `json:"taxonomyVersion,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	GeneratedAt     *time.Time      `json:"generatedAt,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Path returns the stored path for the given format, or nil.
func (r Report) Path(f ArtifactFormat) *string {
	switch f {
	case FormatPDF:
		return r.PDFPath
	case FormatWord:
		return r.WordPath
	}
	return nil
}

// Artifacts is what CompleteVersion records for a finished report.
type Artifacts struct {
	PDFPath  string
	WordPath string
	PDFSize  int64
	WordSize int64
}

// Config holds runtime engine parameters set via CLI flags and config file.
type Config struct {
	HighImportance  int    // importance at or above this counts as high
	TopK            int    // number of top drivers kept per group
	TaxonomyVersion string // active taxonomy version for new reports
	APITokenHash    string // bcrypt hash of the API bearer token; empty disables auth
	Lang            string // default UI language
}
