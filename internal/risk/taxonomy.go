package risk

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomy []byte

// LevelUnknown is reported for missing or NaN values.
const LevelUnknown = "UNKNOWN"

// Band is one contiguous range of the risk scale.
type Band struct {
	Level string  `yaml:"level" json:"level"`
	Label string  `yaml:"label" json:"label"`
	Color string  `yaml:"color" json:"color"`
	Min   float64 `yaml:"min" json:"min"`
	Max   float64 `yaml:"max" json:"max"`
}

// Classification is the result of looking a value up in a table.
type Classification struct {
	Level   string `json:"level"`
	Label   string `json:"label"`
	Color   string `json:"color"`
	Version string `json:"taxonomyVersion"`
}

// Table is one immutable, versioned band table.
type Table struct {
	version string
	bands   []Band
}

// Version returns the table's version string.
func (t *Table) Version() string { return t.version }

// Thresholds returns a copy of the bands in ascending order.
func (t *Table) Thresholds() []Band {
	return append([]Band(nil), t.bands...)
}

// Unknown returns the classification for absent data.
func (t *Table) Unknown() Classification {
	return Classification{Level: LevelUnknown, Label: "Data Unavailable", Color: "#9e9e9e", Version: t.version}
}

// Classify maps a normalized value to its band. NaN is classified as unknown;
// values outside [0,4] are an error, never clamped.
func (t *Table) Classify(v Normalized) (Classification, error) {
	x := float64(v)
	if math.IsNaN(x) {
		return t.Unknown(), nil
	}
	if x < 0 || x > MaxRisk {
		return Classification{}, fmt.Errorf("%w: %v not in [0,%v]", ErrOutOfRange, x, MaxRisk)
	}
	last := len(t.bands) - 1
	for i, b := range t.bands {
		if x >= b.Min && (x < b.Max || (i == last && x <= b.Max)) {
			return Classification{Level: b.Level, Label: b.Label, Color: b.Color, Version: t.version}, nil
		}
	}
	// Unreachable for a validated table.
	return Classification{}, fmt.Errorf("%w: %v has no band in %s", ErrOutOfRange, x, t.version)
}

// ClassifyMaybe classifies an optional value; nil is unknown.
func (t *Table) ClassifyMaybe(v *Normalized) (Classification, error) {
	if v == nil {
		return t.Unknown(), nil
	}
	return t.Classify(*v)
}

func (t *Table) validate() error {
	if t.version == "" {
		return fmt.Errorf("taxonomy without version")
	}
	if len(t.bands) == 0 {
		return fmt.Errorf("taxonomy %s: no bands", t.version)
	}
	seen := make(map[string]bool)
	for i, b := range t.bands {
		if b.Level == "" || b.Level == LevelUnknown {
			return fmt.Errorf("taxonomy %s: band %d has invalid level %q", t.version, i, b.Level)
		}
		if seen[b.Level] {
			return fmt.Errorf("taxonomy %s: duplicate level %s", t.version, b.Level)
		}
		seen[b.Level] = true
		if b.Max <= b.Min {
			return fmt.Errorf("taxonomy %s: band %s is empty", t.version, b.Level)
		}
		if i == 0 && b.Min != 0 {
			return fmt.Errorf("taxonomy %s: first band must start at 0", t.version)
		}
		if i > 0 && b.Min != t.bands[i-1].Max {
			return fmt.Errorf("taxonomy %s: band %s does not start where %s ends", t.version, b.Level, t.bands[i-1].Level)
		}
	}
	if t.bands[len(t.bands)-1].Max != MaxRisk {
		return fmt.Errorf("taxonomy %s: last band must end at %v", t.version, MaxRisk)
	}
	return nil
}

// Registry holds every loaded taxonomy version. It is built once at startup
// and never mutated.
type Registry struct {
	tables   map[string]*Table
	fallback string
}

type taxonomyDoc struct {
	Default  string `yaml:"default"`
	Versions []struct {
		Version string `yaml:"version"`
		Bands   []Band `yaml:"bands"`
	} `yaml:"versions"`
}

// ParseRegistry builds a registry from a YAML taxonomy document.
func ParseRegistry(data []byte) (*Registry, error) {
	var doc taxonomyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	reg := &Registry{tables: make(map[string]*Table), fallback: doc.Default}
	for _, v := range doc.Versions {
		bands := append([]Band(nil), v.Bands...)
		sort.SliceStable(bands, func(i, j int) bool { return bands[i].Min < bands[j].Min })
		t := &Table{version: v.Version, bands: bands}
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.tables[t.version]; dup {
			return nil, fmt.Errorf("taxonomy %s defined twice", t.version)
		}
		reg.tables[t.version] = t
	}
	if _, ok := reg.tables[reg.fallback]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownTaxonomy, reg.fallback)
	}
	return reg, nil
}

// DefaultRegistry returns the built-in taxonomy tables.
func DefaultRegistry() *Registry {
	reg, err := ParseRegistry(defaultTaxonomy)
	if err != nil {
		panic(fmt.Sprintf("built-in taxonomy: %v", err))
	}
	return reg
}

// LoadRegistry reads a taxonomy document from path, or returns the built-in
// tables when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// Table returns the table for version.
func (r *Registry) Table(version string) (*Table, error) {
	t, ok := r.tables[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaxonomy, version)
	}
	return t, nil
}

// Default returns the table named as default in the loaded document.
func (r *Registry) Default() *Table {
	return r.tables[r.fallback]
}

// Versions lists loaded versions in ascending order.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.tables))
	for v := range r.tables {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
