package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

var jsonUnmarshal = json.Unmarshal

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

type localized struct {
	loc *i18n.Localizer
	tag language.Tag
}

var (
	mu      sync.RWMutex
	bundle  *i18n.Bundle
	matcher language.Matcher
)

// Init loads the translation bundle with lang as the default language.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", jsonUnmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}

	// The default language goes first so the matcher falls back to it.
	tags := []language.Tag{tag}
	for _, t := range b.LanguageTags() {
		if t != tag {
			tags = append(tags, t)
		}
	}

	mu.Lock()
	bundle = b
	matcher = language.NewMatcher(tags)
	mu.Unlock()
	return nil
}

func current() (*i18n.Bundle, language.Matcher) {
	mu.RLock()
	b, m := bundle, matcher
	mu.RUnlock()
	if b != nil {
		return b, m
	}
	if err := Init("en"); err != nil {
		panic(err)
	}
	return current()
}

// Languages returns the tags the bundle has translations for.
func Languages() []language.Tag {
	b, _ := current()
	return b.LanguageTags()
}

// Negotiate picks the supported language that best matches the given
// Accept-Language style preferences.
func Negotiate(prefs ...string) language.Tag {
	_, m := current()
	var desired []language.Tag
	for _, p := range prefs {
		tags, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		desired = append(desired, tags...)
	}
	tag, _, _ := m.Match(desired...)
	base, _ := tag.Base()
	return language.Make(base.String())
}

// NewLocalizer creates a localizer for the given language.
func NewLocalizer(lang string) *i18n.Localizer {
	b, _ := current()
	return i18n.NewLocalizer(b, lang)
}

// WithLanguage stores a localizer for tag in the context.
func WithLanguage(ctx context.Context, tag language.Tag) context.Context {
	return context.WithValue(ctx, ctxKey{}, localized{loc: NewLocalizer(tag.String()), tag: tag})
}

// Lang returns the language stored in ctx, or the bundle default.
func Lang(ctx context.Context) string {
	if l, ok := ctx.Value(ctxKey{}).(localized); ok {
		return l.tag.String()
	}
	return Negotiate().String()
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if l, ok := ctx.Value(ctxKey{}).(localized); ok {
		return l.loc
	}
	return NewLocalizer(Negotiate().String())
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return Td(ctx, msgID, nil)
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	s, err := localizerFromCtx(ctx).Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}

// Tp translates a pluralized message by ID. data may add template fields beside Count.
func Tp(ctx context.Context, msgID string, count int, data map[string]any) string {
	td := map[string]any{"Count": count}
	for k, v := range data {
		td[k] = v
	}
	s, err := localizerFromCtx(ctx).Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: td,
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}

// Has reports whether msgID has a translation in ctx's language or the default.
func Has(ctx context.Context, msgID string) bool {
	_, err := localizerFromCtx(ctx).Localize(&i18n.LocalizeConfig{MessageID: msgID})
	return err == nil
}
