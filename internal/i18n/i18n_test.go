package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/text/language"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return WithLanguage(context.Background(), language.Make(lang))
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "RiskLevelHIGH"); got != "High Risk" {
		t.Errorf("T(RiskLevelHIGH) = %q, want 'High Risk'", got)
	}
	if got := Td(ctx, "VersionLabelLatest", map[string]any{"Version": 3}); got != "v3 (Latest)" {
		t.Errorf("Td(VersionLabelLatest) = %q, want 'v3 (Latest)'", got)
	}
}

func TestTranslateGerman(t *testing.T) {
	ctx := initLang(t, "de")

	if got := T(ctx, "RiskLevelHIGH"); got != "Hohes Risiko" {
		t.Errorf("T(RiskLevelHIGH) = %q, want 'Hohes Risiko'", got)
	}
	if got := Td(ctx, "VersionLabelLatest", map[string]any{"Version": 3}); got != "v3 (Aktuell)" {
		t.Errorf("Td(VersionLabelLatest) = %q, want 'v3 (Aktuell)'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Tp(ctx, "WarnRoleShortfall", 1, map[string]any{"Role": "legal-expert", "Min": 2})
	if got != "Role legal-expert has 1 assignment, 2 required." {
		t.Errorf("Tp(one) = %q", got)
	}
	got = Tp(ctx, "WarnRoleShortfall", 0, map[string]any{"Role": "ethical-expert", "Min": 1})
	if got != "Role ethical-expert has 0 assignments, 1 required." {
		t.Errorf("Tp(other) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
	if Has(ctx, "NonExistentKey") {
		t.Error("Has(NonExistentKey) = true")
	}
}

func TestNegotiate(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	tests := []struct {
		prefs []string
		want  string
	}{
		{nil, "en"},
		{[]string{"de-DE,de;q=0.9,en;q=0.5"}, "de"},
		{[]string{"fr-FR"}, "en"},
		{[]string{"", "de"}, "de"},
		{[]string{"not a tag!!"}, "en"},
	}
	for _, tt := range tests {
		if got := Negotiate(tt.prefs...).String(); got != tt.want {
			t.Errorf("Negotiate(%q) = %q, want %q", tt.prefs, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "RiskLevelLOW")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "de")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "Geringes Risiko" || rec.Header().Get("Content-Language") != "de" {
		t.Errorf("header de: got %q, Content-Language %q", got, rec.Header().Get("Content-Language"))
	}

	req = httptest.NewRequest(http.MethodGet, "/?lang=en", nil)
	req.Header.Set("Accept-Language", "de")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Low Risk" {
		t.Errorf("query override: got %q", got)
	}
}
