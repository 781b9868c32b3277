package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zinspection/riskengine/internal/artifact"
	"github.com/zinspection/riskengine/internal/assign"
	"github.com/zinspection/riskengine/internal/keylock"
	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/render"
	"github.com/zinspection/riskengine/internal/reports"
	"github.com/zinspection/riskengine/internal/risk"
	"github.com/zinspection/riskengine/internal/scoring"
	"github.com/zinspection/riskengine/internal/store"
)

const testToken = "test-token-0123456789"

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, f model.ArtifactFormat, _ *render.Document) ([]byte, error) {
	return []byte("document:" + string(f)), nil
}

type testServer struct {
	*httptest.Server
	store *store.Store
	files *artifact.Local
}

func newTestServer(t *testing.T, tokenHash string) *testServer {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	files, err := artifact.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	locks := keylock.New()
	guard, err := assign.New(ctx, s, nil, locks)
	if err != nil {
		t.Fatalf("assign.New: %v", err)
	}
	scorer := scoring.New(s, risk.DefaultAggregateOptions())
	taxonomies := risk.DefaultRegistry()
	rm, err := reports.New(reports.Config{
		Store: s, Files: files, Renderer: stubRenderer{}, Scorer: scorer, Guard: guard,
		Taxonomies: taxonomies, Locks: locks, LinkPrefix: APIPrefix,
	})
	if err != nil {
		t.Fatalf("reports.New: %v", err)
	}
	h, err := New(s, scorer, guard, rm, taxonomies, model.Config{APITokenHash: tokenHash})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: s, files: files}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, hdr ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestClassifyEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	tests := []struct {
		query  string
		status int
		level  string
		code   string
	}{
		{"?value=0", 200, "MINIMAL", ""},
		{"?value=0.79", 200, "MINIMAL", ""},
		{"?value=0.8", 200, "LOW", ""},
		{"?value=3.99", 200, "CRITICAL", ""},
		{"?value=4.0", 200, "CRITICAL", ""},
		{"", 200, "UNKNOWN", ""},
		{"?value=4.1", 400, "", "OUT_OF_RANGE"},
		{"?value=-0.1", 400, "", "OUT_OF_RANGE"},
		{"?value=abc", 400, "", "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, data := ts.do(t, "GET", "/api/v1/taxonomy/2024.2/classify"+tt.query, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, data)
			}
			if tt.code != "" {
				if got := decode[errorEnvelope](t, data); string(got.Error.Code) != tt.code {
					t.Errorf("code = %s, want %s", got.Error.Code, tt.code)
				}
				return
			}
			if got := decode[classificationView](t, data); got.Level != tt.level {
				t.Errorf("level = %s, want %s", got.Level, tt.level)
			}
		})
	}

	resp, _ := ts.do(t, "GET", "/api/v1/taxonomy/1999.1/classify?value=1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown version status = %d, want 404", resp.StatusCode)
	}
}

func TestClassifyLocalized(t *testing.T) {
	ts := newTestServer(t, "")
	resp, data := ts.do(t, "GET", "/api/v1/taxonomy/2024.2/classify?value=3", nil, "Accept-Language", "de-DE,de;q=0.9")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[classificationView](t, data)
	if got.LocalizedLabel != "Hohes Risiko" || got.Label != "High Risk" {
		t.Errorf("labels = %q / %q", got.LocalizedLabel, got.Label)
	}
	if resp.Header.Get("Content-Language") != "de" {
		t.Errorf("Content-Language = %q", resp.Header.Get("Content-Language"))
	}
}

func TestTaxonomyTables(t *testing.T) {
	ts := newTestServer(t, "")
	resp, data := ts.do(t, "GET", "/api/v1/taxonomy", nil)
	if resp.StatusCode != 200 || !strings.Contains(string(data), "2023.1") {
		t.Fatalf("versions: %d %s", resp.StatusCode, data)
	}
	resp, data = ts.do(t, "GET", "/api/v1/taxonomy/2023.1", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("table: %d %s", resp.StatusCode, data)
	}
	var table struct {
		Bands []bandView `json:"bands"`
	}
	if err := json.Unmarshal(data, &table); err != nil {
		t.Fatal(err)
	}
	if len(table.Bands) != 5 || table.Bands[1].Min != 0.5 {
		t.Errorf("bands = %+v", table.Bands)
	}
}

func TestTokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, string(hash))

	resp, data := ts.do(t, "GET", "/api/v1/projects/p1/assignments", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	if got := decode[errorEnvelope](t, data); got.Error.Code != "UNAUTHORIZED" {
		t.Errorf("code = %s", got.Error.Code)
	}
	resp, _ = ts.do(t, "GET", "/api/v1/projects/p1/assignments", nil, "Authorization", "Bearer wrong-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status %d", resp.StatusCode)
	}
	for i := 0; i < 2; i++ {
		resp, _ = ts.do(t, "GET", "/api/v1/projects/p1/assignments", nil, "Authorization", "Bearer "+testToken)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("valid token: status %d", resp.StatusCode)
		}
	}
	resp, _ = ts.do(t, "GET", "/api/v1/taxonomy", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("taxonomy should be public: status %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "GET", "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status %d", resp.StatusCode)
	}
}

func TestAssignmentEndpoints(t *testing.T) {
	ts := newTestServer(t, "")

	body := map[string]string{"projectId": "p1", "userId": "alice", "role": "ethical-expert"}
	resp, data := ts.do(t, "POST", "/api/v1/assignments", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first assign: %d %s", resp.StatusCode, data)
	}

	body["userId"] = "bob"
	resp, data = ts.do(t, "POST", "/api/v1/assignments", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second assign: %d %s", resp.StatusCode, data)
	}
	got := decode[errorEnvelope](t, data)
	if got.Error.Code != "ROLE_CARDINALITY_EXCEEDED" {
		t.Errorf("code = %s", got.Error.Code)
	}
	if got.Error.Details["currentCount"] != float64(1) || got.Error.Details["maxAllowed"] != float64(1) {
		t.Errorf("details = %v", got.Error.Details)
	}
	if !strings.Contains(got.Error.Message, "ethical-expert") {
		t.Errorf("message = %q", got.Error.Message)
	}

	resp, data = ts.do(t, "POST", "/api/v1/assignments", map[string]string{"projectId": "p1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid body: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, "GET", "/api/v1/projects/p1/assignments", nil)
	if resp.StatusCode != 200 || !strings.Contains(string(data), `"ready":true`) {
		t.Errorf("list: %d %s", resp.StatusCode, data)
	}

	body["userId"] = "alice"
	resp, _ = ts.do(t, "DELETE", "/api/v1/assignments", body)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("unassign: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "DELETE", "/api/v1/assignments", body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second unassign: %d", resp.StatusCode)
	}
}

const catalogJSON = `[
  {"questionnaireKey": "general", "code": "G1", "principle": "Transparency", "importance": 4,
   "options": [{"key": "yes", "score": 1}, {"key": "no", "score": 0}]},
  {"questionnaireKey": "general", "code": "G2", "principle": "Fairness", "importance": 2, "multiSelect": true,
   "options": [{"key": "a", "score": 0.2}, {"key": "b", "score": 0.8}]}
]`

func seedProject(t *testing.T, ts *testServer) {
	t.Helper()
	resp, data := ts.do(t, "POST", "/api/v1/catalog?name=general.json", catalogJSON)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("import catalog: %d %s", resp.StatusCode, data)
	}
	answers := map[string]any{"answers": []map[string]any{
		{"questionCode": "G1", "choice": map[string]any{"kind": "single", "key": "no"}},
		{"questionCode": "G2", "choice": map[string]any{"kind": "multi", "keys": []string{"a", "b"}}},
	}}
	resp, data = ts.do(t, "PUT", "/api/v1/projects/p1/responses/alice/general", answers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save answers: %d %s", resp.StatusCode, data)
	}
	resp, data = ts.do(t, "POST", "/api/v1/projects/p1/responses/alice/general/submit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", resp.StatusCode, data)
	}
}

func TestResponsesAndScores(t *testing.T) {
	ts := newTestServer(t, "")
	seedProject(t, ts)

	resp, data := ts.do(t, "POST", "/api/v1/catalog?name=general.json", catalogJSON)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"skipped":true`) {
		t.Errorf("re-import: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, "GET", "/api/v1/projects/p1/scores", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scores: %d %s", resp.StatusCode, data)
	}
	var rec struct {
		Respondent string     `json:"respondent"`
		Totals     risk.Stats `json:"totals"`
		Labeled    struct {
			Level string `json:"level"`
		} `json:"totalsLabeled"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	// G1: 4 * 1.0 = 4.0, G2: 2 * 0.5 = 1.0 -> average 2.5 -> HIGH
	if rec.Respondent != "combined" || rec.Totals.N != 2 || rec.Labeled.Level != "HIGH" {
		t.Errorf("record = %+v", rec)
	}

	resp, data = ts.do(t, "POST", "/api/v1/projects/p1/scores/recompute",
		map[string]string{"respondent": "alice", "questionnaire": "general"})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"respondent":"alice"`) {
		t.Errorf("recompute: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, "PUT", "/api/v1/projects/p1/responses/alice/general", map[string]any{"answers": []any{}})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("edit after submit: %d %s", resp.StatusCode, data)
	}

	bad := map[string]any{"answers": []map[string]any{{"questionCode": "G1", "choice": map[string]any{"kind": "maybe"}}}}
	resp, _ = ts.do(t, "PUT", "/api/v1/projects/p1/responses/bob/general", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad choice kind: %d", resp.StatusCode)
	}

	resp, data = ts.do(t, "GET", "/api/v1/projects/p1/responses/alice/general", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"kind":"multi"`) {
		t.Errorf("get response: %d %s", resp.StatusCode, data)
	}
}

func TestReportLifecycle(t *testing.T) {
	ts := newTestServer(t, "")
	seedProject(t, ts)

	resp, data := ts.do(t, "GET", "/api/v1/projects/p1/reports/latest", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("latest before generate: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, "POST", "/api/v1/projects/p1/reports", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate v1: %d %s", resp.StatusCode, data)
	}
	v1 := decode[model.ReportView](t, data)
	resp, data = ts.do(t, "POST", "/api/v1/projects/p1/reports", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate v2: %d %s", resp.StatusCode, data)
	}
	v2 := decode[model.ReportView](t, data)

	resp, data = ts.do(t, "GET", "/api/v1/projects/p1/reports/latest", nil)
	latest := decode[model.ReportView](t, data)
	if resp.StatusCode != 200 || latest.Report.ID != v2.Report.ID || !latest.Report.Latest {
		t.Fatalf("latest: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, "GET", "/api/v1/projects/p1/reports", nil)
	if resp.StatusCode != 200 || !strings.Contains(string(data), `"label":"v2 (Latest)"`) {
		t.Errorf("list: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, "GET", latest.Links["pdf"]+"?inline=1", nil)
	if resp.StatusCode != 200 || string(data) != "document:pdf" {
		t.Fatalf("download: %d %q", resp.StatusCode, data)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "inline;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if resp.Header.Get("X-Report-Version") != "2" || resp.Header.Get("X-Report-Latest") != "true" {
		t.Errorf("version headers: %v", resp.Header)
	}

	path := "/api/v1/reports/" + strconv.FormatInt(v1.Report.ID, 10)
	resp, data = ts.do(t, "GET", path+"/file/word", nil)
	if resp.StatusCode != 200 || resp.Header.Get("X-Report-Latest") != "false" || resp.Header.Get("X-Report-Warning") == "" {
		t.Errorf("stale download: %d %v", resp.StatusCode, resp.Header)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	resp, data = ts.do(t, "GET", path, nil)
	if view := decode[model.ReportView](t, data); resp.StatusCode != 200 || len(view.Warnings) == 0 {
		t.Errorf("stale get: %d %s", resp.StatusCode, data)
	}

	if err := ts.files.Delete(context.Background(), *v1.Report.PDFPath); err != nil {
		t.Fatal(err)
	}
	resp, data = ts.do(t, "GET", path+"/file/pdf", nil)
	if resp.StatusCode != http.StatusGone || decode[errorEnvelope](t, data).Error.Code != "FILE_MISSING" {
		t.Errorf("missing file: %d %s", resp.StatusCode, data)
	}
	resp, data = ts.do(t, "GET", path+"/validate", nil)
	c := decode[model.Consistency](t, data)
	if resp.StatusCode != 200 || c.IsValid || len(c.Errors) != 1 {
		t.Errorf("validate: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.do(t, "GET", "/api/v1/reports/999/file/pdf", nil)
	if resp.StatusCode != http.StatusNotFound || decode[errorEnvelope](t, data).Error.Code != "NOT_FOUND" {
		t.Errorf("missing report: %d %s", resp.StatusCode, data)
	}
	resp, _ = ts.do(t, "GET", "/api/v1/reports/abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id: %d", resp.StatusCode)
	}
}

func TestErrorMessagesLocalized(t *testing.T) {
	ts := newTestServer(t, "")
	tests := []struct {
		lang string
		want string
	}{
		{"", "The requested resource was not found."},
		{"de", "Die angeforderte Ressource wurde nicht gefunden."},
		{"fr-FR, de;q=0.5", "Die angeforderte Ressource wurde nicht gefunden."},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			resp, data := ts.do(t, "GET", "/api/v1/projects/none/reports/latest", nil, "Accept-Language", tt.lang)
			if resp.StatusCode != http.StatusNotFound {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if got := decode[errorEnvelope](t, data).Error.Message; got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
		})
	}
}
