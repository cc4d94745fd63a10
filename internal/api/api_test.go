package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/moraltorture/internal/analytics"
	"github.com/hazyhaar/moraltorture/internal/auth"
	"github.com/hazyhaar/moraltorture/internal/config"
	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/dilemma"
	"github.com/hazyhaar/moraltorture/internal/llm"
	"github.com/hazyhaar/moraltorture/internal/metrics"
	"github.com/hazyhaar/moraltorture/internal/story"
)

type fakeLLM struct {
	comp   *llm.Completion
	err    error
	ctxErr error
}

func (f *fakeLLM) Complete(ctx context.Context, _ string, _ llm.Request) (*llm.Completion, error) {
	f.ctxErr = ctx.Err()
	if f.err != nil {
		return nil, f.err
	}
	return f.comp, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []*db.AnalyticsEvent
}

func (s *eventSink) InsertEvents(_ context.Context, ev []*db.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev...)
	return nil
}

func (s *eventSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.ActionType)
	}
	return out
}

type testEnv struct {
	db       *db.DB
	llm      *fakeLLM
	sink     *eventSink
	recorder *analytics.Recorder
	auth     *auth.Auth
	handler  http.Handler
	checks   map[string]error
}

func newEnv(t *testing.T, service string) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	err = database.PutDilemmas(ctx, []*db.Dilemma{
		{ID: "d1-en", BaseID: "d1", Language: "en", Prompt: db.Prompt{Dilemma: "one", FirstAnswer: "A", SecondAnswer: "B"}},
		{ID: "d2-en", BaseID: "d2", Language: "en", Prompt: db.Prompt{Dilemma: "two"}},
		{ID: "d1-it", BaseID: "d1", Language: "it", Prompt: db.Prompt{Dilemma: "uno"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = database.PutFlows(ctx, []*db.StoryFlow{{
		ID: "heist-en", BaseID: "heist", Language: "en", Title: "Heist",
		Nodes: map[string]*db.StoryNode{
			"1": {NextNodeOnFirst: "2", NextNodeOnSecond: "9"},
			"2": {IsLeaf: true},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}

	hash, err := auth.HashPassword("letmein")
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		db:     database,
		llm:    &fakeLLM{comp: &llm.Completion{Model: "m1", Content: "You are a monster.", Raw: map[string]any{"model": "m1"}}},
		sink:   &eventSink{},
		auth:   auth.New("test-secret", 5, hash),
		checks: map[string]error{},
	}
	env.recorder = analytics.New(env.sink, analytics.Options{Salt: "s"})
	t.Cleanup(func() { env.recorder.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	a := New(Deps{
		Dilemmas:  dilemma.New(database, env.llm, m),
		Stories:   story.New(database, m),
		Store:     database,
		Auth:      env.auth,
		Analytics: env.recorder,
		Metrics:   m,
		Gatherer:  reg,
		Checks: []HealthCheck{
			{Name: "dilemmas", Critical: true, Check: func(context.Context) error { return env.checks["dilemmas"] }},
			{Name: "analytics", Check: func(context.Context) error { return env.checks["analytics"] }},
		},
		LLMRateLimit: 100,
	})
	env.handler = a.Handler(service, []string{"http://localhost:5173"})
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		buf, _ := json.Marshal(b)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not a JSON object: %q", rec.Body.String())
	}
	return m
}

func TestGetDilemma(t *testing.T) {
	env := newEnv(t, ServiceAll)

	for _, path := range []string{"/get-dilemma?language=it", "/api/v1/get-dilemma?language=it"} {
		rec := env.do(t, "GET", path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", path, rec.Code, rec.Body)
		}
		m := decode(t, rec)
		if m["_id"] != "d1-it" || m["language"] != "it" || m["yesCount"] != float64(0) {
			t.Fatalf("%s: body = %v", path, m)
		}
	}

	rec := env.do(t, "GET", "/get-dilemma?language=en&exclude=d1-en", nil)
	if m := decode(t, rec); m["_id"] != "d2-en" {
		t.Fatalf("exclusion ignored: %v", m)
	}
	rec = env.do(t, "GET", "/get-dilemma?exclude=d1-en,d2-en", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("exhausted pool should reset, got %d", rec.Code)
	}

	if rec := env.do(t, "GET", "/get-dilemma?language=fr", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown language: status %d", rec.Code)
	}
	rec = env.do(t, "GET", "/get-dilemma?language=e1", nil)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] == nil {
		t.Errorf("bad language: status %d body %s", rec.Code, rec.Body)
	}
	for _, path := range []string{"/get-dilemma?language=", "/get-story-flow?language=", "/generate-dilemma?language="} {
		method := "GET"
		if strings.HasPrefix(path, "/generate") {
			method = "POST"
		}
		if rec := env.do(t, method, path, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s: status %d, want 400", method, path, rec.Code)
		}
	}
	ids := make([]string, 1001)
	for i := range ids {
		ids[i] = "x" + strconv.Itoa(i)
	}
	many := strings.Join(ids, ",")
	if rec := env.do(t, "GET", "/get-dilemma?exclude="+many, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized exclude: status %d", rec.Code)
	}
}

func TestVote(t *testing.T) {
	env := newEnv(t, ServiceAll)

	for i := 1; i <= 3; i++ {
		rec := env.do(t, "POST", "/vote", map[string]string{"_id": "d1-en", "vote": "no"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d: %s", rec.Code, rec.Body)
		}
		updated := decode(t, rec)["updated"].(map[string]any)
		if updated["noCount"] != float64(i) || updated["yesCount"] != float64(0) {
			t.Fatalf("vote %d: updated = %v", i, updated)
		}
	}

	cases := []struct {
		body any
		want int
	}{
		{map[string]string{"_id": "ghost-en", "vote": "yes"}, http.StatusNotFound},
		{map[string]string{"_id": "d1-en", "vote": "perhaps"}, http.StatusBadRequest},
		{map[string]string{"_id": "bad id!", "vote": "yes"}, http.StatusBadRequest},
		{"{not json", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := env.do(t, "POST", "/vote", tc.body); rec.Code != tc.want {
			t.Errorf("body %v: status %d, want %d", tc.body, rec.Code, tc.want)
		}
	}
}

func TestGenerateDilemma(t *testing.T) {
	env := newEnv(t, ServiceAll)

	rec := env.do(t, "POST", "/generate-dilemma?language=en", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["model"] != "m1" {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	env.llm.err = &llm.ExhaustedError{Attempts: []*llm.AttemptError{{Model: "m1", Msg: "Rate limit exceeded"}}}
	rec = env.do(t, "POST", "/generate-dilemma", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted chain: status %d", rec.Code)
	}
	if msg, _ := decode(t, rec)["error"].(string); !strings.Contains(msg, "All AI models are currently rate-limited") {
		t.Errorf("error = %q", msg)
	}

	env.llm.err = llm.ErrUnavailable
	if rec := env.do(t, "POST", "/generate-dilemma", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("unavailable: status %d", rec.Code)
	}
	env.llm.err = errors.Join(llm.ErrNoAPIKey)
	if rec := env.do(t, "POST", "/generate-dilemma", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("no key: status %d", rec.Code)
	}
}

func TestProviderCallOutlivesClient(t *testing.T) {
	env := newEnv(t, ServiceAll)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, tc := range []struct {
		path string
		body string
	}{
		{"/generate-dilemma", ""},
		{"/analyze-results", `{"answers": [{"empathy": 2}]}`},
	} {
		env.llm.ctxErr = nil
		req := httptest.NewRequest("POST", tc.path, strings.NewReader(tc.body)).WithContext(ctx)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", tc.path, rec.Code, rec.Body)
		}
		if env.llm.ctxErr != nil {
			t.Errorf("%s: provider saw a cancelled context: %v", tc.path, env.llm.ctxErr)
		}
	}
}

func TestAnalyzeResults(t *testing.T) {
	env := newEnv(t, ServiceAll)

	body := map[string]any{
		"answers": []map[string]float64{{"empathy": 2, "justice": 4}, {"empathy": 4, "justice": 6}},
	}
	rec := env.do(t, "POST", "/analyze-results?language=it", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	m := decode(t, rec)
	avg := m["averages"].(map[string]any)
	if m["analysis"] != "You are a monster." || avg["empathy"] != float64(3) || avg["justice"] != float64(5) {
		t.Fatalf("body = %v", m)
	}

	if rec := env.do(t, "POST", "/analyze-results", map[string]any{"answers": []any{}}); rec.Code != http.StatusBadRequest {
		t.Errorf("no answers: status %d", rec.Code)
	}

	overflow := map[string]any{"answers": []map[string]float64{{"empathy": 1e308}, {"empathy": 1e308}}}
	rec = env.do(t, "POST", "/analyze-results", overflow)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] == nil {
		t.Errorf("overflowing scores: status %d body %q", rec.Code, rec.Body)
	}

	env.llm.comp = &llm.Completion{Model: "m1"}
	if rec := env.do(t, "POST", "/analyze-results", body); rec.Code != http.StatusInternalServerError {
		t.Errorf("empty completion: status %d", rec.Code)
	}
}

func TestStoryFlow(t *testing.T) {
	env := newEnv(t, ServiceAll)

	rec := env.do(t, "GET", "/get-story-flow?language=en&flowId=heist", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if m := decode(t, rec); m["_id"] != "heist-en" || m["title"] != "Heist" {
		t.Fatalf("flow = %v", m)
	}
	if rec := env.do(t, "GET", "/get-story-flow?language=en", nil); rec.Code != http.StatusOK {
		t.Errorf("random flow: status %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/get-story-flow?language=en&flowId=nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown flow: status %d", rec.Code)
	}

	rec = env.do(t, "POST", "/story-node-vote", map[string]string{"flowId": "heist-en", "nodeId": "1", "vote": "first"})
	m := decode(t, rec)
	if rec.Code != http.StatusOK || m["nextNodeId"] != "2" || m["isComplete"] != false {
		t.Fatalf("first vote: %d %v", rec.Code, m)
	}

	rec = env.do(t, "POST", "/story-node-vote", map[string]string{"flowId": "heist-en", "nodeId": "1", "vote": "second"})
	m = decode(t, rec)
	if m["isComplete"] != true || m["nextNodeId"] != nil || m["nextNode"] != nil {
		t.Fatalf("dangling edge: %v", m)
	}
	if _, ok := m["nextNodeId"]; !ok {
		t.Error("nextNodeId must be present as null")
	}

	if rec := env.do(t, "POST", "/story-node-vote", map[string]string{"flowId": "heist-en", "nodeId": "5", "vote": "first"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown node: status %d", rec.Code)
	}
	if rec := env.do(t, "POST", "/story-node-vote", map[string]string{"flowId": "heist-en", "nodeId": "1", "vote": "left"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad vote: status %d", rec.Code)
	}
}

func TestServiceSplit(t *testing.T) {
	env := newEnv(t, ServiceStory)
	if rec := env.do(t, "GET", "/get-dilemma", nil); rec.Code != http.StatusNotFound {
		t.Errorf("story service must not serve dilemmas, got %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/get-story-flow", nil); rec.Code != http.StatusOK {
		t.Errorf("story service: status %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t, ServiceAll)

	rec := env.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "healthy" {
		t.Fatalf("healthy: %d %s", rec.Code, rec.Body)
	}

	env.checks["analytics"] = errors.New("table missing")
	rec = env.do(t, "GET", "/health", nil)
	m := decode(t, rec)
	if rec.Code != http.StatusServiceUnavailable || m["status"] != "degraded" {
		t.Fatalf("degraded: %d %v", rec.Code, m)
	}
	if checks := m["checks"].(map[string]any); checks["dilemmas"] != "ok" || checks["analytics"] != "error: table missing" {
		t.Errorf("checks = %v", checks)
	}

	env.checks["dilemmas"] = errors.New("db down")
	if m := decode(t, env.do(t, "GET", "/health", nil)); m["status"] != "unhealthy" {
		t.Fatalf("unhealthy: %v", m)
	}
}

func TestCORSAndHeaders(t *testing.T) {
	env := newEnv(t, ServiceAll)

	rec := env.do(t, "OPTIONS", "/vote", nil,
		"Origin", "http://localhost:5173", "Access-Control-Request-Method", "POST")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: status %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-Session-Id") {
		t.Error("X-Session-Id must be allowed")
	}

	rec = env.do(t, "GET", "/", nil, "Origin", "https://evil.example")
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin must not be allowed")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestAnalyticsRecorded(t *testing.T) {
	env := newEnv(t, ServiceAll)

	env.do(t, "GET", "/get-dilemma", nil, "X-Session-Id", "sess-1")
	env.do(t, "POST", "/vote", map[string]string{"_id": "d1-en", "vote": "yes"})
	env.do(t, "POST", "/vote", map[string]string{"_id": "ghost-en", "vote": "yes"})
	env.do(t, "POST", "/story-node-vote", map[string]string{"flowId": "heist-en", "nodeId": "1", "vote": "first"})
	env.recorder.Close()

	got := strings.Join(env.sink.actions(), ",")
	if got != "dilemma_fetched,vote_cast,story_node_vote" {
		t.Fatalf("events = %s", got)
	}
	if env.sink.events[0].SessionID != "sess-1" {
		t.Errorf("session id = %q", env.sink.events[0].SessionID)
	}
}

func TestAdminRoutes(t *testing.T) {
	env := newEnv(t, ServiceAll)

	if rec := env.do(t, "DELETE", "/admin/dilemmas?language=en", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}
	if rec := env.do(t, "POST", "/admin/login", map[string]string{"password": "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", rec.Code)
	}
	rec := env.do(t, "POST", "/admin/login", map[string]string{"password": "letmein"})
	token, _ := decode(t, rec)["token"].(string)
	if token == "" {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	bearer := "Bearer " + token

	rec = env.do(t, "PUT", "/admin/dilemmas?language=fr", `[{"_id": "trolley", "dilemma": "Le tramway"}]`, "Authorization", bearer)
	if rec.Code != http.StatusOK || decode(t, rec)["loaded"] != float64(1) {
		t.Fatalf("load: %d %s", rec.Code, rec.Body)
	}
	if m := decode(t, env.do(t, "GET", "/get-dilemma?language=fr", nil)); m["_id"] != "trolley-fr" {
		t.Fatalf("loaded dilemma not served: %v", m)
	}

	rec = env.do(t, "GET", "/admin/export?language=fr", nil, "Authorization", bearer)
	if rec.Code != http.StatusOK || strings.Count(rec.Body.String(), "\n") != 1 {
		t.Fatalf("export: %d %q", rec.Code, rec.Body)
	}

	if rec := env.do(t, "DELETE", "/admin/dilemmas", nil, "Authorization", bearer); rec.Code != http.StatusBadRequest {
		t.Errorf("unscoped delete must be refused, got %d", rec.Code)
	}
	rec = env.do(t, "DELETE", "/admin/dilemmas?language=fr", nil, "Authorization", bearer)
	if rec.Code != http.StatusOK || decode(t, rec)["deleted"] != float64(1) {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body)
	}
	rec = env.do(t, "DELETE", "/admin/story-flows?all=true", nil, "Authorization", bearer)
	if rec.Code != http.StatusOK || decode(t, rec)["deleted"] != float64(1) {
		t.Fatalf("delete flows: %d %s", rec.Code, rec.Body)
	}
}

func TestDefaultConfigServesNoAdminRoutes(t *testing.T) {
	t.Setenv("MTM_JWT_SECRET", "")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	env := newEnv(t, ServiceAll)
	a := New(Deps{
		Dilemmas: dilemma.New(env.db, env.llm, nil),
		Store:    env.db,
		Auth:     auth.FromConfig(cfg.Auth),
	})
	h := a.Handler(ServiceAll, nil)

	claims := auth.Claims{
		Role: auth.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "moraltorture",
			Subject:   "admin",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.PlaceholderJWTSecret))
	if err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{"/admin/dilemmas?all=true", "/admin/story-flows?all=true"} {
		req := httptest.NewRequest("DELETE", target, nil)
		req.Header.Set("Authorization", "Bearer "+forged)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status %d, admin routes must not be mounted", target, rec.Code)
		}
	}
	counts, err := env.db.CountDilemmas(context.Background())
	if err != nil || counts["en"] != 2 {
		t.Fatalf("dilemmas after forged delete = %v, %v", counts, err)
	}
}

func TestLLMRateLimit(t *testing.T) {
	env := newEnv(t, ServiceAll)
	a := New(Deps{Dilemmas: dilemma.New(env.db, env.llm, nil), LLMRateLimit: 1})
	h := a.Handler(ServiceDilemma, nil)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest("POST", "/generate-dilemma", nil))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest("POST", "/generate-dilemma", nil))
	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Fatalf("statuses %d, %d", first.Code, second.Code)
	}
	// Other endpoints are not limited.
	third := httptest.NewRecorder()
	h.ServeHTTP(third, httptest.NewRequest("GET", "/get-dilemma", nil))
	if third.Code != http.StatusOK {
		t.Fatalf("get-dilemma limited: %d", third.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, ServiceAll)
	env.do(t, "POST", "/vote", map[string]string{"_id": "d1-en", "vote": "yes"})

	rec := env.do(t, "GET", "/metrics", nil)
	body := rec.Body.String()
	if !strings.Contains(body, `mtm_http_requests_total{route="/vote",status="200"} 1`) {
		t.Errorf("http metric missing:\n%s", body)
	}
	if !strings.Contains(body, `mtm_votes_total{choice="yes"} 1`) {
		t.Errorf("vote metric missing")
	}
}

func TestSanitizeURL(t *testing.T) {
	req := httptest.NewRequest("GET", "/get-dilemma?language=en&exclude=a,b&session=secret", nil)
	if got := SanitizeURL(req.URL); got != "/get-dilemma?language=en" {
		t.Fatalf("SanitizeURL = %q", got)
	}
	req = httptest.NewRequest("GET", "/health?x=1", nil)
	if got := SanitizeURL(req.URL); got != "/health" {
		t.Fatalf("SanitizeURL = %q", got)
	}
}
