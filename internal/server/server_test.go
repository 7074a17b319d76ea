package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"curricula/internal/app"
	"curricula/internal/config"
	"curricula/internal/domain"
	"curricula/internal/events"
	"curricula/internal/repo"
	fx "curricula/internal/testfixture"
)

const testSecret = "test-secret"

type testServer struct {
	URL      string
	app      *app.Context
	launcher *app.Launcher
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	a, err := app.Open(context.Background(), app.Options{Workspace: workspace, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	a.Config.Optimization.MaxRounds = 2
	launcher := app.NewLauncher(a)
	handler, err := New(Config{
		App:      a,
		Launcher: launcher,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		app:      a,
		launcher: launcher,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			launcher.Shutdown(context.Background())
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, actor string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": actor}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("decode token: %v %s", err, string(data))
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func baselineBody(t *testing.T) map[string]any {
	t.Helper()
	data, err := json.Marshal(fx.Baseline())
	if err != nil {
		t.Fatalf("marshal baseline: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal baseline: %v", err)
	}
	return doc
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v %s", err, string(data))
	}
	return env.Error.Code
}

func TestHealthAndAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, string(data))
	}

	headers := login(t, srv, "alice")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "alice" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "start-run") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	err := srv.app.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "k1", ActorID: "ci-bot", KeyHash: repo.HashAPIKey("s3cret"), CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ci-bot") {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestStartRunLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"document":   baselineBody(t),
		"max_rounds": 2,
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start run: %d %s", res.StatusCode, string(data))
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID == "" || run.Status != domain.RunQueued || run.Major != "Software Engineering" {
		t.Fatalf("unexpected run %+v", run)
	}
	srv.launcher.Wait()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &run)
	if run.Status != domain.RunFinished || run.Outcome == "" {
		t.Fatalf("run not finished: %+v", run)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/report", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(data))
	}
	var rep domain.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.RunID != run.ID || rep.Rounds != run.Rounds {
		t.Fatalf("report %s/%d does not match run %+v", rep.RunID, rep.Rounds, run)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/rounds", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rounds: %d %s", res.StatusCode, string(data))
	}
	var rounds RoundList
	_ = json.Unmarshal(data, &rounds)
	if len(rounds.Items) != run.Rounds {
		t.Fatalf("rounds = %d, want %d", len(rounds.Items), run.Rounds)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/versions/0", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("version 0: %d %s", res.StatusCode, string(data))
	}
	var v0 VersionResponse
	_ = json.Unmarshal(data, &v0)
	if len(v0.Document.Courses) != 12 || v0.Digest == "" {
		t.Fatalf("unexpected baseline version %+v", v0)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/events?limit=1", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].Type != events.RunStarted || page.Items[0].ActorID != "alice" || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.ID+"/events?type=run.finished", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finished events: %d %s", res.StatusCode, string(data))
	}
	page = paginatedEvents{}
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.NextCursor != "" {
		t.Fatalf("unexpected finished events %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs", nil, headers)
	var list RunList
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list.Items) != 1 {
		t.Fatalf("list runs: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/cancel", nil, headers)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "run_not_active" {
		t.Fatalf("cancel finished run: %d %s", res.StatusCode, string(data))
	}
}

func TestStartRunFromYAMLContent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := login(t, srv, "alice")
	content := "courses:\n  - {id: A1, name: Intro, credits: 3, category: core}\n  - {id: A2, name: Next, credits: 3, category: core, prerequisites: [A1]}\n"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs", map[string]any{
		"format":  "yaml",
		"content": content,
		"major":   "Mathematics",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("start run: %d %s", res.StatusCode, string(data))
	}
	var run RunResponse
	_ = json.Unmarshal(data, &run)
	if run.Major != "Mathematics" {
		t.Fatalf("major = %q", run.Major)
	}
	srv.launcher.Wait()
}

func TestStartRunRejectsBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := login(t, srv, "alice")

	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"missing document", map[string]any{"max_rounds": 1}, http.StatusBadRequest, "bad_request"},
		{"dangling prerequisite", map[string]any{"format": "yaml", "content": "courses:\n  - {id: A, name: x, credits: 1, category: core, prerequisites: [B]}\n"}, http.StatusUnprocessableEntity, "invalid_document"},
		{"schema violation", map[string]any{"document": map[string]any{"courses": []any{map[string]any{"id": "A", "name": "x", "credits": -1, "category": "core"}}}}, http.StatusBadRequest, "invalid_document"},
		{"bad timeout", map[string]any{"document": baselineBody(t), "per_call_timeout": "soon"}, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", tc.body, headers)
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status %d %s", tc.name, res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != tc.code {
			t.Fatalf("%s: code %q", tc.name, code)
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/missing", nil, headers)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing run: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookDispatcher(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*http.Request
		bodies   [][]byte
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r)
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t)
	defer cleanup()
	r := srv.app.Repo
	appendEvent := func(typ string, round int) {
		t.Helper()
		tx, err := r.DB.BeginTx(context.Background(), nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		if err := (events.Writer{}).Append(context.Background(), tx, events.Entry{Type: typ, RunID: "run-1", Round: round}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	appendEvent(events.RunStarted, 0)
	d := NewWebhookDispatcher(r, []config.Webhook{{URL: hook.URL, Events: []string{events.RunFinished}, Secret: "shh"}}, discardLogger())
	d.DispatchOnce(context.Background())

	appendEvent(events.RoundCommitted, 1)
	appendEvent(events.RunFinished, 0)
	d.DispatchOnce(context.Background())
	d.DispatchOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(received))
	}
	req := received[0]
	if req.Header.Get("X-Curricula-Event") != events.RunFinished || req.Header.Get("X-Curricula-Run") != "run-1" {
		t.Fatalf("unexpected headers %v", req.Header)
	}
	if got, want := req.Header.Get("X-Curricula-Signature"), "sha256="+signPayload("shh", bodies[0]); got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
	var evt webhookEvent
	if err := json.Unmarshal(bodies[0], &evt); err != nil || evt.Type != events.RunFinished || evt.ActorID != events.SystemActor {
		t.Fatalf("unexpected body %s (%v)", string(bodies[0]), err)
	}
}

func TestDevTokenRoundTrip(t *testing.T) {
	token, err := signDevToken(testSecret, "bob", []string{"admin"}, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := authenticateJWT(token, testSecret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.ActorID != "bob" || len(p.Roles) != 1 || p.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := authenticateJWT(token, "other"); err == nil {
		t.Fatalf("expected signature failure")
	}
	expired, _ := signDevToken(testSecret, "bob", nil, time.Now().Add(-24*time.Hour))
	if _, err := authenticateJWT(expired, testSecret); err == nil {
		t.Fatalf("expected expiry failure")
	}
}
