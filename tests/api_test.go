package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"civic311/api"
	"civic311/config"
	"civic311/core/auth"
	"civic311/core/console"
	"civic311/core/rbac"
	"civic311/core/store"
)

const testServiceToken = "test-service-token"

type testEnv struct {
	ts        *httptest.Server
	cfg       *config.AppConfig
	requests  store.RequestsStore
	reference store.ReferenceStore
	engine    *console.Engine
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "civic311.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.AppConfig{
		SessionTTL: time.Hour,
		Requests:   config.RequestsConfig{RegNoFormat: "REQ-{year}-{seq:05}", SubmitBurst: 3, SubmitRefillSec: 3600},
		Console: config.ConsoleConfig{
			RefreshInterval: time.Hour,
			RequestTimeout:  5 * time.Second,
			ReferenceTTL:    time.Minute,
			ReferenceSize:   16,
		},
	}
	requests := store.NewRequestsStore(db)
	reference := store.NewReferenceStore(db)
	sessions := store.NewSessionsStore(db)
	sessionManager := auth.NewSessionManager(sessions, cfg, nil)
	policy, err := rbac.NewPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	// The engine reaches the records API over HTTP, so the listener has to
	// exist before the client. Route through an indirection that is filled
	// in once the full handler is built.
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	client, err := console.NewHTTPRecordsClient(ts.URL, testServiceToken, cfg.Console.RequestTimeout)
	if err != nil {
		t.Fatalf("records client: %v", err)
	}
	refCache := console.NewReferenceCache(cfg.Console.ReferenceSize, cfg.Console.ReferenceTTL)
	engine := console.NewEngine(client, refCache, cfg.Console.RefreshInterval, nil)

	srv := api.NewServer(api.ServerDeps{
		Cfg:            cfg,
		Requests:       requests,
		Reference:      reference,
		SessionManager: sessionManager,
		Policy:         policy,
		Engine:         engine,
		Logger:         nil,
		ServiceToken:   testServiceToken,
	})
	handler = srv.Handler()

	return &testEnv{ts: ts, cfg: cfg, requests: requests, reference: reference, engine: engine}
}

func (e *testEnv) seedStaff(t *testing.T, username, password, role string, departments ...int64) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	member := &store.StaffMember{
		Username:      username,
		PasswordHash:  hash,
		Role:          role,
		DepartmentIDs: departments,
		Active:        true,
	}
	if _, err := e.reference.CreateStaff(context.Background(), member); err != nil {
		t.Fatalf("seed staff: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, resp.StatusCode, data)
	}
	var out struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("login response %s: %v", data, err)
	}
	return out.Token
}

func (e *testEnv) submit(t *testing.T, description string) string {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/api/public/requests", "", map[string]any{
		"description": description,
		"address":     "12 Elm St",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: status %d body %s", resp.StatusCode, data)
	}
	var created store.Request
	if err := json.Unmarshal(data, &created); err != nil || created.RegNo == "" {
		t.Fatalf("submit response %s: %v", data, err)
	}
	return created.RegNo
}

func TestPublicSubmitAndTrack(t *testing.T) {
	env := setupEnv(t)

	regNo := env.submit(t, "pothole on elm")
	resp, data := env.do(t, http.MethodGet, "/api/public/requests/"+regNo, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("track: status %d", resp.StatusCode)
	}
	var tracked map[string]any
	if err := json.Unmarshal(data, &tracked); err != nil {
		t.Fatalf("track body %s: %v", data, err)
	}
	if tracked["status"] != "open" || tracked["reg_no"] != regNo {
		t.Fatalf("tracked = %v", tracked)
	}
	if _, leaked := tracked["assigned_to"]; leaked {
		t.Fatalf("track response leaks triage fields: %v", tracked)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/public/requests/REQ-2099-00001", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reg no: status %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/public/requests", "", map[string]any{"description": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank description: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/public/requests", "", map[string]any{"description": "x", "lat": 40.7})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("lat without long: status %d", resp.StatusCode)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	env := setupEnv(t)
	for i := 0; i < env.cfg.Requests.SubmitBurst; i++ {
		env.submit(t, fmt.Sprintf("report %d", i))
	}
	resp, _ := env.do(t, http.MethodPost, "/api/public/requests", "", map[string]any{"description": "one too many"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-burst submit: status %d", resp.StatusCode)
	}
}

func TestRouteGuards(t *testing.T) {
	env := setupEnv(t)
	env.seedStaff(t, "viewer1", "pw-viewer", "viewer")
	env.seedStaff(t, "agent1", "pw-agent", "agent")

	resp, _ := env.do(t, http.MethodGet, "/api/requests/", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/requests/", "bogus-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token: status %d", resp.StatusCode)
	}

	viewerToken := env.login(t, "viewer1", "pw-viewer")
	resp, _ = env.do(t, http.MethodGet, "/api/requests/", viewerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewer list: status %d", resp.StatusCode)
	}
	regNo := env.submit(t, "graffiti")
	resp, _ = env.do(t, http.MethodPatch, "/api/requests/"+regNo, viewerToken, map[string]any{"assigned_to": "agent1"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer patch: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/reference/departments", viewerToken, map[string]any{"name": "Streets"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer reference write: status %d", resp.StatusCode)
	}

	agentToken := env.login(t, "agent1", "pw-agent")
	resp, _ = env.do(t, http.MethodPatch, "/api/requests/"+regNo, agentToken, map[string]any{"assigned_to": "agent1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("agent patch: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/reference/departments", agentToken, map[string]any{"name": "Streets"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("agent reference write: status %d", resp.StatusCode)
	}
}

func TestServiceTokenGrantsRecordsAccess(t *testing.T) {
	env := setupEnv(t)
	env.submit(t, "fallen tree")

	resp, data := env.do(t, http.MethodGet, "/api/requests/", testServiceToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("service list: status %d body %s", resp.StatusCode, data)
	}
	var items []store.Request
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("service list body %s: %v", data, err)
	}
	if len(items) != 1 {
		t.Fatalf("service list = %d items", len(items))
	}
}

func TestLoginLogoutLifecycle(t *testing.T) {
	env := setupEnv(t)
	env.seedStaff(t, "agent1", "pw-agent", "agent")

	resp, _ := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "agent1", "password": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password login: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "ghost", "password": "pw"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user login: status %d", resp.StatusCode)
	}

	token := env.login(t, "agent1", "pw-agent")
	resp, data := env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d body %s", resp.StatusCode, data)
	}
	var me store.StaffMember
	if err := json.Unmarshal(data, &me); err != nil || me.Username != "agent1" {
		t.Fatalf("me body %s: %v", data, err)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/auth/me", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout: status %d", resp.StatusCode)
	}
}

func TestPatchVersionConflictOverHTTP(t *testing.T) {
	env := setupEnv(t)
	env.seedStaff(t, "agent1", "pw-agent", "agent")
	token := env.login(t, "agent1", "pw-agent")
	regNo := env.submit(t, "broken swing")

	resp, _ := env.do(t, http.MethodPatch, "/api/requests/"+regNo, token, map[string]any{"assigned_to": "agent1", "version": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first patch: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/requests/"+regNo, token, map[string]any{"assigned_to": "other", "version": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale patch: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/requests/"+regNo, token, map[string]any{"status": "pending"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/requests/"+regNo, token, map[string]any{"manual_priority_score": 42})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range score: status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/requests/REQ-2099-00001", token, map[string]any{"assigned_to": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reg no patch: status %d", resp.StatusCode)
	}
}

func TestConsoleFlow(t *testing.T) {
	env := setupEnv(t)
	env.seedStaff(t, "super1", "pw-super", "supervisor", 1)
	token := env.login(t, "super1", "pw-super")

	regNo := env.submit(t, "streetlight out on oak")
	env.submit(t, "overflowing bin")

	resp, data := env.do(t, http.MethodGet, "/api/console/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d body %s", resp.StatusCode, data)
	}
	var status struct {
		Loaded bool `json:"loaded"`
	}
	if err := json.Unmarshal(data, &status); err != nil || status.Loaded {
		t.Fatalf("pre-load status %s: %v", data, err)
	}

	resp, data = env.do(t, http.MethodPost, "/api/console/load", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load: %d body %s", resp.StatusCode, data)
	}

	resp, data = env.do(t, http.MethodGet, "/api/console/queue?workspace=active", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue: %d body %s", resp.StatusCode, data)
	}
	var view console.View
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("queue body %s: %v", data, err)
	}
	if len(view.Items) != 2 {
		t.Fatalf("queue items = %d, want 2", len(view.Items))
	}

	resp, data = env.do(t, http.MethodGet, "/api/console/requests/"+regNo+"/detail", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail: %d body %s", resp.StatusCode, data)
	}
	var detail struct {
		Incident console.Incident       `json:"incident"`
		Timeline []console.TimelineItem `json:"timeline"`
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("detail body %s: %v", data, err)
	}
	if detail.Incident.ExternalID != regNo {
		t.Fatalf("detail incident = %+v", detail.Incident)
	}
	if len(detail.Timeline) == 0 || detail.Timeline[0].Label != "Request submitted" {
		t.Fatalf("timeline = %+v", detail.Timeline)
	}

	resp, data = env.do(t, http.MethodPatch, "/api/console/requests/"+regNo, token, map[string]any{
		"manual_priority_score": 9,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("console patch: %d body %s", resp.StatusCode, data)
	}
	var patched console.Incident
	if err := json.Unmarshal(data, &patched); err != nil {
		t.Fatalf("patched body %s: %v", data, err)
	}
	if patched.ManualPriorityScore == nil || *patched.ManualPriorityScore != 9 {
		t.Fatalf("patched incident = %+v", patched)
	}
	if patched.Version != 2 {
		t.Fatalf("patched version = %d", patched.Version)
	}

	resp, data = env.do(t, http.MethodPost, "/api/console/detail/comments", token, map[string]any{"body": "on it"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("console comment: %d body %s", resp.StatusCode, data)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/console/restore?path=active/request/"+regNo, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore: %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/console/detail", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close detail: %d", resp.StatusCode)
	}
}
