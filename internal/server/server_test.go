package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"keel/internal/config"
	"keel/internal/db"
	"keel/internal/engine"
	"keel/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var testHeaders = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true, JWTSecret: "test-secret"},
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
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
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

func TestDecisionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"title": "Open a second production line",
		"owner": "founder",
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision status %d: %s", res.StatusCode, string(data))
	}
	var created DecisionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if created.Status != "draft" {
		t.Fatalf("expected draft, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+created.ID+"/artifact", map[string]any{
		"payload": map[string]any{"context": "demand exceeds capacity"},
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit artifact status %d: %s", res.StatusCode, string(data))
	}
	var version ArtifactVersionResponse
	if err := json.Unmarshal(data, &version); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if version.Version != 1 || version.Hash == "" {
		t.Fatalf("unexpected version %+v", version)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+created.ID+"/finalize", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+created.ID+"/signoff", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signoff status %d: %s", res.StatusCode, string(data))
	}
	var signed DecisionResponse
	_ = json.Unmarshal(data, &signed)
	if signed.Status != "signed_off" {
		t.Fatalf("expected signed_off, got %s", signed.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/decisions/"+created.ID+"/events", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var events []LedgerEventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	want := []string{"decision_created", "artifact_added", "finalized", "signed_off"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}
}

func TestFinalizeWithoutArtifactConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"title": "No artifact yet",
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision: %d %s", res.StatusCode, string(data))
	}
	var created DecisionResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+created.ID+"/finalize", nil, testHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "precondition_failed" {
		t.Fatalf("expected precondition_failed, got %q", envelope.Error.Code)
	}
}

func TestUnknownDecisionNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/decisions/nope", nil, testHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}
}

func TestRequestsWithoutCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/decisions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "jwt-user",
		"role":     "advisor",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/enterprises", map[string]any{
		"name": "Acme Foods",
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create enterprise with token: %d %s", res.StatusCode, string(data))
	}
}

func TestPlanCommitRejectsTooManyIDs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"title": "Plan target",
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision: %d %s", res.StatusCode, string(data))
	}
	var created DecisionResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+created.ID+"/artifact", map[string]any{
		"payload": map[string]any{
			"emr": map[string]any{
				"milestones": []map[string]any{
					{"id": "m1"}, {"id": "m2"}, {"id": "m3"}, {"id": "m4"},
				},
			},
		},
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit artifact: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions/"+created.ID+"/plan", map[string]any{
		"must_do_ids": []string{"m1", "m2", "m3", "m4"},
	}, testHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for oversized plan, got %d %s", res.StatusCode, string(data))
	}
}

func TestEnterpriseScoresOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/enterprises", map[string]any{
		"name": "Scored Co",
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create enterprise: %d %s", res.StatusCode, string(data))
	}
	var ent EnterpriseResponse
	_ = json.Unmarshal(data, &ent)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"enterprise_id": ent.ID,
		"title":         "Scored decision",
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/enterprises/"+ent.ID+"/activation", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activation: %d %s", res.StatusCode, string(data))
	}
	var activation struct {
		Percent float64 `json:"percent"`
	}
	if err := json.Unmarshal(data, &activation); err != nil {
		t.Fatalf("unmarshal activation: %v", err)
	}
	if activation.Percent != 40 {
		t.Fatalf("expected 40%% activation, got %v", activation.Percent)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/enterprises/"+ent.ID+"/health", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/enterprises/"+ent.ID+"/readiness-index", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readiness index: %d %s", res.StatusCode, string(data))
	}
	var index struct {
		Band string `json:"band"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		t.Fatalf("unmarshal index: %v", err)
	}
	if index.Band == "" {
		t.Fatal("expected a band")
	}
}

func TestDecisionExportFormats(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"title": "Exported decision",
	}, testHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create decision: %d %s", res.StatusCode, string(data))
	}
	var created DecisionResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/decisions/"+created.ID+"/export", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("json export: %d %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %s", ct)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/decisions/"+created.ID+"/export?format=csv", nil, testHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("csv export: %d %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected csv content type, got %s", ct)
	}
	if !bytes.HasPrefix(data, []byte("record_type,")) {
		t.Fatalf("expected tabular header, got %s", string(data[:min(len(data), 60)]))
	}
}
