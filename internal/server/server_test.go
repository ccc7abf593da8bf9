package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"github.com/KamaTechOrg/BSDFlow/internal/app"
	"github.com/KamaTechOrg/BSDFlow/internal/server"
)

type testServer struct {
	URL    string
	App    *app.App
	Client *http.Client
}

func newTestServer(t *testing.T, auth server.AuthConfig) *testServer {
	t.Helper()
	a, err := app.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	if auth.Logger == nil {
		auth.Logger = log.New(io.Discard, "", 0)
	}
	handler, err := server.New(server.Config{App: a, Auth: auth})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		Client: &http.Client{},
	}
}

// doJSON issues a request and returns the response with its body drained.
func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func devHeaders() map[string]string {
	return map[string]string{"X-Tenant": "acme", "X-Actor-Id": "tester"}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, server.AuthConfig{AllowHeaderAuth: true})

	resp, _ := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/types", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/types", nil, devHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("header auth: status = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", resp.StatusCode)
	}
}

func TestHeaderAuthDisabledWithSecret(t *testing.T) {
	ts := newTestServer(t, server.AuthConfig{JWTSecret: "test-secret"})

	resp, _ := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/types", nil, devHeaders())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("header auth with secret: status = %d, want 401", resp.StatusCode)
	}

	// Dev login mints a token that works as a bearer credential.
	resp, body := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/auth/dev/login",
		map[string]string{"tenant": "acme", "actor_id": "tester"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login: status = %d body = %s", resp.StatusCode, body)
	}
	var login map[string]string
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	resp, _ = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/types", nil,
		map[string]string{"Authorization": "Bearer " + login["token"]})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth: status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/types", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", resp.StatusCode)
	}
}

func TestTypeAndEntityFlow(t *testing.T) {
	ts := newTestServer(t, server.AuthConfig{AllowHeaderAuth: true})
	h := devHeaders()

	resp, body := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/types", map[string]any{
		"name": "Person",
		"fields": []map[string]any{
			{"name": "email", "type": "string", "required": true, "validator": map[string]any{"name": "email"}},
			{"name": "age", "type": "number"},
		},
	}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create type: status = %d body = %s", resp.StatusCode, body)
	}
	var created struct {
		ID     string `json:"id"`
		Fields []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode type: %v", err)
	}
	fieldID := map[string]string{}
	for _, f := range created.Fields {
		fieldID[f.Name] = f.ID
	}

	// Missing required field plus a validator failure, both reported.
	resp, body = doJSON(t, ts.Client, http.MethodPost,
		fmt.Sprintf("%s/api/v1/types/%s/entities", ts.URL, created.ID),
		map[string]any{"fields": map[string]any{fieldID["age"]: -1}}, h)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid entity: status = %d body = %s", resp.StatusCode, body)
	}
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Violations []map[string]any `json:"violations"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if apiErr.Error.Code != "validation_failed" || len(apiErr.Error.Details.Violations) == 0 {
		t.Fatalf("unexpected error envelope: %s", body)
	}

	resp, body = doJSON(t, ts.Client, http.MethodPost,
		fmt.Sprintf("%s/api/v1/types/%s/entities", ts.URL, created.ID),
		map[string]any{"fields": map[string]any{
			fieldID["email"]: "ada@x.com",
			fieldID["age"]:   36,
		}}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create entity: status = %d body = %s", resp.StatusCode, body)
	}
	var ent struct {
		ID       string `json:"id"`
		Revision int64  `json:"revision"`
	}
	if err := json.Unmarshal(body, &ent); err != nil {
		t.Fatalf("decode entity: %v", err)
	}

	entityURL := fmt.Sprintf("%s/api/v1/types/%s/entities/%s", ts.URL, created.ID, ent.ID)
	resp, body = doJSON(t, ts.Client, http.MethodPatch, entityURL, map[string]any{
		"fields":   map[string]any{fieldID["age"]: 37},
		"revision": ent.Revision,
	}, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update entity: status = %d body = %s", resp.StatusCode, body)
	}

	// Replay with the stale revision.
	resp, body = doJSON(t, ts.Client, http.MethodPatch, entityURL, map[string]any{
		"fields":   map[string]any{fieldID["age"]: 38},
		"revision": ent.Revision,
	}, h)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale revision: status = %d body = %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/types/nope", nil, h)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown type: status = %d, want 404", resp.StatusCode)
	}
}

func TestEventFlow(t *testing.T) {
	ts := newTestServer(t, server.AuthConfig{AllowHeaderAuth: true})
	h := devHeaders()

	resp, body := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/types", map[string]any{
		"name": "Person",
		"fields": []map[string]any{
			{"name": "email", "type": "string", "required": true},
			{"name": "status", "type": "string"},
		},
	}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create type: %d %s", resp.StatusCode, body)
	}
	var typ struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &typ)

	resp, body = doJSON(t, ts.Client, http.MethodPost,
		fmt.Sprintf("%s/api/v1/types/%s/entities", ts.URL, typ.ID),
		map[string]any{"id": "p1", "fields": map[string]any{}}, h)
	if resp.StatusCode == http.StatusCreated {
		t.Fatalf("entity without required email should fail")
	}

	// Field values are keyed by field id on the wire; fetch them.
	resp, body = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/types/"+typ.ID, nil, h)
	var typFull struct {
		Fields []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"fields"`
	}
	json.Unmarshal(body, &typFull)
	emailID := ""
	for _, f := range typFull.Fields {
		if f.Name == "email" {
			emailID = f.ID
		}
	}
	resp, body = doJSON(t, ts.Client, http.MethodPost,
		fmt.Sprintf("%s/api/v1/types/%s/entities", ts.URL, typ.ID),
		map[string]any{"id": "p1", "fields": map[string]any{emailID: "ada@x.com"}}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create entity: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/queries",
		map[string]any{"id": "q1", "source": "entity", "field": "email"}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create query: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/conditions", map[string]any{
		"id": "c1",
		"tree": map[string]any{
			"kind":   "single",
			"single": map[string]any{"query_id": "q1", "operator": "EQ", "value": "ada@x.com"},
		},
	}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create condition: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/processes", map[string]any{
		"id":   "proc1",
		"name": "verify",
		"steps": []map[string]any{
			{"kind": "condition", "condition": map[string]any{"condition_id": "c1"}},
			{"kind": "action", "action": map[string]any{"type": "none"}},
		},
	}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create process: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/events", map[string]any{
		"process_id": "proc1",
		"entities":   []map[string]string{{"type": typ.ID, "id": "p1"}},
	}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start event: %d %s", resp.StatusCode, body)
	}
	var ev struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	json.Unmarshal(body, &ev)
	if ev.Status != "running" {
		t.Fatalf("fresh event status = %s", ev.Status)
	}

	advanceURL := fmt.Sprintf("%s/api/v1/events/%s/advance", ts.URL, ev.ID)
	resp, body = doJSON(t, ts.Client, http.MethodPost, advanceURL, nil, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance 1: %d %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.Client, http.MethodPost, advanceURL, nil, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance 2: %d %s", resp.StatusCode, body)
	}
	var done struct {
		Status string `json:"status"`
		Cursor int    `json:"cursor"`
	}
	json.Unmarshal(body, &done)
	if done.Status != "completed" || done.Cursor != 2 {
		t.Fatalf("after two advances: %+v body=%s", done, body)
	}

	// The journal saw the whole story.
	resp, body = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/api/v1/journal?limit=50", nil, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("journal: %d %s", resp.StatusCode, body)
	}
	var entries []struct {
		Type string `json:"type"`
	}
	json.Unmarshal(body, &entries)
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Type] = true
	}
	for _, want := range []string{"type.created", "entity.created", "process.created", "event.started", "step.satisfied", "step.executed"} {
		if !seen[want] {
			t.Fatalf("journal missing %s; got %s", want, body)
		}
	}
}

func TestAbortEvent(t *testing.T) {
	ts := newTestServer(t, server.AuthConfig{AllowHeaderAuth: true})
	h := devHeaders()

	resp, body := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/queries",
		map[string]any{"id": "q1", "source": "event", "field": "status"}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create query: %d %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/conditions", map[string]any{
		"id": "c1",
		"tree": map[string]any{
			"kind":   "single",
			"single": map[string]any{"query_id": "q1", "operator": "EQ", "value": "never"},
		},
	}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create condition: %d %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/processes", map[string]any{
		"id":   "proc1",
		"name": "stuck",
		"steps": []map[string]any{
			{"kind": "condition", "condition": map[string]any{"condition_id": "c1"}},
		},
	}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create process: %d %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.Client, http.MethodPost, ts.URL+"/api/v1/events",
		map[string]any{"process_id": "proc1"}, h)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start event: %d %s", resp.StatusCode, body)
	}
	var ev struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &ev)

	resp, body = doJSON(t, ts.Client, http.MethodPost,
		fmt.Sprintf("%s/api/v1/events/%s/abort", ts.URL, ev.ID), nil, h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("abort: %d %s", resp.StatusCode, body)
	}
	var aborted struct {
		Status string `json:"status"`
	}
	json.Unmarshal(body, &aborted)
	if aborted.Status != "aborted" {
		t.Fatalf("status = %s, want aborted", aborted.Status)
	}
}
