package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/concourse/internal/auth"
	"github.com/mistakeknot/concourse/internal/storage/sqlite"
	"github.com/mistakeknot/concourse/internal/ws"
)

// testEnv bundles a Service + httptest.Server + ws.Hub for handler tests.
// Requests arrive from 127.0.0.1 so the localhost auth bypass applies and
// every request names its project explicitly.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewStoreTest(t)
	hub := ws.NewHub()
	svc := NewService(st).WithBroadcaster(hub)
	srv := httptest.NewServer(NewRouter(svc, hub.Handler(), auth.Middleware(nil)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: st}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func (e *testEnv) registerAgent(t *testing.T, projectKey, name string) apiAgent {
	t.Helper()
	resp := e.post(t, "/api/agents", registerAgentRequest{ProjectKey: projectKey, Name: name})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[apiAgent](t, resp)
}
