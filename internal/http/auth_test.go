package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/concourse/internal/auth"
	"github.com/mistakeknot/concourse/internal/storage/sqlite"
)

// keyedEnv disables the localhost bypass so every request must carry a
// bearer key scoped to one project.
func newKeyedEnv(t *testing.T) *httptest.Server {
	t.Helper()
	st := sqlite.NewStoreTest(t)
	ring := auth.NewKeyring(false, map[string]string{"alpha-key": "alpha"})
	srv := httptest.NewServer(NewRouter(NewService(st), nil, auth.Middleware(ring)))
	t.Cleanup(srv.Close)
	return srv
}

func keyedRequest(t *testing.T, srv *httptest.Server, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestKeyedRequestRequiresAuth(t *testing.T) {
	srv := newKeyedEnv(t)

	resp := keyedRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	requireStatus(t, resp, http.StatusUnauthorized)
}

func TestKeyedRequestPinsProject(t *testing.T) {
	srv := newKeyedEnv(t)

	// No project_key in the body: the key's project applies.
	resp := keyedRequest(t, srv, http.MethodPost, "/api/agents", "alpha-key",
		registerAgentRequest{Name: "alice"})
	requireStatus(t, resp, http.StatusCreated)
	agent := decodeJSON[apiAgent](t, resp)
	if agent.ProjectKey != "alpha" {
		t.Fatalf("project = %s, want alpha", agent.ProjectKey)
	}

	// Naming another project is forbidden.
	resp = keyedRequest(t, srv, http.MethodPost, "/api/agents", "alpha-key",
		registerAgentRequest{ProjectKey: "beta", Name: "mallory"})
	requireStatus(t, resp, http.StatusForbidden)
}

func TestKeyedReadsScopedToKeyProject(t *testing.T) {
	srv := newKeyedEnv(t)

	resp := keyedRequest(t, srv, http.MethodPost, "/api/agents", "alpha-key",
		registerAgentRequest{Name: "alice"})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = keyedRequest(t, srv, http.MethodGet, "/api/agents", "alpha-key", nil)
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[struct {
		Agents []apiAgent `json:"agents"`
	}](t, resp)
	if len(body.Agents) != 1 || body.Agents[0].ProjectKey != "alpha" {
		t.Fatalf("agents = %+v", body.Agents)
	}

	resp = keyedRequest(t, srv, http.MethodGet, "/api/agents?project_key=beta", "alpha-key", nil)
	requireStatus(t, resp, http.StatusForbidden)
}
