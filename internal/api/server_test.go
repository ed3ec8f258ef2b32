package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/catfishapiagg/llmproxy/internal/config"
	"github.com/catfishapiagg/llmproxy/internal/dispatcher"
	"github.com/catfishapiagg/llmproxy/internal/logring"
	"github.com/catfishapiagg/llmproxy/internal/notify"
	"github.com/catfishapiagg/llmproxy/internal/policy"
	"github.com/catfishapiagg/llmproxy/internal/registry"
	"github.com/catfishapiagg/llmproxy/internal/state"
	"github.com/catfishapiagg/llmproxy/internal/storage"
)

func newTestServer(t *testing.T, adminKey string) *Server {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	reg := registry.New(store)
	states := state.New(store)
	notifier := notify.NewNotifier(&notify.WebhookConfig{Enabled: false})
	disp := dispatcher.New(nil, 5*time.Second, notifier, states)
	pol := policy.NewPolicyServer(nil, store)
	ring := logring.New(logring.DefaultCapacity)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:        8080,
			AdminKey:    adminKey,
			DataDir:     dir,
			CORSOrigins: []string{"*"},
			StatsCache:  5 * time.Second,
		},
	}

	return NewServer(cfg, reg, states, disp, pol, notifier, ring)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("OPTIONS", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS origin header not set")
	}
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestChatCompletionsNoBackendsConfigured(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(`{"model":"gpt-4"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestChatCompletionsDispatchesToConfiguredUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, "secret")
	if _, err := s.registry.Create("default", registry.UpstreamFields{URL: strPtr(upstream.URL)}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewBufferString(`{"model":"default"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != `{"id":"ok"}` {
		t.Errorf("body = %s, want {\"id\":\"ok\"}", w.Body.String())
	}
}

func TestModelsListsSortedSchemeNames(t *testing.T) {
	s := newTestServer(t, "secret")
	if _, err := s.registry.Create("zebra", registry.UpstreamFields{URL: strPtr("http://a")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.registry.Create("alpha", registry.UpstreamFields{URL: strPtr("http://b")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[0].ID != "alpha" || resp.Data[1].ID != "zebra" {
		t.Errorf("data = %+v, want [alpha zebra]", resp.Data)
	}
}

func TestAdminAuthNoConfiguredKey(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest("GET", "/admin/config", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAdminAuthMissingHeader(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("GET", "/admin/config", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAdminAuthWrongKey(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("GET", "/admin/config", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAdminAuthBearerToken(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("GET", "/admin/config", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAdminCreateUpdateDeleteConfig(t *testing.T) {
	s := newTestServer(t, "secret")
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }

	createBody := bytes.NewBufferString(`{"scheme_name":"default","url":"http://upstream","priority":1}`)
	req := httptest.NewRequest("POST", "/admin/config", createBody)
	req.Header.Set("Content-Type", "application/json")
	auth(req)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	var created registry.Upstream
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created upstream missing ID")
	}

	updateBody := bytes.NewBufferString(`{"priority":5}`)
	req = httptest.NewRequest("PUT", "/admin/config/"+created.ID, updateBody)
	req.Header.Set("Content-Type", "application/json")
	auth(req)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	req = httptest.NewRequest("DELETE", "/admin/config/"+created.ID, nil)
	auth(req)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}

	req = httptest.NewRequest("DELETE", "/admin/config/"+created.ID, nil)
	auth(req)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAdminStats(t *testing.T) {
	s := newTestServer(t, "secret")

	req := httptest.NewRequest("GET", "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAdminLogs(t *testing.T) {
	s := newTestServer(t, "secret")
	s.ring.Append("hello world")

	req := httptest.NewRequest("GET", "/admin/logs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Logs []string `json:"logs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Logs) != 1 || resp.Logs[0] != "hello world" {
		t.Errorf("logs = %v, want [hello world]", resp.Logs)
	}
}

func TestAdminBlacklistRoundTrip(t *testing.T) {
	s := newTestServer(t, "secret")
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }

	body := bytes.NewBufferString(`{"value":"10.0.0.1"}`)
	req := httptest.NewRequest("POST", "/admin/security/blacklist", body)
	req.Header.Set("Content-Type", "application/json")
	auth(req)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %d, want %d", w.Code, http.StatusOK)
	}

	req = httptest.NewRequest("GET", "/admin/security/blacklist", nil)
	auth(req)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Blacklist []string `json:"blacklist"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Blacklist) != 1 || resp.Blacklist[0] != "10.0.0.1" {
		t.Errorf("blacklist = %v, want [10.0.0.1]", resp.Blacklist)
	}

	req = httptest.NewRequest("DELETE", "/admin/security/blacklist/10.0.0.1", nil)
	auth(req)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAdminAddBlacklistMissingValue(t *testing.T) {
	s := newTestServer(t, "secret")

	body := bytes.NewBufferString(`{"value":""}`)
	req := httptest.NewRequest("POST", "/admin/security/blacklist", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestServerStartStop(t *testing.T) {
	s := newTestServer(t, "secret")
	s.cfg.Server.Port = 0

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestServerStopNotStarted(t *testing.T) {
	s := newTestServer(t, "secret")
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func strPtr(s string) *string { return &s }
