package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/promptdesk/promptdesk/internal/config"
	"github.com/promptdesk/promptdesk/internal/keyring"
	"github.com/promptdesk/promptdesk/internal/usage"
)

// fakeUpstream answers chat completion calls with a fixed reply and usage.
func fakeUpstream(t *testing.T, promptTokens, completionTokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "stub reply"}}},
			"usage":   map[string]any{"prompt_tokens": promptTokens, "completion_tokens": completionTokens},
		})
	}))
}

func newTestServer(t *testing.T, upstream string) *Server {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Keyring.Path = filepath.Join(dir, "api_keys.json")
	cfg.Logging.DBPath = filepath.Join(dir, "promptdesk.db")
	if upstream != "" {
		cfg.Providers["openai"] = config.ProviderConfig{Upstream: upstream}
	}

	store, err := keyring.NewFileStore(cfg.Keyring.Path)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	registry, err := keyring.NewRegistry(store)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	logs, err := usage.Open(cfg.Logging.DBPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { logs.Close() })

	return NewServer(cfg, filepath.Join(dir, "config.toml"), registry, logs)
}

func addKey(t *testing.T, s *Server) {
	t.Helper()
	if _, err := s.registry.AddAndActivate("openai", "sk-test-0123456789", "gpt-4o"); err != nil {
		t.Fatalf("AddAndActivate() error = %v", err)
	}
}

func postJSON(handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func TestChatEndToEnd(t *testing.T) {
	upstream := fakeUpstream(t, 1000, 2000)
	defer upstream.Close()
	s := newTestServer(t, upstream.URL)
	addKey(t, s)

	rec := postJSON(s.handleChat, "/v1/chat", map[string]any{"prompt": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["reply"] != "stub reply" {
		t.Errorf("reply = %v", body["reply"])
	}
	summary := body["usage"].(map[string]any)
	if got := summary["total_tokens"].(float64); got != 3000 {
		t.Errorf("total_tokens = %v, want 3000", got)
	}
	if got := summary["estimated_cost"].(float64); math.Abs(got-0.15) > 1e-9 {
		t.Errorf("estimated_cost = %v, want 0.15", got)
	}

	// The credential counters were written through.
	creds := s.registry.List()
	if creds[0].Usage.PromptTokens != 1000 || creds[0].Usage.CompletionTokens != 2000 {
		t.Errorf("credential usage = %+v", creds[0].Usage)
	}

	// And the completion landed in the log.
	records, err := s.logs.ListCompletions(context.Background(), usage.QueryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListCompletions() error = %v", err)
	}
	if len(records) != 1 || records[0].Source != "chat" || records[0].CostCents != 15 {
		t.Errorf("log records = %+v", records)
	}
}

func TestChatWithoutActiveCredential(t *testing.T) {
	s := newTestServer(t, "")

	rec := postJSON(s.handleChat, "/v1/chat", map[string]any{"prompt": "hello"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	errBody := decodeBody(t, rec)["error"].(map[string]any)
	if errBody["type"] != "no_active_credential" {
		t.Errorf("error type = %v", errBody["type"])
	}
	if errBody["prompt"] != "hello" {
		t.Errorf("failed turn should echo the prompt back, got %v", errBody["prompt"])
	}
}

func TestChatRejectsEmptyPrompt(t *testing.T) {
	s := newTestServer(t, "")
	rec := postJSON(s.handleChat, "/v1/chat", map[string]any{"prompt": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if errBody := decodeBody(t, rec)["error"].(map[string]any); errBody["type"] != "invalid_input" {
		t.Errorf("error type = %v", errBody["type"])
	}
}

func TestChatUpstreamFailureEchoesPrompt(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "overloaded"}})
	}))
	defer upstream.Close()
	s := newTestServer(t, upstream.URL)
	addKey(t, s)

	rec := postJSON(s.handleChat, "/v1/chat", map[string]any{"prompt": "try me"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	errBody := decodeBody(t, rec)["error"].(map[string]any)
	if errBody["type"] != "completion_failed" || errBody["prompt"] != "try me" {
		t.Errorf("error = %v", errBody)
	}

	// Failures charge nothing.
	if sum := s.ledger.Summary(usage.Rates{}); sum.TotalTokens != 0 {
		t.Errorf("failed completion accrued %d tokens", sum.TotalTokens)
	}
	records, err := s.logs.ListCompletions(context.Background(), usage.QueryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListCompletions() error = %v", err)
	}
	if len(records) != 1 || records[0].ErrorType != "completion_failed" {
		t.Errorf("log records = %+v", records)
	}
}

func TestKeysAddListActivate(t *testing.T) {
	s := newTestServer(t, "")

	rec := postJSON(s.handleKeys, "/v1/keys", map[string]any{
		"provider": "openai", "key": "sk-test-0123456789", "model": "gpt-4o",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add key status = %d, body %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	listRec := httptest.NewRecorder()
	s.handleKeys(listRec, listReq)
	keys := decodeBody(t, listRec)["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	entry := keys[0].(map[string]any)
	if entry["key"] == "sk-test-0123456789" {
		t.Errorf("listing leaked the full secret")
	}
	if entry["active"] != true {
		t.Errorf("added key should be active")
	}

	rec = postJSON(s.handleActivate, "/v1/keys/activate", map[string]any{"index": 5})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("activate(5) status = %d, want 400", rec.Code)
	}
	if errBody := decodeBody(t, rec)["error"].(map[string]any); errBody["type"] != "index_out_of_range" {
		t.Errorf("error type = %v", errBody["type"])
	}
	// The rejected activation left the collection alone.
	if cred, ok := s.registry.Active(); !ok || cred.Model != "gpt-4o" {
		t.Errorf("active credential changed after rejected index")
	}
}

func TestSettingsUpdateIsAllOrNothing(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPut, "/v1/settings",
		bytes.NewReader([]byte(`{"temperature": 9.5, "max_tokens": 500}`)))
	rec := httptest.NewRecorder()
	s.handleSettings(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// Neither field changed, including the valid one.
	getRec := httptest.NewRecorder()
	s.handleSettings(getRec, httptest.NewRequest(http.MethodGet, "/v1/settings", nil))
	got := decodeBody(t, getRec)
	if got["temperature"].(float64) != config.DefaultTemperature {
		t.Errorf("temperature = %v, want default kept", got["temperature"])
	}
	if int(got["max_tokens"].(float64)) != config.DefaultMaxTokens {
		t.Errorf("max_tokens = %v, want default kept", got["max_tokens"])
	}

	req = httptest.NewRequest(http.MethodPut, "/v1/settings",
		bytes.NewReader([]byte(`{"temperature": 0.2, "max_tokens": 500}`)))
	rec = httptest.NewRecorder()
	s.handleSettings(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid update status = %d, body %s", rec.Code, rec.Body.String())
	}
	if reqCfg, _ := s.tuning(); reqCfg.Temperature != 0.2 || reqCfg.MaxTokens != 500 {
		t.Errorf("tuning = %+v after valid update", reqCfg)
	}
}

func TestAgentScheduleAndRun(t *testing.T) {
	upstream := fakeUpstream(t, 50, 80)
	defer upstream.Close()
	s := newTestServer(t, upstream.URL)
	addKey(t, s)

	rec := postJSON(s.handleAgentSchedule, "/v1/agent/schedule", map[string]any{"name": "recruiter", "at": "25:00"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad schedule status = %d, want 400", rec.Code)
	}

	rec = postJSON(s.handleAgentSchedule, "/v1/agent/schedule", map[string]any{"name": "recruiter", "at": "09:00"})
	if rec.Code != http.StatusOK {
		t.Fatalf("schedule status = %d, body %s", rec.Code, rec.Body.String())
	}

	listRec := httptest.NewRecorder()
	s.handleAgentSchedule(listRec, httptest.NewRequest(http.MethodGet, "/v1/agent/schedule", nil))
	entries := decodeBody(t, listRec)["schedule"].([]any)
	found := false
	for _, e := range entries {
		entry := e.(map[string]any)
		if entry["name"] == "recruiter" && entry["at"] == "09:00" {
			found = true
		}
	}
	if !found {
		t.Fatalf("schedule listing = %v", entries)
	}

	rec = postJSON(s.handleAgentRun, "/v1/agent/run", map[string]any{"name": "recruiter"})
	if rec.Code != http.StatusOK {
		t.Fatalf("run status = %d, body %s", rec.Code, rec.Body.String())
	}
	records, err := s.logs.ListCompletions(context.Background(), usage.QueryFilter{Source: "agent:recruiter", Limit: 10})
	if err != nil {
		t.Fatalf("ListCompletions() error = %v", err)
	}
	if len(records) != 1 || records[0].PromptTokens != 50 {
		t.Errorf("agent run records = %+v", records)
	}

	rec = postJSON(s.handleAgentRun, "/v1/agent/run", map[string]any{"name": "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent status = %d, want 404", rec.Code)
	}
}

func TestAgentScheduleConcurrentWithSave(t *testing.T) {
	s := newTestServer(t, "")

	const writers = 8
	const postsPerWriter = 10
	s.cfgMu.Lock()
	for i := 0; i < writers; i++ {
		s.cfg.Agents[fmt.Sprintf("agent-%d", i)] = config.AgentConfig{Prompt: "daily digest"}
	}
	s.cfgMu.Unlock()
	codes := make(chan int, writers*postsPerWriter)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("agent-%d", n)
			for j := 0; j < postsPerWriter; j++ {
				rec := postJSON(s.handleAgentSchedule, "/v1/agent/schedule", map[string]any{"name": name, "at": "09:00"})
				codes <- rec.Code
			}
		}(i)
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("schedule status = %d, want 200", code)
		}
	}

	// One more serial update so the file on disk reflects every agent added above.
	rec := postJSON(s.handleAgentSchedule, "/v1/agent/schedule", map[string]any{"name": "agent-0", "at": "10:30"})
	if rec.Code != http.StatusOK {
		t.Fatalf("final schedule status = %d, want 200", rec.Code)
	}

	loaded, err := config.Load(s.cfgPath)
	if err != nil {
		t.Fatalf("Load() after concurrent schedules error = %v", err)
	}
	if loaded.Agents["agent-0"].Schedule != "10:30" {
		t.Errorf("agent-0 schedule = %q, want 10:30", loaded.Agents["agent-0"].Schedule)
	}
	for i := 1; i < writers; i++ {
		name := fmt.Sprintf("agent-%d", i)
		if loaded.Agents[name].Schedule != "09:00" {
			t.Errorf("agent %q schedule = %q, want 09:00", name, loaded.Agents[name].Schedule)
		}
	}
}
