package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/promptdesk/promptdesk/internal/config"
	"github.com/promptdesk/promptdesk/internal/gateway"
	"github.com/promptdesk/promptdesk/internal/keyring"
	"github.com/promptdesk/promptdesk/internal/scheduler"
	"github.com/promptdesk/promptdesk/internal/usage"
)

type credentialView struct {
	Index    int           `json:"index"`
	Provider string        `json:"provider"`
	Key      string        `json:"key"`
	Model    string        `json:"model"`
	Active   bool          `json:"active"`
	Usage    keyring.Usage `json:"usage"`
}

func credentialViews(creds []keyring.Credential) []credentialView {
	out := make([]credentialView, len(creds))
	for i, c := range creds {
		out[i] = credentialView{
			Index:    i,
			Provider: c.Provider,
			Key:      redactKey(c.Key),
			Model:    c.Model,
			Active:   c.Active,
			Usage:    c.Usage,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string, extra map[string]any) {
	body := map[string]any{"type": errType, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "promptdesk",
		"status":     "ok",
		"addr":       s.Addr(),
		"started_at": s.startedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Prompt      string  `json:"prompt"`
		System      string  `json:"system"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Source      string  `json:"source"`
	}
	req.Temperature = -1
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "request body is not valid JSON", nil)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "prompt must not be empty", nil)
		return
	}
	source := req.Source
	if source == "" {
		source = "chat"
	}

	result, summary, err := s.complete(r.Context(), source, req.System, req.Prompt, req.Temperature, req.MaxTokens)
	if err != nil {
		// Failed turns echo the prompt back so callers can retry or requeue it.
		extra := map[string]any{"prompt": req.Prompt}
		switch {
		case errors.Is(err, gateway.ErrNoActiveCredential):
			writeError(w, http.StatusConflict, "no_active_credential", "add and activate an API key first", extra)
		case errors.Is(err, gateway.ErrCompletion):
			writeError(w, http.StatusBadGateway, "completion_failed", err.Error(), extra)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), extra)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reply":    result.Text,
		"provider": result.Provider,
		"model":    result.Model,
		"usage":    summary,
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"keys": credentialViews(s.registry.List())})
	case http.MethodPost:
		var req struct {
			Provider string `json:"provider"`
			Key      string `json:"key"`
			Model    string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "request body is not valid JSON", nil)
			return
		}
		cred, err := s.registry.AddAndActivate(req.Provider, req.Key, req.Model)
		switch {
		case errors.Is(err, keyring.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
			return
		case errors.Is(err, keyring.ErrPersistence):
			writeError(w, http.StatusInternalServerError, "persistence_failed", err.Error(), nil)
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"provider": cred.Provider,
			"model":    cred.Model,
			"key":      redactKey(cred.Key),
			"active":   cred.Active,
		})
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Index *int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "body must carry an index", nil)
		return
	}
	cred, err := s.registry.Activate(*req.Index)
	switch {
	case errors.Is(err, keyring.ErrIndexOutOfRange):
		writeError(w, http.StatusBadRequest, "index_out_of_range", err.Error(), map[string]any{"count": s.registry.Len()})
		return
	case errors.Is(err, keyring.ErrPersistence):
		writeError(w, http.StatusInternalServerError, "persistence_failed", err.Error(), nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":    *req.Index,
		"provider": cred.Provider,
		"model":    cred.Model,
		"active":   cred.Active,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	_, rates := s.tuning()
	writeJSON(w, http.StatusOK, map[string]any{
		"session":     s.ledger.Summary(rates),
		"credentials": credentialViews(s.registry.List()),
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter := usageQueryFilter(q.Get("provider"), q.Get("model"), q.Get("source"), q.Get("limit"))
	records, err := s.logs.ListCompletions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completions": records})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		req, rates := s.tuning()
		writeJSON(w, http.StatusOK, settingsView(req, rates.PromptPer1K, rates.CompletionPer1K))
	case http.MethodPut:
		var req struct {
			Temperature     *float64 `json:"temperature"`
			MaxTokens       *int     `json:"max_tokens"`
			PromptPer1K     *float64 `json:"prompt_per_1k"`
			CompletionPer1K *float64 `json:"completion_per_1k"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "request body is not valid JSON", nil)
			return
		}

		s.cfgMu.Lock()
		temperature := s.cfg.Request.Temperature
		maxTokens := s.cfg.Request.MaxTokens
		promptRate := s.cfg.Rates.PromptPer1K
		completionRate := s.cfg.Rates.CompletionPer1K
		if req.Temperature != nil {
			temperature = *req.Temperature
		}
		if req.MaxTokens != nil {
			maxTokens = *req.MaxTokens
		}
		if req.PromptPer1K != nil {
			promptRate = *req.PromptPer1K
		}
		if req.CompletionPer1K != nil {
			completionRate = *req.CompletionPer1K
		}
		if err := s.cfg.SetTuning(temperature, maxTokens, promptRate, completionRate); err != nil {
			s.cfgMu.Unlock()
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
			return
		}
		request := s.cfg.Request
		s.cfgMu.Unlock()

		if err := s.saveConfig(); err != nil {
			writeError(w, http.StatusInternalServerError, "persistence_failed", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, settingsView(request, promptRate, completionRate))
	default:
		methodNotAllowed(w, "GET, PUT")
	}
}

func usageQueryFilter(provider, model, source, limit string) usage.QueryFilter {
	filter := usage.QueryFilter{Provider: provider, Model: model, Source: source, Limit: 50}
	if n, err := strconv.Atoi(limit); err == nil && n > 0 {
		filter.Limit = n
	}
	return filter
}

func settingsView(req config.RequestConfig, promptPer1K, completionPer1K float64) map[string]any {
	return map[string]any{
		"temperature":       req.Temperature,
		"max_tokens":        req.MaxTokens,
		"timeout_seconds":   req.TimeoutSeconds,
		"system_prompt":     req.SystemPrompt,
		"prompt_per_1k":     promptPer1K,
		"completion_per_1k": completionPer1K,
	}
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "body must name an agent", nil)
		return
	}
	err := s.sched.RunNow(r.Context(), req.Name)
	if errors.Is(err, scheduler.ErrUnknownTask) {
		// Configured but never scheduled agents can still run on demand.
		s.cfgMu.Lock()
		_, configured := s.cfg.Agents[req.Name]
		s.cfgMu.Unlock()
		if !configured {
			writeError(w, http.StatusNotFound, "invalid_input", "agent "+req.Name+" is not configured", nil)
			return
		}
		err = s.agentTask(req.Name)(r.Context())
	}
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrNoActiveCredential):
			writeError(w, http.StatusConflict, "no_active_credential", "add and activate an API key first", nil)
		default:
			writeError(w, http.StatusBadGateway, "completion_failed", err.Error(), nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": req.Name, "status": "completed"})
}

func (s *Server) handleAgentSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"schedule": s.sched.Entries()})
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
			At   string `json:"at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "body must carry an agent name and HH:MM time", nil)
			return
		}

		s.cfgMu.Lock()
		agent, ok := s.cfg.Agents[req.Name]
		s.cfgMu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "invalid_input", "agent "+req.Name+" is not configured", nil)
			return
		}
		if err := s.sched.Schedule(req.Name, req.At, s.agentTask(req.Name)); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
			return
		}

		s.cfgMu.Lock()
		agent.Schedule = req.At
		s.cfg.Agents[req.Name] = agent
		s.cfgMu.Unlock()
		if err := s.saveConfig(); err != nil {
			s.logger.Warn("failed to persist agent schedule", "agent", req.Name, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"agent": req.Name, "at": req.At})
	default:
		methodNotAllowed(w, "GET, POST")
	}
}
