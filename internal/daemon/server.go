// Package daemon runs the HTTP service tying the keyring, ledger,
// gateway and scheduler together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/promptdesk/promptdesk/internal/config"
	"github.com/promptdesk/promptdesk/internal/gateway"
	"github.com/promptdesk/promptdesk/internal/keyring"
	"github.com/promptdesk/promptdesk/internal/scheduler"
	"github.com/promptdesk/promptdesk/internal/usage"
)

type Server struct {
	cfgMu     sync.Mutex
	cfg       config.Config
	saveMu    sync.Mutex
	cfgPath   string
	registry  *keyring.Registry
	ledger    *usage.Ledger
	logs      *usage.LogStore
	client    *gateway.Client
	sched     *scheduler.Runner
	httpSrv   *http.Server
	logger    *slog.Logger
	startedAt time.Time
	isRunning atomic.Bool
}

func NewServer(cfg config.Config, cfgPath string, registry *keyring.Registry, logs *usage.LogStore) *Server {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	s := &Server{
		cfg:      cfg,
		cfgPath:  cfgPath,
		registry: registry,
		ledger:   usage.NewLedger(registry),
		logs:     logs,
		client:   gateway.NewClient(registry, cfg.Providers, time.Duration(cfg.Request.TimeoutSeconds)*time.Second),
		sched:    scheduler.NewRunner(log),
		logger:   log,
	}
	for name, agent := range cfg.Agents {
		if agent.Schedule == "" {
			continue
		}
		if err := s.sched.Schedule(name, agent.Schedule, s.agentTask(name)); err != nil {
			s.logger.Warn("skipping agent with bad schedule", "agent", name, "error", err)
		}
	}
	return s
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Daemon.Host, s.cfg.Daemon.Port)
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.logs.DeleteOlderThan(ctx, s.cfg.Logging.RetentionDays); err != nil {
		s.logger.Warn("failed to clean old logs", "error", err)
	}
	s.startedAt = time.Now().UTC()

	mux := http.NewServeMux()
	mux.HandleFunc("/__promptdesk/health", s.handleHealth)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/keys", s.handleKeys)
	mux.HandleFunc("/v1/keys/activate", s.handleActivate)
	mux.HandleFunc("/v1/usage", s.handleUsage)
	mux.HandleFunc("/v1/log", s.handleLog)
	mux.HandleFunc("/v1/settings", s.handleSettings)
	mux.HandleFunc("/v1/agent/run", s.handleAgentRun)
	mux.HandleFunc("/v1/agent/schedule", s.handleAgentSchedule)

	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go s.sched.Run(schedCtx)

	errCh := make(chan error, 1)
	go func() {
		s.isRunning.Store(true)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		s.isRunning.Store(false)
		if err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.isRunning.Store(false)
	if err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// tuning returns the current sampling defaults and cost rates. Settings
// updates replace them at runtime, so reads go through the config lock.
func (s *Server) tuning() (config.RequestConfig, usage.Rates) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.Request, usage.Rates{
		PromptPer1K:     s.cfg.Rates.PromptPer1K,
		CompletionPer1K: s.cfg.Rates.CompletionPer1K,
	}
}

// saveConfig persists the current configuration. The encode works on a
// deep copy taken under cfgMu, so concurrent handlers mutating the agent
// or provider maps never race the TOML encoder, and saveMu serializes the
// writers themselves.
func (s *Server) saveConfig() error {
	s.cfgMu.Lock()
	snapshot := s.cfg.Clone()
	s.cfgMu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return config.Save(s.cfgPath, snapshot)
}

// complete runs one completion end to end: gateway call, ledger accrual,
// log row. Token accrual happens before the log write so a sqlite failure
// never loses counted usage.
func (s *Server) complete(ctx context.Context, source, system, user string, temperature float64, maxTokens int) (gateway.Result, usage.Summary, error) {
	req, rates := s.tuning()
	if temperature < 0 {
		temperature = req.Temperature
	}
	if maxTokens <= 0 {
		maxTokens = req.MaxTokens
	}
	if system == "" {
		system = req.SystemPrompt
	}

	started := time.Now()
	result, err := s.client.Complete(ctx, gateway.Request{
		System:      system,
		User:        user,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	latency := int(time.Since(started).Milliseconds())

	record := usage.CompletionRecord{
		ID:        ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		LatencyMS: latency,
	}
	if err != nil {
		record.ErrorType = errorType(err)
		record.ErrorMessage = err.Error()
		s.logCompletion(ctx, record)
		return gateway.Result{}, usage.Summary{}, err
	}

	if accErr := s.ledger.Record(result.Usage.PromptTokens, result.Usage.CompletionTokens); accErr != nil {
		s.logger.Warn("usage accrual did not persist", "error", accErr)
	}

	record.Provider = result.Provider
	record.Model = result.Model
	record.PromptTokens = result.Usage.PromptTokens
	record.CompletionTokens = result.Usage.CompletionTokens
	record.CostCents = usage.EstimateCostCents(rates, int64(result.Usage.PromptTokens), int64(result.Usage.CompletionTokens))
	s.logCompletion(ctx, record)

	return result, s.ledger.Summary(rates), nil
}

// agentTask wraps a configured agent as a schedulable task. The agent's
// prompt and system text are read at fire time so settings edits apply.
func (s *Server) agentTask(name string) scheduler.Task {
	return func(ctx context.Context) error {
		s.cfgMu.Lock()
		agent, ok := s.cfg.Agents[name]
		s.cfgMu.Unlock()
		if !ok {
			return fmt.Errorf("agent %q is not configured", name)
		}
		result, _, err := s.complete(ctx, "agent:"+name, agent.System, agent.Prompt, -1, 0)
		if err != nil {
			return err
		}
		s.logger.Info("agent completed", "agent", name, "reply_chars", len(result.Text))
		return nil
	}
}

func (s *Server) logCompletion(ctx context.Context, record usage.CompletionRecord) {
	if err := s.logs.LogCompletion(ctx, record); err != nil {
		s.logger.Warn("failed to store completion log", "error", err)
	}
}

// errorType maps sentinel errors onto the wire taxonomy.
func errorType(err error) string {
	switch {
	case errors.Is(err, gateway.ErrNoActiveCredential):
		return "no_active_credential"
	case errors.Is(err, gateway.ErrCompletion):
		return "completion_failed"
	case errors.Is(err, keyring.ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(err, keyring.ErrInvalidInput), errors.Is(err, config.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, keyring.ErrPersistence):
		return "persistence_failed"
	default:
		return "internal_error"
	}
}

// redactKey keeps enough of a secret to recognize it in a listing.
func redactKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}
