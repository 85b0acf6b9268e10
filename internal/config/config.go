package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort          = 9483
	DefaultHost          = "127.0.0.1"
	DefaultRetentionDays = 90

	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 150
	DefaultTimeoutSeconds  = 60
	DefaultPromptPer1K     = 0.03
	DefaultCompletionPer1K = 0.06
)

// ErrInvalidInput marks rejected settings updates; the prior values are kept.
var ErrInvalidInput = errors.New("invalid setting")

var scheduleRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

type DaemonConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type KeyringConfig struct {
	Path    string `toml:"path"`
	Backend string `toml:"backend"`
}

type LoggingConfig struct {
	DBPath        string `toml:"db_path"`
	RetentionDays int    `toml:"retention_days"`
}

type RatesConfig struct {
	PromptPer1K     float64 `toml:"prompt_per_1k"`
	CompletionPer1K float64 `toml:"completion_per_1k"`
}

type RequestConfig struct {
	Temperature    float64 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	SystemPrompt   string  `toml:"system_prompt"`
}

type ProviderConfig struct {
	Upstream     string            `toml:"upstream"`
	ExtraHeaders map[string]string `toml:"extra_headers"`
}

type AgentConfig struct {
	System   string `toml:"system"`
	Prompt   string `toml:"prompt"`
	Schedule string `toml:"schedule"`
}

type Config struct {
	Daemon    DaemonConfig              `toml:"daemon"`
	Keyring   KeyringConfig             `toml:"keyring"`
	Logging   LoggingConfig             `toml:"logging"`
	Rates     RatesConfig               `toml:"rates"`
	Request   RequestConfig             `toml:"request"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Agents    map[string]AgentConfig    `toml:"agents"`
}

// Clone returns a copy that shares no maps with the receiver, so one
// goroutine can encode the copy while another mutates the original.
func (c Config) Clone() Config {
	out := c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, provider := range c.Providers {
		if provider.ExtraHeaders != nil {
			headers := make(map[string]string, len(provider.ExtraHeaders))
			for k, v := range provider.ExtraHeaders {
				headers[k] = v
			}
			provider.ExtraHeaders = headers
		}
		out.Providers[name] = provider
	}
	out.Agents = make(map[string]AgentConfig, len(c.Agents))
	for name, agent := range c.Agents {
		out.Agents[name] = agent
	}
	return out
}

func DefaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai": {
			Upstream: "https://api.openai.com",
		},
		"anthropic": {
			Upstream: "https://api.anthropic.com",
			ExtraHeaders: map[string]string{
				"anthropic-version": "2023-06-01",
			},
		},
		"mistral": {
			Upstream: "https://api.mistral.ai",
		},
		"openrouter": {
			Upstream: "https://openrouter.ai/api",
		},
		"groq": {
			Upstream: "https://api.groq.com/openai",
		},
	}
}

func DefaultAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		"recruiter": {
			System: "You are a recruiting assistant.",
			Prompt: "Generate a daily summary of candidate profiles and schedule follow-up interviews.",
		},
	}
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			Port: DefaultPort,
			Host: DefaultHost,
		},
		Keyring: KeyringConfig{
			Path:    "~/.promptdesk/api_keys.json",
			Backend: "file",
		},
		Logging: LoggingConfig{
			DBPath:        "~/.promptdesk/promptdesk.db",
			RetentionDays: DefaultRetentionDays,
		},
		Rates: RatesConfig{
			PromptPer1K:     DefaultPromptPer1K,
			CompletionPer1K: DefaultCompletionPer1K,
		},
		Request: RequestConfig{
			Temperature:    DefaultTemperature,
			MaxTokens:      DefaultMaxTokens,
			TimeoutSeconds: DefaultTimeoutSeconds,
			SystemPrompt:   "You are a helpful assistant.",
		},
		Providers: DefaultProviders(),
		Agents:    DefaultAgents(),
	}
}

func DefaultConfigPath() string {
	return "~/.promptdesk/config.toml"
}

func DataDir() string {
	return "~/.promptdesk"
}

func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Clean(path), nil
}

func EnsureSecureDataDir() (string, error) {
	dir, err := ExpandPath(DataDir())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return "", fmt.Errorf("set data dir perms: %w", err)
	}
	return dir, nil
}

// ValidSchedule reports whether raw is a 24-hour HH:MM trigger time.
func ValidSchedule(raw string) bool {
	return scheduleRe.MatchString(strings.TrimSpace(raw))
}

// SetTuning replaces the request parameters and per-unit rates. The update is
// all-or-nothing: one out-of-range field rejects the whole update with
// ErrInvalidInput and the prior values stay in effect.
func (c *Config) SetTuning(temperature float64, maxTokens int, promptPer1K, completionPer1K float64) error {
	if temperature < 0.0 || temperature > 1.0 {
		return fmt.Errorf("%w: temperature %v not in [0.0, 1.0]", ErrInvalidInput, temperature)
	}
	if maxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens %d must be positive", ErrInvalidInput, maxTokens)
	}
	if promptPer1K <= 0 {
		return fmt.Errorf("%w: prompt_per_1k %v must be positive", ErrInvalidInput, promptPer1K)
	}
	if completionPer1K <= 0 {
		return fmt.Errorf("%w: completion_per_1k %v must be positive", ErrInvalidInput, completionPer1K)
	}
	c.Request.Temperature = temperature
	c.Request.MaxTokens = maxTokens
	c.Rates.PromptPer1K = promptPer1K
	c.Rates.CompletionPer1K = completionPer1K
	return nil
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return cfg, fmt.Errorf("expand config path: %w", err)
	}
	if _, err := os.Stat(expanded); err != nil {
		if os.IsNotExist(err) {
			return expandFilePaths(cfg)
		}
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	loaded := Config{}
	if _, err := toml.DecodeFile(expanded, &loaded); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if loaded.Daemon.Port != 0 {
		cfg.Daemon.Port = loaded.Daemon.Port
	}
	if loaded.Daemon.Host != "" {
		cfg.Daemon.Host = loaded.Daemon.Host
	}
	if loaded.Keyring.Path != "" {
		cfg.Keyring.Path = loaded.Keyring.Path
	}
	if loaded.Keyring.Backend != "" {
		backend := strings.ToLower(strings.TrimSpace(loaded.Keyring.Backend))
		if backend != "file" && backend != "encrypted" {
			return cfg, fmt.Errorf("invalid keyring.backend %q (expected file or encrypted)", loaded.Keyring.Backend)
		}
		cfg.Keyring.Backend = backend
	}
	if loaded.Logging.DBPath != "" {
		cfg.Logging.DBPath = loaded.Logging.DBPath
	}
	if loaded.Logging.RetentionDays != 0 {
		cfg.Logging.RetentionDays = loaded.Logging.RetentionDays
	}
	if loaded.Rates.PromptPer1K != 0 {
		cfg.Rates.PromptPer1K = loaded.Rates.PromptPer1K
	}
	if loaded.Rates.CompletionPer1K != 0 {
		cfg.Rates.CompletionPer1K = loaded.Rates.CompletionPer1K
	}
	if loaded.Request.Temperature != 0 {
		cfg.Request.Temperature = loaded.Request.Temperature
	}
	if loaded.Request.MaxTokens != 0 {
		cfg.Request.MaxTokens = loaded.Request.MaxTokens
	}
	if loaded.Request.TimeoutSeconds != 0 {
		cfg.Request.TimeoutSeconds = loaded.Request.TimeoutSeconds
	}
	if loaded.Request.SystemPrompt != "" {
		cfg.Request.SystemPrompt = loaded.Request.SystemPrompt
	}

	if loaded.Providers != nil {
		for name, p := range loaded.Providers {
			base, ok := cfg.Providers[name]
			if !ok {
				base = ProviderConfig{}
			}
			if p.Upstream != "" {
				base.Upstream = p.Upstream
			}
			if p.ExtraHeaders != nil {
				if base.ExtraHeaders == nil {
					base.ExtraHeaders = map[string]string{}
				}
				for hk, hv := range p.ExtraHeaders {
					base.ExtraHeaders[hk] = hv
				}
			}
			cfg.Providers[name] = base
		}
	}
	if loaded.Agents != nil {
		for name, agent := range loaded.Agents {
			if agent.Schedule != "" && !ValidSchedule(agent.Schedule) {
				return cfg, fmt.Errorf("invalid agents.%s.schedule %q (expected HH:MM)", name, agent.Schedule)
			}
			cfg.Agents[name] = agent
		}
	}

	if cfg.Request.Temperature < 0.0 || cfg.Request.Temperature > 1.0 {
		return cfg, fmt.Errorf("invalid request.temperature %v (expected [0.0, 1.0])", cfg.Request.Temperature)
	}
	if cfg.Request.MaxTokens <= 0 {
		return cfg, fmt.Errorf("invalid request.max_tokens %d (expected > 0)", cfg.Request.MaxTokens)
	}
	if cfg.Rates.PromptPer1K <= 0 || cfg.Rates.CompletionPer1K <= 0 {
		return cfg, errors.New("rates must be positive")
	}
	if cfg.Daemon.Host == "" {
		cfg.Daemon.Host = DefaultHost
	}
	if cfg.Daemon.Host == "0.0.0.0" {
		return cfg, errors.New("insecure daemon.host=0.0.0.0 is not allowed")
	}
	if cfg.Daemon.Port == 0 {
		cfg.Daemon.Port = DefaultPort
	}

	return expandFilePaths(cfg)
}

func expandFilePaths(cfg Config) (Config, error) {
	var err error
	cfg.Logging.DBPath, err = ExpandPath(cfg.Logging.DBPath)
	if err != nil {
		return cfg, fmt.Errorf("expand db path: %w", err)
	}
	cfg.Keyring.Path, err = ExpandPath(cfg.Keyring.Path)
	if err != nil {
		return cfg, fmt.Errorf("expand keyring path: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path: %w", err)
	}

	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil && !os.IsPermission(err) {
		return fmt.Errorf("set config directory perms: %w", err)
	}

	// A unique temp name per writer keeps concurrent saves from renaming
	// each other's file out from underneath them.
	file, err := os.CreateTemp(dir, filepath.Base(expanded)+".tmp-*")
	if err != nil {
		return fmt.Errorf("open temp config file: %w", err)
	}
	tmpPath := file.Name()
	if err := file.Chmod(0o600); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("set temp config file perms: %w", err)
	}
	encodeErr := toml.NewEncoder(file).Encode(cfg)
	syncErr := file.Sync()
	closeErr := file.Close()
	if encodeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode config: %w", encodeErr)
	}
	if syncErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp config file: %w", syncErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp config file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, expanded); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config file: %w", err)
	}
	if err := os.Chmod(expanded, 0o600); err != nil && !os.IsPermission(err) {
		return fmt.Errorf("set config file perms: %w", err)
	}
	return nil
}
