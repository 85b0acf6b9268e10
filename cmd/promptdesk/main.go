package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/promptdesk/promptdesk/internal/config"
	"github.com/promptdesk/promptdesk/internal/daemon"
	"github.com/promptdesk/promptdesk/internal/keyring"
	"github.com/promptdesk/promptdesk/internal/usage"
)

var (
	configPath string
	outputJSON bool
)

const daemonNonceEnv = "PROMPTDESK_DAEMON_NONCE"

func main() {
	// A .env next to the working directory can carry OPENAI_API_KEY and
	// friends; missing files are fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "promptdesk",
		Short: "Promptdesk is a local AI completion desk with key management and usage metering",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output JSON")

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newKeysCommand())
	rootCmd.AddCommand(newUsageCommand())
	rootCmd.AddCommand(newSettingsCommand())
	rootCmd.AddCommand(newAgentCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newStatsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newStartCommand() *cobra.Command {
	var daemonize bool
	var daemonNonce string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start promptdesk daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if daemonNonce == "" {
				daemonNonce = os.Getenv(daemonNonceEnv)
			}
			if daemonize && os.Getenv("PROMPTDESK_BACKGROUND") != "1" {
				return spawnBackground(cfg, daemonNonce)
			}
			return runForeground(cfg, daemonNonce)
		},
	}
	cmd.Flags().BoolVarP(&daemonize, "daemon", "d", false, "run in background")
	cmd.Flags().StringVar(&daemonNonce, "promptdesk-daemon-nonce", "", "internal daemon nonce")
	if flag := cmd.Flags().Lookup("promptdesk-daemon-nonce"); flag != nil {
		flag.Hidden = true
	}
	return cmd
}

func runForeground(cfg config.Config, daemonNonce string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := config.EnsureSecureDataDir(); err != nil {
		return err
	}
	store, err := keyring.NewStore(keyring.Options{Path: cfg.Keyring.Path, Backend: cfg.Keyring.Backend})
	if err != nil {
		return fmt.Errorf("init keyring: %w", err)
	}
	registry, err := keyring.NewRegistry(store)
	if err != nil {
		// A broken credential file still leaves an empty, working registry.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	logs, err := usage.Open(cfg.Logging.DBPath)
	if err != nil {
		return err
	}
	defer logs.Close()

	server := daemon.NewServer(cfg, configPath, registry, logs)

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve daemon binary path: %w", err)
	}
	nonce := strings.TrimSpace(daemonNonce)
	if nonce == "" {
		nonce, err = randomHex(16)
		if err != nil {
			return fmt.Errorf("generate daemon nonce: %w", err)
		}
	}
	if err := writePIDFile(os.Getpid(), server.Addr(), execPath, os.Getuid(), nonce); err != nil {
		return err
	}
	defer removePIDFile()

	if !outputJSON {
		fmt.Printf("promptdesk daemon listening on http://%s\n", server.Addr())
	}
	err = server.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func spawnBackground(cfg config.Config, daemonNonce string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	nonce := strings.TrimSpace(daemonNonce)
	if nonce == "" {
		nonce, err = randomHex(16)
		if err != nil {
			return fmt.Errorf("generate daemon nonce: %w", err)
		}
	}
	args := []string{"start", "--config", configPath, "--promptdesk-daemon-nonce", nonce}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), "PROMPTDESK_BACKGROUND=1", daemonNonceEnv+"="+nonce)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	logPath := filepath.Join(mustDataDir(), "promptdesk.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log file: %w", err)
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background daemon: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("detach daemon process: %w", err)
	}
	if outputJSON {
		return printJSON(map[string]any{"status": "starting", "addr": fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)})
	}
	fmt.Printf("promptdesk daemon starting in background (http://%s:%d)\n", cfg.Daemon.Host, cfg.Daemon.Port)
	return nil
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop promptdesk daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := readPIDFile()
			if err != nil {
				return err
			}
			if err := verifyDaemonProcess(state); err != nil {
				return err
			}
			if err := syscall.Kill(state.PID, syscall.SIGTERM); err != nil {
				if errors.Is(err, os.ErrProcessDone) {
					removePIDFile()
					return nil
				}
				return fmt.Errorf("stop daemon: %w", err)
			}
			deadline := time.Now().Add(30 * time.Second)
			for time.Now().Before(deadline) {
				if _, reason := protectedProcessState(state); reason != "" {
					removePIDFile()
					if outputJSON {
						return printJSON(map[string]any{"status": "stopped"})
					}
					fmt.Println("promptdesk daemon stopped")
					return nil
				}
				time.Sleep(150 * time.Millisecond)
			}
			return errors.New("timed out while waiting for daemon to stop")
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := readPIDFile()
			if err != nil {
				if outputJSON {
					return printJSON(map[string]any{"running": false})
				}
				fmt.Println("promptdesk daemon is not running")
				return nil
			}
			running, reason := protectedProcessState(state)
			if outputJSON {
				out := map[string]any{
					"running": running,
					"pid":     state.PID,
					"addr":    state.Addr,
					"started": state.StartedAt,
				}
				if reason != "" {
					out["error"] = reason
				}
				return printJSON(out)
			}
			if !running {
				if reason != "" {
					fmt.Printf("promptdesk daemon is not running (%s)\n", reason)
				} else {
					fmt.Println("promptdesk daemon is not running")
				}
				return nil
			}
			fmt.Printf("promptdesk daemon is running\nPID: %d\nAddr: %s\nStarted: %s\n", state.PID, state.Addr, state.StartedAt)
			return nil
		},
	}
}

func newChatCommand() *cobra.Command {
	var system string
	var temperature float64
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "chat <prompt...>",
		Short: "Send a prompt to the active credential's provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return errors.New("prompt must not be empty")
			}
			body := map[string]any{"prompt": prompt}
			if system != "" {
				body["system"] = system
			}
			if cmd.Flags().Changed("temperature") {
				body["temperature"] = temperature
			}
			if maxTokens > 0 {
				body["max_tokens"] = maxTokens
			}
			var out struct {
				Reply    string        `json:"reply"`
				Provider string        `json:"provider"`
				Model    string        `json:"model"`
				Usage    usage.Summary `json:"usage"`
			}
			if err := apiCall("POST", "/v1/chat", body, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out)
			}
			fmt.Println(out.Reply)
			fmt.Printf("\n[%s/%s session=%d tokens cost=$%.4f]\n", out.Provider, out.Model, out.Usage.TotalTokens, out.Usage.EstimatedCost)
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "override system prompt")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max completion tokens")
	return cmd
}

func newKeysCommand() *cobra.Command {
	keysCmd := &cobra.Command{Use: "keys", Short: "Manage API credentials"}

	keysCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Keys []struct {
					Index    int           `json:"index"`
					Provider string        `json:"provider"`
					Key      string        `json:"key"`
					Model    string        `json:"model"`
					Active   bool          `json:"active"`
					Usage    keyring.Usage `json:"usage"`
				} `json:"keys"`
			}
			if err := apiCall("GET", "/v1/keys", nil, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out.Keys)
			}
			if len(out.Keys) == 0 {
				fmt.Println("no credentials stored")
				return nil
			}
			for _, k := range out.Keys {
				marker := " "
				if k.Active {
					marker = "*"
				}
				fmt.Printf("%s [%d] %s %s %s (prompt=%d completion=%d)\n",
					marker, k.Index, k.Provider, k.Model, k.Key, k.Usage.PromptTokens, k.Usage.CompletionTokens)
			}
			return nil
		},
	})

	var model string
	addCmd := &cobra.Command{
		Use:   "add <provider> <key|- >",
		Short: "Add a credential and make it active",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]
			key := args[1]
			if key == "-" {
				in, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read key from stdin: %w", err)
				}
				key = strings.TrimSpace(string(in))
			}
			var out map[string]any
			if err := apiCall("POST", "/v1/keys", map[string]any{"provider": provider, "key": key, "model": model}, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out)
			}
			fmt.Printf("stored credential for %s (%s), now active\n", out["provider"], out["model"])
			return nil
		},
	}
	addCmd.Flags().StringVar(&model, "model", "", "model for this credential")
	keysCmd.AddCommand(addCmd)

	keysCmd.AddCommand(&cobra.Command{
		Use:   "use <index>",
		Short: "Activate the credential at the given index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("parse index %q", args[0])
			}
			var out map[string]any
			if err := apiCall("POST", "/v1/keys/activate", map[string]any{"index": index}, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out)
			}
			fmt.Printf("active credential: [%d] %s %s\n", index, out["provider"], out["model"])
			return nil
		},
	})

	return keysCmd
}

func newUsageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show session token totals and estimated cost",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Session     usage.Summary `json:"session"`
				Credentials []struct {
					Provider string        `json:"provider"`
					Model    string        `json:"model"`
					Active   bool          `json:"active"`
					Usage    keyring.Usage `json:"usage"`
				} `json:"credentials"`
			}
			if err := apiCall("GET", "/v1/usage", nil, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out)
			}
			fmt.Printf("session: prompt=%d completion=%d total=%d cost=$%.4f\n",
				out.Session.PromptTokens, out.Session.CompletionTokens, out.Session.TotalTokens, out.Session.EstimatedCost)
			for _, c := range out.Credentials {
				marker := " "
				if c.Active {
					marker = "*"
				}
				fmt.Printf("%s %s %s prompt=%d completion=%d\n", marker, c.Provider, c.Model, c.Usage.PromptTokens, c.Usage.CompletionTokens)
			}
			return nil
		},
	}
}

func newSettingsCommand() *cobra.Command {
	settingsCmd := &cobra.Command{Use: "settings", Short: "Show or update tuning settings"}

	settingsCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := apiCall("GET", "/v1/settings", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	})

	var temperature float64
	var maxTokens int
	var promptRate, completionRate float64
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Update settings; an invalid value rejects the whole update",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("temperature") {
				body["temperature"] = temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				body["max_tokens"] = maxTokens
			}
			if cmd.Flags().Changed("prompt-rate") {
				body["prompt_per_1k"] = promptRate
			}
			if cmd.Flags().Changed("completion-rate") {
				body["completion_per_1k"] = completionRate
			}
			if len(body) == 0 {
				return errors.New("nothing to update")
			}
			var out map[string]any
			if err := apiCall("PUT", "/v1/settings", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	setCmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature (0..1)")
	setCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max completion tokens")
	setCmd.Flags().Float64Var(&promptRate, "prompt-rate", 0, "prompt cost per 1k tokens (USD)")
	setCmd.Flags().Float64Var(&completionRate, "completion-rate", 0, "completion cost per 1k tokens (USD)")
	settingsCmd.AddCommand(setCmd)

	return settingsCmd
}

func newAgentCommand() *cobra.Command {
	agentCmd := &cobra.Command{Use: "agent", Short: "Run or schedule configured agents"}

	agentCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Schedule []struct {
					Name      string `json:"name"`
					At        string `json:"at"`
					LastFired string `json:"last_fired"`
				} `json:"schedule"`
			}
			if err := apiCall("GET", "/v1/agent/schedule", nil, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out.Schedule)
			}
			if len(out.Schedule) == 0 {
				fmt.Println("no agents scheduled")
				return nil
			}
			for _, entry := range out.Schedule {
				line := fmt.Sprintf("%s at %s daily", entry.Name, entry.At)
				if entry.LastFired != "" {
					line += " (last fired " + entry.LastFired + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	})

	agentCmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run an agent immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiCall("POST", "/v1/agent/run", map[string]any{"name": args[0]}, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out)
			}
			fmt.Printf("agent %s completed\n", args[0])
			return nil
		},
	})

	agentCmd.AddCommand(&cobra.Command{
		Use:   "schedule <name> <HH:MM>",
		Short: "Schedule an agent to run daily",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := apiCall("POST", "/v1/agent/schedule", map[string]any{"name": args[0], "at": args[1]}, &out); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(out)
			}
			fmt.Printf("agent %s scheduled daily at %s\n", args[0], args[1])
			return nil
		},
	})

	return agentCmd
}

func newLogCommand() *cobra.Command {
	var provider string
	var model string
	var source string
	var since string
	var limit int

	cmd := &cobra.Command{
		Use:   "log [completion-id]",
		Short: "Show completion logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := usage.Open(cfg.Logging.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				record, err := store.GetCompletion(context.Background(), args[0])
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(record)
				}
				fmt.Printf("%s %s %s/%s source=%s cost=$%.2f\n", record.ID, record.Timestamp.Format(time.RFC3339), record.Provider, record.Model, record.Source, float64(record.CostCents)/100.0)
				fmt.Printf("prompt=%d completion=%d latency=%dms\n", record.PromptTokens, record.CompletionTokens, record.LatencyMS)
				if record.ErrorType != "" {
					fmt.Printf("error=%s %s\n", record.ErrorType, record.ErrorMessage)
				}
				return nil
			}

			sinceTime, err := parseWindowStart(since)
			if err != nil {
				return err
			}
			records, err := store.ListCompletions(context.Background(), usage.QueryFilter{
				Limit:    limit,
				Provider: provider,
				Model:    model,
				Source:   source,
				Since:    sinceTime,
			})
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(records)
			}
			for i := len(records) - 1; i >= 0; i-- {
				rec := records[i]
				status := "ok"
				if rec.ErrorType != "" {
					status = rec.ErrorType
				}
				fmt.Printf("%s %s %s %s %s prompt=%d completion=%d cost=$%.2f latency=%dms\n",
					rec.ID,
					rec.Timestamp.Format(time.RFC3339),
					rec.Source,
					rec.Model,
					status,
					rec.PromptTokens,
					rec.CompletionTokens,
					float64(rec.CostCents)/100.0,
					rec.LatencyMS,
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&source, "source", "", "filter by source (chat, agent:<name>)")
	cmd.Flags().StringVar(&since, "since", "", "time window (e.g. 1h, 24h, 7d)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func newStatsCommand() *cobra.Command {
	var period string
	var provider string
	var groupBy string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage and cost statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := usage.Open(cfg.Logging.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			since, err := parseStatsPeriod(period)
			if err != nil {
				return err
			}
			rows, err := store.Stats(context.Background(), usage.StatsFilter{Provider: provider, Since: since, By: groupBy})
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("no usage data")
				return nil
			}
			for _, row := range rows {
				fmt.Printf("%s requests=%d prompt=%d completion=%d cost=$%.2f\n", row.Group, row.RequestCount, row.PromptTokens, row.CompletionTokens, float64(row.CostCents)/100.0)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "today", "time period (today, 7d, 30d, 24h)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider filter")
	cmd.Flags().StringVar(&groupBy, "by", "source", "group by: provider, model, source, day")
	return cmd
}
