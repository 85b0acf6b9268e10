package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/promptdesk/promptdesk/internal/config"
)

// daemonState is the PID file contents. The binary path, owner UID and
// command nonce let stop/status refuse to touch a recycled PID that now
// belongs to someone else's process.
type daemonState struct {
	PID       int    `json:"pid"`
	Addr      string `json:"addr"`
	StartedAt string `json:"started_at"`
	UID       int    `json:"uid"`
	Binary    string `json:"binary"`
	CmdNonce  string `json:"cmd_nonce"`
}

func pidFilePath() string {
	return filepath.Join(mustDataDir(), "promptdesk.pid")
}

func mustDataDir() string {
	dir, _ := config.ExpandPath("~/.promptdesk")
	_ = os.MkdirAll(dir, 0o700)
	_ = os.Chmod(dir, 0o700)
	return dir
}

func writePIDFile(pid int, addr, binary string, uid int, cmdNonce string) error {
	state := daemonState{
		PID:       pid,
		Addr:      addr,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		UID:       uid,
		Binary:    binary,
		CmdNonce:  cmdNonce,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	pidPath := pidFilePath()
	pidDir := filepath.Dir(pidPath)
	if err := os.MkdirAll(pidDir, 0o700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if fi, err := os.Lstat(pidPath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("pid file path is a symlink")
	}
	tmp, err := os.CreateTemp(pidDir, "promptdesk.pid.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp pid file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp pid file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("set temp pid file perms: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp pid file: %w", err)
	}
	if err := os.Rename(tmpPath, pidPath); err != nil {
		return fmt.Errorf("rename pid file: %w", err)
	}
	return nil
}

func readPIDFile() (daemonState, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return daemonState{}, fmt.Errorf("read pid file: %w", err)
	}
	var state daemonState
	if err := json.Unmarshal(data, &state); err != nil {
		return daemonState{}, fmt.Errorf("parse pid file: %w", err)
	}
	if state.PID <= 0 {
		return daemonState{}, errors.New("invalid pid file")
	}
	return state, nil
}

func removePIDFile() {
	_ = os.Remove(pidFilePath())
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func processCommandLine(pid int) string {
	if pid <= 0 {
		return ""
	}
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func processCommandMatchesBinary(pid int, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return false
	}
	commandLine := processCommandLine(pid)
	if commandLine == "" {
		return false
	}
	parts := strings.Fields(commandLine)
	if len(parts) == 0 {
		return false
	}
	procName := parts[0]
	if procName == expected || strings.HasSuffix(procName, "/"+filepath.Base(expected)) {
		return true
	}
	return filepath.Base(procName) == filepath.Base(expected)
}

func processCommandContainsNonce(pid int, nonce string) bool {
	if strings.TrimSpace(nonce) == "" {
		return true
	}
	commandLine := processCommandLine(pid)
	if commandLine == "" {
		return false
	}
	if strings.Contains(commandLine, daemonNonceEnv+"="+nonce) {
		return true
	}
	fields := strings.Fields(commandLine)
	for i := 0; i < len(fields); i++ {
		if fields[i] == "--promptdesk-daemon-nonce" {
			if i+1 < len(fields) && fields[i+1] == nonce {
				return true
			}
			continue
		}
		if strings.HasPrefix(fields[i], "--promptdesk-daemon-nonce=") {
			if strings.TrimPrefix(fields[i], "--promptdesk-daemon-nonce=") == nonce {
				return true
			}
		}
	}
	return false
}

func verifyDaemonProcess(state daemonState) error {
	if state.PID <= 0 {
		return errors.New("invalid pid in pid file")
	}
	if !processAlive(state.PID) {
		return fmt.Errorf("no running process for pid %d", state.PID)
	}
	if state.UID != 0 && state.UID != os.Getuid() {
		return errors.New("pid file owner mismatch: refusing to touch foreign process")
	}
	if state.Binary != "" && !processCommandMatchesBinary(state.PID, state.Binary) {
		return errors.New("pid file identity mismatch: refusing to touch foreign process")
	}
	if state.CmdNonce != "" && !processCommandContainsNonce(state.PID, state.CmdNonce) {
		return errors.New("pid file identity mismatch: nonce mismatch")
	}
	return nil
}

func protectedProcessState(state daemonState) (bool, string) {
	if err := verifyDaemonProcess(state); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func parseWindowStart(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(raw)
	if err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	if strings.HasSuffix(raw, "d") {
		n, convErr := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if convErr != nil {
			return time.Time{}, fmt.Errorf("parse --since %q", raw)
		}
		return time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("invalid --since format %q", raw)
}

func parseStatsPeriod(raw string) (time.Time, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	now := time.Now().UTC()
	switch raw {
	case "", "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	default:
		if d, err := time.ParseDuration(raw); err == nil {
			return now.Add(-d), nil
		}
		if strings.HasSuffix(raw, "d") {
			n, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid --period %q", raw)
			}
			return now.Add(-time.Duration(n) * 24 * time.Hour), nil
		}
		return time.Time{}, fmt.Errorf("invalid --period %q", raw)
	}
}
