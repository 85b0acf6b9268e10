package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CompletionRecord is one completion request as written to the local log.
type CompletionRecord struct {
	ID               string
	Timestamp        time.Time
	Provider         string
	Model            string
	Source           string
	PromptTokens     int
	CompletionTokens int
	CostCents        int64
	LatencyMS        int
	ErrorType        string
	ErrorMessage     string
}

type QueryFilter struct {
	Limit    int
	Provider string
	Model    string
	Source   string
	Since    time.Time
}

type StatsFilter struct {
	Provider string
	Since    time.Time
	By       string
}

type StatsRow struct {
	Group            string
	RequestCount     int
	PromptTokens     int64
	CompletionTokens int64
	CostCents        int64
}

// LogStore persists completion records in sqlite.
type LogStore struct {
	db *sql.DB
}

func Open(dbPath string) (*LogStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	store := &LogStore{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(dbPath, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set db perms: %w", err)
	}
	return store, nil
}

func (s *LogStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LogStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS completions (
    id TEXT PRIMARY KEY,
    timestamp DATETIME NOT NULL DEFAULT (datetime('now')),
    provider TEXT NOT NULL,
    model TEXT,
    source TEXT NOT NULL DEFAULT 'chat',
    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    cost_cents INTEGER,
    latency_ms INTEGER,
    error_type TEXT,
    error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_completions_timestamp ON completions(timestamp);
CREATE INDEX IF NOT EXISTS idx_completions_provider ON completions(provider);
CREATE INDEX IF NOT EXISTS idx_completions_source ON completions(source);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *LogStore) LogCompletion(ctx context.Context, record CompletionRecord) error {
	query := `
INSERT INTO completions (
    id, timestamp, provider, model, source,
    prompt_tokens, completion_tokens, cost_cents, latency_ms,
    error_type, error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Timestamp.UTC().Format(time.RFC3339),
		record.Provider,
		record.Model,
		record.Source,
		record.PromptTokens,
		record.CompletionTokens,
		record.CostCents,
		record.LatencyMS,
		record.ErrorType,
		record.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert completion log: %w", err)
	}
	return nil
}

func (s *LogStore) GetCompletion(ctx context.Context, id string) (CompletionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM completions WHERE id = ?`, id)
	return scanCompletion(row)
}

const selectColumns = `SELECT id, timestamp, provider, model, source,
       prompt_tokens, completion_tokens, cost_cents, latency_ms,
       error_type, error_message`

func (s *LogStore) ListCompletions(ctx context.Context, filter QueryFilter) ([]CompletionRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	where := []string{"1=1"}
	args := make([]any, 0, 5)
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	args = append(args, filter.Limit)
	query := selectColumns + `
FROM completions
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY timestamp DESC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()
	out := []CompletionRecord{}
	for rows.Next() {
		record, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *LogStore) Stats(ctx context.Context, filter StatsFilter) ([]StatsRow, error) {
	groupExpr := "provider"
	switch strings.ToLower(filter.By) {
	case "model":
		groupExpr = "COALESCE(model, '')"
	case "source":
		groupExpr = "source"
	case "day":
		groupExpr = "strftime('%Y-%m-%d', timestamp)"
	case "", "provider":
		groupExpr = "provider"
	}
	where := []string{"1=1"}
	args := make([]any, 0, 2)
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	query := `SELECT ` + groupExpr + ` as grp,
       COUNT(*) as request_count,
       COALESCE(SUM(prompt_tokens), 0),
       COALESCE(SUM(completion_tokens), 0),
       COALESCE(SUM(cost_cents), 0)
FROM completions WHERE ` + strings.Join(where, " AND ") + `
GROUP BY grp ORDER BY request_count DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	result := []StatsRow{}
	for rows.Next() {
		var row StatsRow
		if err := rows.Scan(&row.Group, &row.RequestCount, &row.PromptTokens, &row.CompletionTokens, &row.CostCents); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *LogStore) DeleteOlderThan(ctx context.Context, days int) error {
	if days <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	_, err := s.db.ExecContext(ctx, `DELETE FROM completions WHERE timestamp < ?`, cutoff.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("delete old completions: %w", err)
	}
	return nil
}

func scanCompletion(scanner interface{ Scan(dest ...any) error }) (CompletionRecord, error) {
	var record CompletionRecord
	var timestamp string
	if err := scanner.Scan(
		&record.ID,
		&timestamp,
		&record.Provider,
		&record.Model,
		&record.Source,
		&record.PromptTokens,
		&record.CompletionTokens,
		&record.CostCents,
		&record.LatencyMS,
		&record.ErrorType,
		&record.ErrorMessage,
	); err != nil {
		return CompletionRecord{}, fmt.Errorf("scan completion row: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339, timestamp); err == nil {
		record.Timestamp = parsed
	} else {
		record.Timestamp = time.Now().UTC()
	}
	return record, nil
}
