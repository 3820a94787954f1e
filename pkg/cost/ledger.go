package cost

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/quorum/pkg/schema"

	_ "modernc.org/sqlite"
)

// SQLiteLedger persists usage rows so cost history outlives the process.
type SQLiteLedger struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenLedger opens or creates a ledger database at path.
func OpenLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost REAL NOT NULL,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_usage_at ON usage(at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordUsage appends one row.
func (l *SQLiteLedger) RecordUsage(ctx context.Context, u Usage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage (conversation_id, stage, model, provider, input_tokens, output_tokens, cost, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ConversationID, string(u.Stage), u.Model, u.Provider,
		u.InputTokens, u.OutputTokens, u.Cost, u.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ConversationSummary aggregates the rows of one conversation.
func (l *SQLiteLedger) ConversationSummary(ctx context.Context, conversationID string) (Summary, error) {
	rows, err := l.query(ctx, `WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{ConversationID: conversationID}
	for _, u := range rows {
		s.add(u)
	}
	return s.clone(), nil
}

// GlobalSummary aggregates every row recorded since since. A zero since
// covers the whole ledger.
func (l *SQLiteLedger) GlobalSummary(ctx context.Context, since time.Time) (Summary, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	rows, err := l.query(ctx, `WHERE at >= ?`, from)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, u := range rows {
		s.add(u)
	}
	return s.clone(), nil
}

// Recent returns the newest rows, newest first.
func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]Usage, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.query(ctx, `ORDER BY at DESC, id DESC LIMIT ?`, limit)
}

func (l *SQLiteLedger) query(ctx context.Context, clause string, args ...any) ([]Usage, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT conversation_id, stage, model, provider, input_tokens, output_tokens, cost, at
		FROM usage `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		var stage string
		var at int64
		if err := rows.Scan(&u.ConversationID, &stage, &u.Model, &u.Provider, &u.InputTokens, &u.OutputTokens, &u.Cost, &at); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		u.Stage = schema.Stage(stage)
		u.At = time.Unix(0, at)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
