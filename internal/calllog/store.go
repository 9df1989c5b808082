// Package calllog provides a persistent audit log of executed tool
// calls. Records are append-only and indexed by timestamp, tool, and
// conversation for efficient aggregation queries.
package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/toolrelay/internal/tools"
)

// timeFormat has fixed-width fractional seconds so stored timestamps
// sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Entry is one stored tool call.
type Entry struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id"`
	Timestamp      time.Time `json:"timestamp"`
	Tool           string    `json:"tool"`
	Origin         string    `json:"origin"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Caller         string    `json:"caller,omitempty"`
	Args           string    `json:"args"`             // JSON
	Result         string    `json:"result,omitempty"` // JSON; empty on failure
	Error          string    `json:"error,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
}

// OK reports whether the call succeeded.
func (e Entry) OK() bool { return e.Error == "" }

// Summary holds aggregated call totals.
type Summary struct {
	TotalCalls      int
	FailedCalls     int
	TotalDurationMS int64
}

// Store is an append-only SQLite store for tool call records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

var _ tools.Recorder = (*Store)(nil)

// NewStore creates a call log at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id              TEXT PRIMARY KEY,
		call_id         TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		tool            TEXT NOT NULL,
		origin          TEXT,
		conversation_id TEXT,
		session_id      TEXT,
		caller          TEXT,
		args            TEXT,
		result          TEXT,
		error           TEXT,
		duration_ms     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_tool ON tool_calls(tool);
	CREATE INDEX IF NOT EXISTS idx_calls_conversation ON tool_calls(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCall persists one finished call. Arguments and results are
// stored as JSON; values that cannot be encoded are stored as their
// fmt representation.
func (s *Store) RecordCall(ctx context.Context, rec tools.CallRecord) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate call record ID: %w", err)
	}
	started := rec.Started
	if started.IsZero() {
		started = time.Now()
	}

	var result string
	if rec.OK() {
		result = encode(rec.Result)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, call_id, timestamp, tool, origin, conversation_id, session_id,
			 caller, args, result, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		rec.CallID,
		started.UTC().Format(timeFormat),
		rec.Tool,
		rec.Origin,
		rec.ConversationID,
		rec.SessionID,
		rec.Caller,
		encode(rec.Args),
		result,
		rec.Error,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, timestamp, tool, COALESCE(origin, ''), COALESCE(conversation_id, ''),
		        COALESCE(session_id, ''), COALESCE(caller, ''), COALESCE(args, ''),
		        COALESCE(result, ''), COALESCE(error, ''), duration_ms
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &e.CallID, &ts, &e.Tool, &e.Origin, &e.ConversationID,
			&e.SessionID, &e.Caller, &e.Args, &e.Result, &e.Error, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		e.Timestamp, _ = time.Parse(timeFormat, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary returns aggregated totals for calls within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0), COALESCE(SUM(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalCalls, &sum.FailedCalls, &sum.TotalDurationMS); err != nil {
		return nil, fmt.Errorf("query call summary: %w", err)
	}
	return &sum, nil
}

// SummaryByTool returns per-tool totals for calls within [start, end).
func (s *Store) SummaryByTool(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("tool", start, end)
}

// SummaryByOrigin returns per-origin totals for calls within [start, end).
func (s *Store) SummaryByOrigin(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("origin", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0), COALESCE(SUM(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalCalls, &sum.FailedCalls, &sum.TotalDurationMS); err != nil {
			return nil, fmt.Errorf("scan calls by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

func encode(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
