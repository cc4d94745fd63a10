package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/pkg/audit"
)

// MetricsDB wraps the metrics.db SQLite database: one row per HTTP request
// and per language-model attempt, for offline inspection.
type MetricsDB struct {
	*sql.DB
}

func OpenMetrics(path string) (*MetricsDB, error) {
	sqlDB, err := openSQLite(path, false)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	db := &MetricsDB{sqlDB}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating metrics database: %w", err)
	}

	return db, nil
}

func (db *MetricsDB) migrate() error {
	_, err := db.Exec(metricsSchema)
	return err
}

const metricsSchema = `
-- HTTP request metrics
CREATE TABLE IF NOT EXISTS http_requests (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status_code INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    timestamp   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_http_req_ts ON http_requests(timestamp);
CREATE INDEX IF NOT EXISTS idx_http_req_path ON http_requests(path);

-- One row per fallback-chain attempt
CREATE TABLE IF NOT EXISTS llm_calls (
    id          TEXT PRIMARY KEY,
    operation   TEXT NOT NULL,
    model       TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    status_code INTEGER,
    latency_ms  INTEGER NOT NULL,
    success     INTEGER NOT NULL DEFAULT 1,
    error       TEXT,
    timestamp   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_llm_calls_ts ON llm_calls(timestamp);
CREATE INDEX IF NOT EXISTS idx_llm_calls_model ON llm_calls(model);

-- One row per MCP tool call
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    action        TEXT NOT NULL,
    transport     TEXT NOT NULL,
    user_id       TEXT,
    request_id    TEXT,
    parameters    TEXT,
    result        TEXT,
    error_message TEXT,
    duration_ms   INTEGER,
    status        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
`

// RecordHTTPRequest logs an HTTP request metric.
func (db *MetricsDB) RecordHTTPRequest(method, path string, statusCode, durationMs int) {
	_, _ = db.Exec(`INSERT INTO http_requests (method, path, status_code, duration_ms)
		VALUES (?, ?, ?, ?)`, method, path, statusCode, durationMs)
}

// RecordLLMCall logs one fallback-chain attempt.
func (db *MetricsDB) RecordLLMCall(operation, model string, attempt, statusCode, latencyMs int, success bool, errMsg string) {
	s := 1
	if !success {
		s = 0
	}
	_, _ = db.Exec(`INSERT INTO llm_calls (id, operation, model, attempt, status_code, latency_ms, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"llm_"+NewID(), operation, model, attempt, statusCode, latencyMs, s, nullString(errMsg))
}

// RecordAudit writes one audit entry.
func (db *MetricsDB) RecordAudit(ctx context.Context, e *audit.Entry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log (entry_id, timestamp, action, transport, user_id, request_id,
			parameters, result, error_message, duration_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Action, e.Transport, nullString(e.UserID), nullString(e.RequestID),
		e.Parameters, nullString(e.Result), nullString(e.Error), e.DurationMs, e.Status)
	if err != nil {
		return fmt.Errorf("writing audit entry %s: %w", e.EntryID, err)
	}
	return nil
}
