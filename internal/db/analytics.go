package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AnalyticsDB wraps the analytics.db SQLite database. Events are write-once
// and never read back by the service; PurgeExpired enforces their TTL.
type AnalyticsDB struct {
	*sql.DB
}

// AnalyticsEvent is one usage event.
type AnalyticsEvent struct {
	ID             string `json:"id"`
	SessionID      string `json:"sessionId"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
	ActionType     string `json:"actionType"`
	Language       string `json:"language"`
	ActionData     string `json:"actionData,omitempty"` // JSON object
	UserAgent      string `json:"userAgent,omitempty"`
	HashedIP       string `json:"hashedIp,omitempty"`
	ExpirationTime int64  `json:"expirationTime"` // unix seconds
}

func OpenAnalytics(path string) (*AnalyticsDB, error) {
	sqlDB, err := openSQLite(path, false)
	if err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}

	db := &AnalyticsDB{sqlDB}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating analytics database: %w", err)
	}

	return db, nil
}

func (db *AnalyticsDB) migrate() error {
	_, err := db.Exec(analyticsSchema)
	return err
}

const analyticsSchema = `
CREATE TABLE IF NOT EXISTS analytics_events (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    timestamp       INTEGER NOT NULL,
    action_type     TEXT NOT NULL,
    language        TEXT NOT NULL DEFAULT 'en',
    action_data     TEXT,
    user_agent      TEXT,
    hashed_ip       TEXT,
    expiration_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analytics_session ON analytics_events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_analytics_action ON analytics_events(action_type);
CREATE INDEX IF NOT EXISTS idx_analytics_expiry ON analytics_events(expiration_time);
`

// InsertEvents writes a batch of events in one transaction.
func (db *AnalyticsDB) InsertEvents(ctx context.Context, events []*AnalyticsEvent) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		if e.ID == "" {
			e.ID = "evt_" + NewID()
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO analytics_events
			(id, session_id, timestamp, action_type, language, action_data, user_agent, hashed_ip, expiration_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.Timestamp, e.ActionType, e.Language,
			nullString(e.ActionData), nullString(e.UserAgent), nullString(e.HashedIP), e.ExpirationTime)
		if err != nil {
			return fmt.Errorf("inserting event %s: %w", e.ActionType, err)
		}
	}
	return tx.Commit()
}

// PurgeExpired deletes events whose expiration time has passed.
func (db *AnalyticsDB) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM analytics_events WHERE expiration_time <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purging analytics: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the analytics table is reachable.
func (db *AnalyticsDB) Ping(ctx context.Context) error {
	var n int
	return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM analytics_events LIMIT 1").Scan(&n)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
