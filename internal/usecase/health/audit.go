package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AuditLog persists AlertEvent transitions to a pure-Go sqlite database,
// giving operators a durable history beyond whatever currently-firing
// alerts AlertManager.GetActiveAlerts reports. Optional: callers only
// construct one when an audit path is configured.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (creating if absent) a sqlite database at path and
// ensures its schema exists.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("health: open audit db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS alert_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			fired_at INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			error_rate REAL NOT NULL,
			recorded_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("health: create audit schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Record appends one AlertEvent row.
func (a *AuditLog) Record(ctx context.Context, event AlertEvent) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO alert_events
			(rule_id, platform, severity, state, fired_at, success_rate, error_rate, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RuleID, string(event.Platform), string(event.Severity), string(event.State),
		event.FiredAt.UnixMilli(), event.Metrics.SuccessRate, event.Metrics.ErrorRate,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("health: record audit event: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
