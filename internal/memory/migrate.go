package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the version the chat store expects.
const schemaVersion = 2

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Applied versions are recorded in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: chat_sessions, chat_messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'bot',
			is_escalated INTEGER NOT NULL DEFAULT 0,
			agent_id     TEXT,
			agent_name   TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON chat_sessions(user_id, status);

		CREATE TABLE IF NOT EXISTS chat_messages (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			session_id  TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			sender      TEXT NOT NULL,
			text        TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, seq);
		`,
	},
	{
		Version:     2,
		Description: "v2: client_ref dedup, status index",
		SQL: `
		ALTER TABLE chat_messages ADD COLUMN client_ref TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_messages_ref ON chat_messages(session_id, client_ref);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON chat_sessions(status, updated_at);
		`,
	},
}

const schemaVersionDDL = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`

// RunMigrations brings the chat schema up to schemaVersion. Each migration
// runs in its own transaction; statements an earlier build already applied
// are skipped.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(schemaVersionDDL); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		skipped, err := applyMigration(db, m)
		if err != nil {
			return err
		}
		logger.Info("chat schema migrated", "version", m.Version, "description", m.Description, "skipped_statements", skipped)
	}
	return nil
}

// applyMigration runs m statement by statement and records it. It returns
// the number of statements skipped as already applied.
func applyMigration(db *sql.DB, m migration) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	skipped := 0
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			if alreadyApplied(err) {
				skipped++
				continue
			}
			return 0, fmt.Errorf("migration v%d: %w (SQL: %s)", m.Version, err, truncate(stmt, 120))
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return 0, fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return skipped, nil
}

// alreadyApplied matches SQLite errors for columns or objects that exist.
func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// splitSQL splits a multi-statement script on semicolons.
func splitSQL(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 on a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tables int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tables); err != nil {
		return 0, err
	}
	if tables == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
