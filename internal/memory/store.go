// Package memory persists chat sessions and messages for the gateway in SQLite.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"rentchat/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.SessionRepository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.SessionRepository = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return GetSchemaVersion(s.db)
}

const sessionColumns = `id, user_id, status, is_escalated, agent_id, agent_name, created_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess domain.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = domain.StatusBot
	}
	agentID, agentName := agentColumns(sess.AssignedAgent)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, string(sess.Status), sess.IsEscalated, agentID, agentName,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns nil, nil when the session does not exist. Messages are not loaded.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) GetOpenSession(ctx context.Context, userID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE user_id = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(domain.StatusClosed),
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess domain.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}
	agentID, agentName := agentColumns(sess.AssignedAgent)
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status=?, is_escalated=?, agent_id=?, agent_name=?, updated_at=? WHERE id=?`,
		string(sess.Status), sess.IsEscalated, agentID, agentName, sess.UpdatedAt.UTC(), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session %s: %w", sess.ID, sql.ErrNoRows)
	}
	return nil
}

// ListSessions returns the most recently updated sessions; an empty status lists all.
func (s *SQLiteStore) ListSessions(ctx context.Context, status domain.Status, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListIdleSessions returns open sessions not updated since the given time.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, since time.Time) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE status != ?`,
		string(domain.StatusClosed),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	// Filtered here: stored timestamps are text and do not compare lexically.
	var idle []domain.Session
	for _, sess := range all {
		if sess.UpdatedAt.Before(since) {
			idle = append(idle, sess)
		}
	}
	return idle, nil
}

// DeleteClosedBefore removes closed sessions, and their messages, last updated before t.
func (s *SQLiteStore) DeleteClosedBefore(ctx context.Context, t time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE status = ?`, string(domain.StatusClosed))
	if err != nil {
		return 0, err
	}
	closed, err := scanSessions(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, sess := range closed {
		if !sess.UpdatedAt.Before(t) {
			continue
		}
		if err := s.deleteSession(ctx, sess.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// deleteSession drops a session and its messages in one transaction.
func (s *SQLiteStore) deleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddMessage(ctx context.Context, msg domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, sender, text, client_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Sender), msg.Text, msg.ClientRef, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("add message to %s: %w", msg.SessionID, err)
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt.UTC(), msg.SessionID,
	)
	return nil
}

// FindMessageByClientRef returns nil, nil when no message carries the ref.
func (s *SQLiteStore) FindMessageByClientRef(ctx context.Context, sessionID, clientRef string) (*domain.Message, error) {
	if clientRef == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, sender, text, client_ref, created_at
		 FROM chat_messages WHERE session_id = ? AND client_ref = ? ORDER BY seq LIMIT 1`,
		sessionID, clientRef,
	)
	var m domain.Message
	var ref sql.NullString
	err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Text, &ref, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ClientRef = ref.String
	return &m, nil
}

// GetMessages returns the last limit messages of a session, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, text, client_ref, created_at
		 FROM chat_messages WHERE session_id = ?
		 ORDER BY seq DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var ref sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Text, &ref, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ClientRef = ref.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var agentID, agentName sql.NullString
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.IsEscalated,
		&agentID, &agentName, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if agentID.String != "" {
		sess.AssignedAgent = &domain.Agent{ID: agentID.String, Name: agentName.String}
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]domain.Session, error) {
	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func agentColumns(a *domain.Agent) (sql.NullString, sql.NullString) {
	if a == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: a.ID, Valid: a.ID != ""}, sql.NullString{String: a.Name, Valid: true}
}
