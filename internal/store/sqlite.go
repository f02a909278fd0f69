package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/ipc-broker/internal/domain"
	"github.com/ashureev/ipc-broker/internal/shared"
	_ "modernc.org/sqlite"
)

// execWithRetry runs fn up to 3 times in total, retrying on transient
// SQLite busy/locked errors and backing off briefly between attempts. Contention
// is rare with a single open connection but can still surface when the
// busy_timeout itself is exceeded under load.
func execWithRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to dodge SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository rooted at dbPath.
// The enclosing directory is created with 0700 permissions and the
// database file itself is restricted to 0600 once it exists.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if err := os.Chmod(dbPath, 0o600); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to restrict database file permissions", "error", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		data TEXT,
		summary TEXT,
		large_file_path TEXT,
		read_flag INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_to_read ON messages(to_id, read_flag);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

	CREATE TABLE IF NOT EXISTS instances (
		instance_id TEXT PRIMARY KEY,
		last_seen TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_token_hash TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS name_history (
		old_name TEXT PRIMARY KEY,
		new_name TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveMessage persists a new message with read_flag=0.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data interface{}
	if len(msg.Message.Data) > 0 {
		encoded, err := json.Marshal(msg.Message.Data)
		if err != nil {
			return 0, fmt.Errorf("encode message data: %w", err)
		}
		data = string(encoded)
	}

	var summary, largeFilePath interface{}
	if msg.Summary != "" {
		summary = msg.Summary
	}
	if msg.LargeFilePath != "" {
		largeFilePath = msg.LargeFilePath
	}

	query := `
	INSERT INTO messages (from_id, to_id, content, timestamp, data, summary, large_file_path, read_flag)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0)`

	var result sql.Result
	err := execWithRetry(func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query,
			msg.FromID, msg.ToID, msg.Message.Content, msg.TimestampRFC3339(),
			data, summary, largeFilePath,
		)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read message id: %w", err)
	}
	return id, nil
}

// LoadUnreadMessages loads all unread messages grouped by recipient,
// ordered by timestamp, for startup recovery.
func (s *SQLiteStore) LoadUnreadMessages(ctx context.Context) (map[string][]domain.Message, error) {
	query := `
		SELECT id, from_id, to_id, content, timestamp, data, summary, large_file_path
		FROM messages
		WHERE read_flag = 0
		ORDER BY timestamp`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query unread messages: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string][]domain.Message)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		grouped[msg.ToID] = append(grouped[msg.ToID], msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread messages: %w", err)
	}
	return grouped, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var msg domain.Message
	var content, timestamp string
	var data, summary, largeFilePath sql.NullString

	if err := row.Scan(&msg.ID, &msg.FromID, &msg.ToID, &content, &timestamp, &data, &summary, &largeFilePath); err != nil {
		return domain.Message{}, fmt.Errorf("scan message row: %w", err)
	}

	msg.Message.Content = content
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return domain.Message{}, fmt.Errorf("parse message timestamp: %w", err)
		}
	}
	msg.Timestamp = ts

	if data.Valid && data.String != "" {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(data.String), &decoded); err != nil {
			return domain.Message{}, fmt.Errorf("decode message data: %w", err)
		}
		msg.Message.Data = decoded
	}
	if summary.Valid {
		msg.Summary = summary.String
	}
	if largeFilePath.Valid {
		msg.LargeFilePath = largeFilePath.String
	}

	return msg, nil
}

// MarkMessagesRead sets read_flag=1 for the given recipient's messages
// whose persisted timestamp matches one of timestamps.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, toID string, timestamps []string) error {
	if len(timestamps) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(timestamps))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		UPDATE messages SET read_flag = 1
		WHERE to_id = ? AND timestamp IN (%s) AND read_flag = 0`, placeholders)

	args := make([]interface{}, 0, len(timestamps)+1)
	args = append(args, toID)
	for _, ts := range timestamps {
		args = append(args, ts)
	}

	if err := execWithRetry(func() error {
		_, execErr := s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

// DeleteExpiredMessages removes messages older than cutoff whose
// recipient is not among activeInstanceIDs.
func (s *SQLiteStore) DeleteExpiredMessages(ctx context.Context, activeInstanceIDs []string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var query string
	args := []interface{}{cutoff.Format(time.RFC3339Nano)}

	if len(activeInstanceIDs) == 0 {
		query = `DELETE FROM messages WHERE timestamp < ?`
	} else {
		placeholders := strings.Repeat("?,", len(activeInstanceIDs))
		placeholders = placeholders[:len(placeholders)-1]
		query = fmt.Sprintf(`DELETE FROM messages WHERE timestamp < ? AND to_id NOT IN (%s)`, placeholders)
		for _, id := range activeInstanceIDs {
			args = append(args, id)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	return result.RowsAffected()
}

// UpsertInstance creates or refreshes an instance's last-seen record.
func (s *SQLiteStore) UpsertInstance(ctx context.Context, inst domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO instances (instance_id, last_seen)
	VALUES (?, ?)
	ON CONFLICT(instance_id) DO UPDATE SET last_seen = excluded.last_seen`

	_, err := s.db.ExecContext(ctx, query, inst.InstanceID, inst.LastSeenAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

// RenameInstance atomically moves an instance record from oldID to
// newID, preserving last_seen.
func (s *SQLiteStore) RenameInstance(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lastSeen string
	err = tx.QueryRowContext(ctx, `SELECT last_seen FROM instances WHERE instance_id = ?`, oldID).Scan(&lastSeen)
	if err != nil {
		return fmt.Errorf("read instance for rename: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, oldID); err != nil {
		return fmt.Errorf("delete old instance: %w", err)
	}

	query := `
	INSERT INTO instances (instance_id, last_seen)
	VALUES (?, ?)
	ON CONFLICT(instance_id) DO UPDATE SET last_seen = excluded.last_seen`
	if _, err := tx.ExecContext(ctx, query, newID, lastSeen); err != nil {
		return fmt.Errorf("insert renamed instance: %w", err)
	}

	return tx.Commit()
}

// RenameMessageRecipient re-addresses every unread message still queued
// for oldID so it is keyed by newID, matching the in-memory queue move
// a rename performs (spec.md §4.7 step 1).
func (s *SQLiteStore) RenameMessageRecipient(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := execWithRetry(func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE messages SET to_id = ? WHERE to_id = ? AND read_flag = 0`, newID, oldID)
		return execErr
	}); err != nil {
		return fmt.Errorf("rename message recipient: %w", err)
	}
	return nil
}

// LoadInstances loads the full active-instance table.
func (s *SQLiteStore) LoadInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, last_seen FROM instances`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []domain.Instance
	for rows.Next() {
		var id, lastSeen string
		if err := rows.Scan(&id, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, lastSeen)
		if err != nil {
			return nil, fmt.Errorf("parse instance last_seen: %w", err)
		}
		instances = append(instances, domain.Instance{InstanceID: id, LastSeenAt: ts})
	}
	return instances, rows.Err()
}

// SaveNameForward persists a rename forwarding record.
func (s *SQLiteStore) SaveNameForward(ctx context.Context, fwd domain.NameForward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO name_history (old_name, new_name, changed_at)
	VALUES (?, ?, ?)
	ON CONFLICT(old_name) DO UPDATE SET new_name = excluded.new_name, changed_at = excluded.changed_at`

	_, err := s.db.ExecContext(ctx, query, fwd.OldName, fwd.NewName, fwd.ChangedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save name forward: %w", err)
	}
	return nil
}

// LoadNameForwards loads the full name-history table.
func (s *SQLiteStore) LoadNameForwards(ctx context.Context) ([]domain.NameForward, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT old_name, new_name, changed_at FROM name_history`)
	if err != nil {
		return nil, fmt.Errorf("query name history: %w", err)
	}
	defer rows.Close()

	var forwards []domain.NameForward
	for rows.Next() {
		var oldName, newName, changedAt string
		if err := rows.Scan(&oldName, &newName, &changedAt); err != nil {
			return nil, fmt.Errorf("scan name forward row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, changedAt)
		if err != nil {
			return nil, fmt.Errorf("parse name forward changed_at: %w", err)
		}
		forwards = append(forwards, domain.NameForward{OldName: oldName, NewName: newName, ChangedAt: ts})
	}
	return forwards, rows.Err()
}

// SaveSession persists a newly minted session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO sessions (session_token_hash, instance_id, created_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_token_hash) DO UPDATE SET
		instance_id = excluded.instance_id,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query,
		sess.TokenHash, sess.InstanceID,
		sess.CreatedAt.Format(time.RFC3339Nano), sess.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// FindSessionByHash looks up a session by its token hash.
func (s *SQLiteStore) FindSessionByHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	query := `SELECT session_token_hash, instance_id, created_at, expires_at FROM sessions WHERE session_token_hash = ?`
	row := s.db.QueryRowContext(ctx, query, tokenHash)

	var sess domain.Session
	var createdAt, expiresAt string
	err := row.Scan(&sess.TokenHash, &sess.InstanceID, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse session created_at: %w", err)
	}
	sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse session expires_at: %w", err)
	}

	return &sess, nil
}

// RebindSession updates the instance a session token resolves to.
func (s *SQLiteStore) RebindSession(ctx context.Context, tokenHash, newInstanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET instance_id = ? WHERE session_token_hash = ?`, newInstanceID, tokenHash)
	if err != nil {
		return fmt.Errorf("rebind session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions whose expires_at has passed.
func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return result.RowsAffected()
}
