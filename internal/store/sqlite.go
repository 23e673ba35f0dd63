package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writers to prevent SQLITE_BUSY
	now     func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock overrides the clock used to stamp rows.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a writer holds the lock.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		persona_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner_active ON sessions(owner_id, kind, status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender_role TEXT NOT NULL,
		sender_id TEXT,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		responding_to TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, created_at, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_one_reply
		ON messages(session_id, responding_to) WHERE responding_to IS NOT NULL;
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

func (s *SQLiteStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// withBusyRetry runs a write with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
			slog.Debug("SQLite write busy, retrying", "op", op, "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

// InsertMessage appends a message to a session's log.
func (s *SQLiteStore) InsertMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, shared.E(shared.KindValidation, "encode metadata", err)
	}

	var respondingTo, senderID any
	if in.SenderRole == domain.RoleAI {
		if tag := domain.MetaString(meta, domain.MetaRespondingTo); tag != "" {
			respondingTo = tag
		}
	}
	if in.SenderID != nil {
		senderID = *in.SenderID
	}

	msg := &domain.Message{
		ID:         id.String(),
		SessionID:  in.SessionID,
		SenderRole: in.SenderRole,
		SenderID:   in.SenderID,
		Content:    in.Content,
		Metadata:   meta,
	}

	query := `
		INSERT INTO messages (id, session_id, sender_role, sender_id, content, metadata, responding_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	err = s.withBusyRetry(ctx, "insert message", func() error {
		msg.CreatedAt = s.stamp()
		_, execErr := s.db.ExecContext(ctx, query,
			msg.ID, msg.SessionID, string(msg.SenderRole), senderID,
			msg.Content, string(metaJSON), respondingTo, msg.CreatedAt.UnixMicro(),
		)
		return execErr
	})
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return nil, shared.E(shared.KindConflict, "insert message", err)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return nil, shared.E(shared.KindNotFound, "insert message", err)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a slice of a session's log ordered by (created_at, id).
func (s *SQLiteStore) ListMessages(ctx context.Context, q MessageQuery) ([]*domain.Message, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, session_id, sender_role, sender_id, content, metadata, created_at
		FROM messages WHERE session_id = ?`)
	args := []any{q.SessionID}

	if q.Before != nil {
		ts := q.Before.CreatedAt.UTC().UnixMicro()
		if q.Before.ID == "" {
			sb.WriteString(` AND created_at < ?`)
			args = append(args, ts)
		} else {
			sb.WriteString(` AND (created_at < ? OR (created_at = ? AND id < ?))`)
			args = append(args, ts, ts, q.Before.ID)
		}
	}

	if q.Order == Descending {
		sb.WriteString(` ORDER BY created_at DESC, id DESC`)
	} else {
		sb.WriteString(` ORDER BY created_at ASC, id ASC`)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var role, metaJSON string
		var senderID sql.NullString
		var createdAt int64

		if err := rows.Scan(&m.ID, &m.SessionID, &role, &senderID, &m.Content, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.SenderRole = domain.SenderRole(role)
		if senderID.Valid {
			v := senderID.String
			m.SenderID = &v
		}
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
			}
		}
		m.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

const sessionColumns = `id, owner_id, kind, status, topic, persona_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var kind, status string
	var createdAt, updatedAt int64
	if err := row.Scan(&sess.ID, &sess.OwnerID, &kind, &status, &sess.Topic, &sess.PersonaID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Kind = domain.SessionKind(kind)
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.UnixMicro(createdAt).UTC()
	sess.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &sess, nil
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = domain.SessionActive
	}
	now := s.stamp()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	err := s.withBusyRetry(ctx, "create session", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			sess.ID, sess.OwnerID, string(sess.Kind), string(sess.Status),
			sess.Topic, sess.PersonaID, sess.CreatedAt.UnixMicro(), sess.UpdatedAt.UnixMicro(),
		)
		return execErr
	})
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return shared.E(shared.KindConflict, "create session", err)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListActiveSessions returns the owner's active sessions of a kind.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context, ownerID string, kind domain.SessionKind) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE owner_id = ? AND kind = ? AND status = ?
		ORDER BY updated_at DESC, created_at ASC, id ASC`
	return s.querySessions(ctx, query, ownerID, string(kind), string(domain.SessionActive))
}

// ListIdleSessions returns active sessions whose last update is older than before.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, before time.Time, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`
	return s.querySessions(ctx, query, string(domain.SessionActive), before.UTC().UnixMicro(), limit)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// UpdateSessionStatus moves a session between statuses (compare-and-set on from).
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error) {
	query := `UPDATE sessions SET status = ?, updated_at = MAX(updated_at, ?) WHERE id = ? AND status = ?`

	var rows int64
	err := s.withBusyRetry(ctx, "update session status", func() error {
		result, execErr := s.db.ExecContext(ctx, query, string(to), s.stamp().UnixMicro(), id, string(from))
		if execErr != nil {
			return execErr
		}
		n, raErr := result.RowsAffected()
		if raErr != nil {
			return fmt.Errorf("get rows affected: %w", raErr)
		}
		rows = n
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	return rows > 0, nil
}

// TouchSession bumps updated_at without ever moving it backwards.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`
	err := s.withBusyRetry(ctx, "touch session", func() error {
		_, execErr := s.db.ExecContext(ctx, query, at.UTC().UnixMicro(), id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes an owner's session together with its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id, ownerID string) (int64, error) {
	var removed int64
	err := s.withBusyRetry(ctx, "delete session", func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		if _, execErr := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE id = ? AND owner_id = ?)`,
			id, ownerID); execErr != nil {
			return execErr
		}
		result, execErr := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
		if execErr != nil {
			return execErr
		}
		n, raErr := result.RowsAffected()
		if raErr != nil {
			return raErr
		}
		removed = n
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return removed, nil
}

var _ Repository = (*SQLiteStore)(nil)
