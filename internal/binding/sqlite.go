package binding

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mmikhailov/agentrelay/internal/domain"
	"github.com/mmikhailov/agentrelay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite, in WAL mode for concurrent
// Turn Orchestrators.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to dodge SQLITE_BUSY under WAL
}

// NewSQLite opens (creating if necessary) a SQLite-backed binding store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
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

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS thread_bindings (
		user_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		workspace_path TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT 'auto',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_thread_bindings_updated ON thread_bindings(updated_at);
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

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Get returns the binding for (userID, threadID), or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, userID, threadID string) (*domain.ThreadSessionBinding, error) {
	query := `
		SELECT user_id, thread_id, session_id, workspace_path, model, created_at, updated_at
		FROM thread_bindings WHERE user_id = ? AND thread_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID, threadID)

	var b domain.ThreadSessionBinding
	var createdAt, updatedAt int64
	err := row.Scan(&b.UserID, &b.ThreadID, &b.SessionID, &b.WorkspacePath, &b.Model, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan binding row: %w", err)
	}
	b.CreatedAt = time.Unix(createdAt, 0)
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return &b, nil
}

// Upsert creates or replaces the session_id/workspace_path for a binding,
// preserving any existing model preference.
func (s *SQLiteStore) Upsert(ctx context.Context, userID, threadID, sessionID, workspacePath string) error {
	return s.withRetry(ctx, func() error {
		query := `
		INSERT INTO thread_bindings (user_id, thread_id, session_id, workspace_path, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'auto', ?, ?)
		ON CONFLICT(user_id, thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			workspace_path = excluded.workspace_path,
			updated_at = excluded.updated_at`

		now := time.Now().Unix()
		_, err := s.db.ExecContext(ctx, query, userID, threadID, sessionID, workspacePath, now, now)
		if err != nil {
			return fmt.Errorf("upsert binding: %w", err)
		}
		return nil
	})
}

// Delete removes a binding entirely.
func (s *SQLiteStore) Delete(ctx context.Context, userID, threadID string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM thread_bindings WHERE user_id = ? AND thread_id = ?`, userID, threadID)
		if err != nil {
			return fmt.Errorf("delete binding: %w", err)
		}
		return nil
	})
}

// SetModel updates the model preference for a binding.
func (s *SQLiteStore) SetModel(ctx context.Context, userID, threadID, model string) error {
	return s.withRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE thread_bindings SET model = ?, updated_at = ? WHERE user_id = ? AND thread_id = ?`,
			model, time.Now().Unix(), userID, threadID)
		if err != nil {
			return fmt.Errorf("set model: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetModel returns the model preference, or "auto" if unset.
func (s *SQLiteStore) GetModel(ctx context.Context, userID, threadID string) (string, error) {
	b, err := s.Get(ctx, userID, threadID)
	if err == ErrNotFound {
		return "auto", nil
	}
	if err != nil {
		return "", err
	}
	if b.Model == "" {
		return "auto", nil
	}
	return b.Model, nil
}

// DeleteStaleWorkspaces removes bindings whose workspace_path no longer
// falls under basePath.
func (s *SQLiteStore) DeleteStaleWorkspaces(ctx context.Context, basePath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stored workspace paths are absolute, so a relative basePath is
	// resolved the same way before comparing.
	if abs, err := filepath.Abs(basePath); err == nil {
		basePath = abs
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, thread_id, workspace_path FROM thread_bindings`)
	if err != nil {
		return 0, fmt.Errorf("query bindings: %w", err)
	}
	type key struct{ userID, threadID string }
	var stale []key
	for rows.Next() {
		var k key
		var wp string
		if err := rows.Scan(&k.userID, &k.threadID, &wp); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan binding: %w", err)
		}
		if !strings.HasPrefix(wp, basePath) {
			stale = append(stale, k)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate bindings: %w", err)
	}
	_ = rows.Close()

	var deleted int64
	for _, k := range stale {
		res, err := s.db.ExecContext(ctx, `DELETE FROM thread_bindings WHERE user_id = ? AND thread_id = ?`, k.userID, k.threadID)
		if err != nil {
			return deleted, fmt.Errorf("delete stale binding: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// withRetry retries a write operation with exponential backoff on
// SQLITE_BUSY/"database is locked", mirroring the teacher's
// DeleteAgentSession retry logic.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	const baseDelay = 50 * time.Millisecond

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("binding store write failed with sqlite conflict, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("sqlite write failed after %d attempts: %w", maxRetries, err)
}
