// Package store provides the consensus store backends for TaskPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists consensus documents, history, and leases in a SQLite file.
type SQLiteStore struct {
	db           *sql.DB
	consensusTTL time.Duration
	historyTTL   time.Duration
}

// NewSQLiteStore creates a new SQLite store. The DSN is the database file
// path; its directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	slog.Debug("SQLiteStore.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("SQLiteStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore migrations applied")

	return &SQLiteStore{db: db, consensusTTL: cfg.ConsensusTTL, historyTTL: cfg.HistoryTTL}, nil
}

// GetConsensus returns the stored consensus or nil when absent, expired, or unavailable.
func (s *SQLiteStore) GetConsensus(ctx context.Context, userID string) (*models.Consensus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM consensus WHERE user_id = ? AND available = 1 AND expires_at > ?`,
		userID, time.Now())
	var docJSON string
	if err := row.Scan(&docJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Error("SQLiteStore.GetConsensus scan failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load consensus for %s: %w", userID, err)
	}
	return decodeConsensus(docJSON)
}

// SaveConsensus upserts the consensus and refreshes its TTL.
func (s *SQLiteStore) SaveConsensus(ctx context.Context, c *models.Consensus) error {
	if c == nil || c.UserID == "" {
		return models.ErrEmptyUserID
	}
	docJSON, err := encodeConsensus(c)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consensus (user_id, id, doc, available, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   id = excluded.id, doc = excluded.doc, available = excluded.available,
		   updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		c.UserID, c.ID, docJSON, boolToInt(c.Available), now, now.Add(s.consensusTTL))
	if err != nil {
		slog.Error("SQLiteStore.SaveConsensus failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("failed to save consensus for %s: %w", c.UserID, err)
	}
	slog.Debug("SQLiteStore.SaveConsensus succeeded", "userID", c.UserID, "consensusID", c.ID)
	return nil
}

// DeleteConsensus removes the consensus for a user.
func (s *SQLiteStore) DeleteConsensus(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM consensus WHERE user_id = ?`, userID); err != nil {
		slog.Error("SQLiteStore.DeleteConsensus failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete consensus for %s: %w", userID, err)
	}
	return nil
}

// MarkUnavailable soft-deletes the consensus for a user.
func (s *SQLiteStore) MarkUnavailable(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE consensus SET available = 0 WHERE user_id = ?`, userID); err != nil {
		slog.Error("SQLiteStore.MarkUnavailable failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to mark consensus unavailable for %s: %w", userID, err)
	}
	return nil
}

// AppendHistory records one history entry for the user.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	if entry.UserID == "" {
		return models.ErrEmptyUserID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialog_history (user_id, role, content, ts) VALUES (?, ?, ?, ?)`,
		entry.UserID, entry.Role, entry.Content, entry.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore.AppendHistory failed", "error", err, "userID", entry.UserID)
		return fmt.Errorf("failed to append history for %s: %w", entry.UserID, err)
	}
	return nil
}

// RecentHistory returns entries newer than the window, oldest first.
func (s *SQLiteStore) RecentHistory(ctx context.Context, userID string, window time.Duration) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, content, ts FROM dialog_history WHERE user_id = ? AND ts > ? ORDER BY ts ASC`,
		userID, time.Now().Add(-window))
	if err != nil {
		slog.Error("SQLiteStore.RecentHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query history for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// AcquireLease takes the per-user turn lease using a compare-and-swap upsert.
func (s *SQLiteStore) AcquireLease(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	token := uuid.NewString()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consensus_leases (user_id, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE consensus_leases.expires_at <= ?`,
		userID, token, now.Add(ttl), now)
	if err != nil {
		slog.Error("SQLiteStore.AcquireLease failed", "error", err, "userID", userID)
		return "", fmt.Errorf("failed to acquire lease for %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to read lease result for %s: %w", userID, err)
	}
	if affected == 0 {
		return "", ErrLeaseHeld
	}
	return token, nil
}

// ReleaseLease releases the lease when the fencing token still matches.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, userID, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM consensus_leases WHERE user_id = ? AND token = ?`, userID, token); err != nil {
		slog.Error("SQLiteStore.ReleaseLease failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to release lease for %s: %w", userID, err)
	}
	return nil
}

// SweepExpired removes expired consensus documents and history entries.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM consensus WHERE expires_at <= ? OR available = 0`, now)
	if err != nil {
		slog.Error("SQLiteStore.SweepExpired consensus delete failed", "error", err)
		return 0, fmt.Errorf("failed to sweep expired consensus: %w", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dialog_history WHERE ts <= ?`, now.Add(-s.historyTTL)); err != nil {
		slog.Error("SQLiteStore.SweepExpired history delete failed", "error", err)
		return int(removed), fmt.Errorf("failed to sweep expired history: %w", err)
	}
	slog.Debug("SQLiteStore.SweepExpired succeeded", "removedConsensus", removed)
	return int(removed), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
