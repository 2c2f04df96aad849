// Package store provides the consensus store backends for TaskPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists consensus documents, history, and leases in PostgreSQL.
type PostgresStore struct {
	db           *sql.DB
	consensusTTL time.Duration
	historyTTL   time.Duration
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore migrations applied")

	return &PostgresStore{db: db, consensusTTL: cfg.ConsensusTTL, historyTTL: cfg.HistoryTTL}, nil
}

// GetConsensus returns the stored consensus or nil when absent, expired, or unavailable.
func (s *PostgresStore) GetConsensus(ctx context.Context, userID string) (*models.Consensus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM consensus WHERE user_id = $1 AND available AND expires_at > $2`,
		userID, time.Now())
	var docJSON string
	if err := row.Scan(&docJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Error("PostgresStore.GetConsensus scan failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load consensus for %s: %w", userID, err)
	}
	return decodeConsensus(docJSON)
}

// SaveConsensus upserts the consensus and refreshes its TTL.
func (s *PostgresStore) SaveConsensus(ctx context.Context, c *models.Consensus) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   id = EXCLUDED.id, doc = EXCLUDED.doc, available = EXCLUDED.available,
		   updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
		c.UserID, c.ID, docJSON, c.Available, now, now.Add(s.consensusTTL))
	if err != nil {
		slog.Error("PostgresStore.SaveConsensus failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("failed to save consensus for %s: %w", c.UserID, err)
	}
	slog.Debug("PostgresStore.SaveConsensus succeeded", "userID", c.UserID, "consensusID", c.ID)
	return nil
}

// DeleteConsensus removes the consensus for a user.
func (s *PostgresStore) DeleteConsensus(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM consensus WHERE user_id = $1`, userID); err != nil {
		slog.Error("PostgresStore.DeleteConsensus failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete consensus for %s: %w", userID, err)
	}
	return nil
}

// MarkUnavailable soft-deletes the consensus for a user.
func (s *PostgresStore) MarkUnavailable(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE consensus SET available = FALSE WHERE user_id = $1`, userID); err != nil {
		slog.Error("PostgresStore.MarkUnavailable failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to mark consensus unavailable for %s: %w", userID, err)
	}
	return nil
}

// AppendHistory records one history entry for the user.
func (s *PostgresStore) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	if entry.UserID == "" {
		return models.ErrEmptyUserID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialog_history (user_id, role, content, ts) VALUES ($1, $2, $3, $4)`,
		entry.UserID, entry.Role, entry.Content, entry.Timestamp)
	if err != nil {
		slog.Error("PostgresStore.AppendHistory failed", "error", err, "userID", entry.UserID)
		return fmt.Errorf("failed to append history for %s: %w", entry.UserID, err)
	}
	return nil
}

// RecentHistory returns entries newer than the window, oldest first.
func (s *PostgresStore) RecentHistory(ctx context.Context, userID string, window time.Duration) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, content, ts FROM dialog_history WHERE user_id = $1 AND ts > $2 ORDER BY ts ASC`,
		userID, time.Now().Add(-window))
	if err != nil {
		slog.Error("PostgresStore.RecentHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query history for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// AcquireLease takes the per-user turn lease using a compare-and-swap upsert.
func (s *PostgresStore) AcquireLease(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	token := uuid.NewString()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO consensus_leases (user_id, token, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		 WHERE consensus_leases.expires_at <= $4`,
		userID, token, now.Add(ttl), now)
	if err != nil {
		slog.Error("PostgresStore.AcquireLease failed", "error", err, "userID", userID)
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
func (s *PostgresStore) ReleaseLease(ctx context.Context, userID, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM consensus_leases WHERE user_id = $1 AND token = $2`, userID, token); err != nil {
		slog.Error("PostgresStore.ReleaseLease failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to release lease for %s: %w", userID, err)
	}
	return nil
}

// SweepExpired removes expired consensus documents and history entries.
func (s *PostgresStore) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM consensus WHERE expires_at <= $1 OR NOT available`, now)
	if err != nil {
		slog.Error("PostgresStore.SweepExpired consensus delete failed", "error", err)
		return 0, fmt.Errorf("failed to sweep expired consensus: %w", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dialog_history WHERE ts <= $1`, now.Add(-s.historyTTL)); err != nil {
		slog.Error("PostgresStore.SweepExpired history delete failed", "error", err)
		return int(removed), fmt.Errorf("failed to sweep expired history: %w", err)
	}
	slog.Debug("PostgresStore.SweepExpired succeeded", "removedConsensus", removed)
	return int(removed), nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
