// Package store provides the consensus store backends for TaskPipe.
//
// The store is the only mutable shared resource of the core: one consensus
// document per user with a TTL, a time-windowed dialog history log, and the
// per-user lease that serializes turns. Backends: in-memory, SQLite, Postgres.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/DataWeave/TaskPipe/internal/models"
	"github.com/google/uuid"
)

// TTL semantics per key class.
const (
	// DefaultConsensusTTL bounds stale-consensus accumulation: a document
	// untouched for this long is treated as absent.
	DefaultConsensusTTL = 10 * time.Minute
	// DefaultHistoryTTL bounds the dialog history log.
	DefaultHistoryTTL = 30 * time.Minute
	// DefaultLeaseTTL bounds one turn's merge-and-write; a crashed holder's
	// lease expires instead of deadlocking the user.
	DefaultLeaseTTL = 2 * time.Minute
)

// ErrLeaseHeld is returned when another turn for the same user holds the lease.
var ErrLeaseHeld = errors.New("consensus lease already held")

// Store is the consensus store abstraction consumed by the conversation layer.
type Store interface {
	// GetConsensus returns the current consensus for a user, or nil when
	// absent, expired, or soft-deleted.
	GetConsensus(ctx context.Context, userID string) (*models.Consensus, error)
	// SaveConsensus writes the consensus and refreshes its TTL.
	SaveConsensus(ctx context.Context, c *models.Consensus) error
	// DeleteConsensus removes the consensus for a user. Deleting an absent
	// consensus is not an error.
	DeleteConsensus(ctx context.Context, userID string) error
	// MarkUnavailable soft-deletes the consensus (kept for audit, treated as absent).
	MarkUnavailable(ctx context.Context, userID string) error

	// AppendHistory records one side of a conversation turn.
	AppendHistory(ctx context.Context, entry models.HistoryEntry) error
	// RecentHistory returns the user's history entries newer than the window,
	// oldest first.
	RecentHistory(ctx context.Context, userID string, window time.Duration) ([]models.HistoryEntry, error)

	// AcquireLease takes the per-user turn lease, returning a fencing token.
	// Returns ErrLeaseHeld while another unexpired holder exists.
	AcquireLease(ctx context.Context, userID string, ttl time.Duration) (string, error)
	// ReleaseLease releases the lease if the token still matches.
	ReleaseLease(ctx context.Context, userID, token string) error

	// SweepExpired removes expired consensus documents and history entries,
	// returning how many consensus documents were removed.
	SweepExpired(ctx context.Context) (int, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN          string
	ConsensusTTL time.Duration
	HistoryTTL   time.Duration
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithConsensusTTL overrides the consensus document TTL.
func WithConsensusTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.ConsensusTTL = ttl
	}
}

// WithHistoryTTL overrides the history log TTL.
func WithHistoryTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.HistoryTTL = ttl
	}
}

func (o *Opts) applyDefaults() {
	if o.ConsensusTTL <= 0 {
		o.ConsensusTTL = DefaultConsensusTTL
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = DefaultHistoryTTL
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" for backend selection.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a process-local store used for tests and single-node runs.
type InMemoryStore struct {
	mu           sync.Mutex
	consensus    map[string]memConsensus
	history      map[string][]models.HistoryEntry
	leases       map[string]memLease
	consensusTTL time.Duration
	historyTTL   time.Duration
	now          func() time.Time
}

type memConsensus struct {
	doc       *models.Consensus
	expiresAt time.Time
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewInMemoryStore creates an in-memory store with default TTLs.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	return &InMemoryStore{
		consensus:    make(map[string]memConsensus),
		history:      make(map[string][]models.HistoryEntry),
		leases:       make(map[string]memLease),
		consensusTTL: cfg.ConsensusTTL,
		historyTTL:   cfg.HistoryTTL,
		now:          time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetConsensus returns the stored consensus or nil when absent, expired, or unavailable.
func (s *InMemoryStore) GetConsensus(ctx context.Context, userID string) (*models.Consensus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.consensus[userID]
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) || !entry.doc.Available {
		delete(s.consensus, userID)
		return nil, nil
	}
	return entry.doc.Clone(), nil
}

// SaveConsensus stores a deep copy of the consensus and refreshes its TTL.
func (s *InMemoryStore) SaveConsensus(ctx context.Context, c *models.Consensus) error {
	if c == nil || c.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensus[c.UserID] = memConsensus{doc: c.Clone(), expiresAt: s.now().Add(s.consensusTTL)}
	return nil
}

// DeleteConsensus removes the consensus for a user.
func (s *InMemoryStore) DeleteConsensus(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consensus, userID)
	return nil
}

// MarkUnavailable soft-deletes the consensus for a user.
func (s *InMemoryStore) MarkUnavailable(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.consensus[userID]; ok {
		entry.doc.Available = false
		s.consensus[userID] = entry
	}
	return nil
}

// AppendHistory records one history entry for the user.
func (s *InMemoryStore) AppendHistory(ctx context.Context, entry models.HistoryEntry) error {
	if entry.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.history[entry.UserID] = append(s.history[entry.UserID], entry)
	return nil
}

// RecentHistory returns entries newer than the window, oldest first.
func (s *InMemoryStore) RecentHistory(ctx context.Context, userID string, window time.Duration) ([]models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-window)
	var out []models.HistoryEntry
	for _, e := range s.history[userID] {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// AcquireLease takes the per-user turn lease.
func (s *InMemoryStore) AcquireLease(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[userID]; ok && s.now().Before(lease.expiresAt) {
		return "", ErrLeaseHeld
	}
	token := uuid.NewString()
	s.leases[userID] = memLease{token: token, expiresAt: s.now().Add(ttl)}
	return token, nil
}

// ReleaseLease releases the lease when the fencing token still matches.
func (s *InMemoryStore) ReleaseLease(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[userID]; ok && lease.token == token {
		delete(s.leases, userID)
	}
	return nil
}

// SweepExpired removes expired consensus documents and history entries.
func (s *InMemoryStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for userID, entry := range s.consensus {
		if now.After(entry.expiresAt) || !entry.doc.Available {
			delete(s.consensus, userID)
			removed++
		}
	}
	historyCutoff := now.Add(-s.historyTTL)
	for userID, entries := range s.history {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.After(historyCutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.history, userID)
		} else {
			s.history[userID] = kept
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
