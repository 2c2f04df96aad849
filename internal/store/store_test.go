package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DataWeave/TaskPipe/internal/models"
)

func TestInMemoryConsensusRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	c := models.NewConsensus("user-1")
	c.TaskName = models.TaskName{Name: "quarterly revenue trend", Status: models.StatusKnown}
	if err := s.SaveConsensus(ctx, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetConsensus(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.TaskName.Name != "quarterly revenue trend" {
		t.Fatalf("consensus not stored or retrieved correctly: %+v", got)
	}

	// Stored value must not alias the caller's document.
	c.TaskName.Name = "mutated"
	got2, _ := s.GetConsensus(ctx, "user-1")
	if got2.TaskName.Name != "quarterly revenue trend" {
		t.Error("store returned an aliased document")
	}

	if err := s.DeleteConsensus(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := s.GetConsensus(ctx, "user-1"); got != nil {
		t.Error("expected consensus absent after delete")
	}
}

func TestInMemoryConsensusTTLExpiry(t *testing.T) {
	s := NewInMemoryStore(WithConsensusTTL(10 * time.Minute))
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	if err := s.SaveConsensus(ctx, models.NewConsensus("user-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.SetClock(func() time.Time { return base.Add(11 * time.Minute) })
	got, err := s.GetConsensus(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected consensus expired after TTL")
	}
}

func TestInMemoryMarkUnavailable(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.SaveConsensus(ctx, models.NewConsensus("user-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.MarkUnavailable(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := s.GetConsensus(ctx, "user-1"); got != nil {
		t.Error("expected soft-deleted consensus to read as absent")
	}
}

func TestInMemoryLease(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	token, err := s.AcquireLease(ctx, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "user-1", time.Minute); err != ErrLeaseHeld {
		t.Errorf("expected ErrLeaseHeld, got %v", err)
	}
	// A different user is unaffected.
	if _, err := s.AcquireLease(ctx, "user-2", time.Minute); err != nil {
		t.Errorf("unexpected error for independent user: %v", err)
	}

	if err := s.ReleaseLease(ctx, "user-1", "wrong-token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "user-1", time.Minute); err != ErrLeaseHeld {
		t.Error("release with stale token must not free the lease")
	}

	if err := s.ReleaseLease(ctx, "user-1", token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "user-1", time.Minute); err != nil {
		t.Errorf("expected lease reacquirable after release, got %v", err)
	}
}

func TestInMemoryLeaseExpiry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	if _, err := s.AcquireLease(ctx, "user-1", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if _, err := s.AcquireLease(ctx, "user-1", time.Minute); err != nil {
		t.Errorf("expected stale lease to expire, got %v", err)
	}
}

func TestInMemoryRecentHistoryWindow(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()

	old := models.HistoryEntry{UserID: "user-1", Role: "user", Content: "old", Timestamp: now.Add(-20 * time.Minute)}
	fresh := models.HistoryEntry{UserID: "user-1", Role: "assistant", Content: "fresh", Timestamp: now.Add(-1 * time.Minute)}
	for _, e := range []models.HistoryEntry{old, fresh} {
		if err := s.AppendHistory(ctx, e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := s.RecentHistory(ctx, "user-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Content != "fresh" {
		t.Errorf("expected only the fresh entry in window, got %+v", got)
	}
}

func TestInMemorySweepExpired(t *testing.T) {
	s := NewInMemoryStore(WithConsensusTTL(time.Minute))
	ctx := context.Background()

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	s.SaveConsensus(ctx, models.NewConsensus("user-1"))
	s.SaveConsensus(ctx, models.NewConsensus("user-2"))

	s.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	removed, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	c := models.NewConsensus("user-1")
	c.TaskInput = models.TaskInput{
		Items:  []models.InputItem{{Title: "orders"}},
		Status: models.StatusKnown,
	}
	if err := s.SaveConsensus(ctx, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetConsensus(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got.TaskInput.Items) != 1 || got.TaskInput.Items[0].Title != "orders" {
		t.Fatalf("consensus not round-tripped: %+v", got)
	}

	// Lease contention through SQL CAS.
	token, err := s.AcquireLease(ctx, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "user-1", time.Minute); err != ErrLeaseHeld {
		t.Errorf("expected ErrLeaseHeld, got %v", err)
	}
	if err := s.ReleaseLease(ctx, "user-1", token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// History window.
	if err := s.AppendHistory(ctx, models.HistoryEntry{UserID: "user-1", Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hist, err := s.RecentHistory(ctx, "user-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hist) != 1 || hist[0].Content != "hello" {
		t.Errorf("unexpected history: %+v", hist)
	}

	if err := s.MarkUnavailable(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := s.GetConsensus(ctx, "user-1"); got != nil {
		t.Error("expected soft-deleted consensus to read as absent")
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for the connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.DeleteConsensus(ctx, "pg-test-user")
	c := models.NewConsensus("pg-test-user")
	if err := s.SaveConsensus(ctx, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetConsensus(ctx, "pg-test-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != c.ID {
		t.Errorf("consensus not round-tripped in Postgres: %+v", got)
	}
	s.DeleteConsensus(ctx, "pg-test-user")
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://u:p@localhost/db": "postgres",
		"host=localhost user=taskpipe":  "postgres",
		"/var/lib/taskpipe/taskpipe.db": "sqlite",
		"state/taskpipe.db":             "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
