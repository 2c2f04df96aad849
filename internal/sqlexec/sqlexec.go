// Package sqlexec runs read-only SQL against the configured data source and
// materializes rows for the sandbox bridge.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DataWeave/TaskPipe/internal/models"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Executor is the SQL boundary consumed by generated code via the sandbox bridge.
type Executor interface {
	Run(ctx context.Context, query string) ([]models.Row, error)
	Close() error
}

// ErrNotReadOnly is returned for statements other than SELECT/WITH.
var ErrNotReadOnly = fmt.Errorf("only read-only queries are allowed")

// DBExecutor executes queries over database/sql.
type DBExecutor struct {
	db     *sql.DB
	tables map[string]bool // allow-list; empty means any table
}

// NewDBExecutor opens the data source. Driver is "sqlite3" or "postgres".
func NewDBExecutor(driver, dsn string, allowedTables []string) (*DBExecutor, error) {
	if dsn == "" {
		return nil, fmt.Errorf("data source DSN not set")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error("sqlexec.NewDBExecutor: failed to open data source", "error", err, "driver", driver)
		return nil, fmt.Errorf("failed to open data source: %w", err)
	}
	if err := db.Ping(); err != nil {
		slog.Error("sqlexec.NewDBExecutor: data source ping failed", "error", err, "driver", driver)
		return nil, fmt.Errorf("data source ping failed: %w", err)
	}

	var tables map[string]bool
	if len(allowedTables) > 0 {
		tables = make(map[string]bool, len(allowedTables))
		for _, t := range allowedTables {
			tables[strings.ToLower(t)] = true
		}
	}
	slog.Debug("sqlexec.NewDBExecutor: data source opened", "driver", driver, "allowedTables", len(allowedTables))
	return &DBExecutor{db: db, tables: tables}, nil
}

// Run executes a read-only query and returns all rows as column-keyed maps.
func (e *DBExecutor) Run(ctx context.Context, query string) ([]models.Row, error) {
	if err := e.validate(query); err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("sqlexec.Run: query failed", "error", err)
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []models.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(models.Row, len(cols))
		for i, col := range cols {
			// Drivers return []byte for text columns; normalize to string.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	slog.Debug("sqlexec.Run: query succeeded", "rows", len(out))
	return out, nil
}

// validate enforces the read-only contract and the table allow-list.
func (e *DBExecutor) validate(query string) error {
	trimmed := strings.TrimSpace(strings.ToLower(query))
	if !strings.HasPrefix(trimmed, "select") && !strings.HasPrefix(trimmed, "with") {
		return ErrNotReadOnly
	}
	if e.tables == nil {
		return nil
	}
	// Cheap allow-list check over FROM/JOIN targets. Not a SQL parser; the
	// data source user should also be read-only at the grant level.
	fields := strings.Fields(trimmed)
	for i, f := range fields {
		if (f == "from" || f == "join") && i+1 < len(fields) {
			table := strings.Trim(fields[i+1], `"'(),;`)
			if table != "" && !strings.HasPrefix(table, "select") && !e.tables[table] {
				return fmt.Errorf("table %q is not in the data source allow-list", table)
			}
		}
	}
	return nil
}

// Close closes the underlying database.
func (e *DBExecutor) Close() error {
	return e.db.Close()
}
