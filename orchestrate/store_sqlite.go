package orchestrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const capabilitySchema = `
CREATE TABLE IF NOT EXISTS model_capabilities (
	model TEXT PRIMARY KEY,
	tool_capable INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);`

const (
	defaultStoreDir = ".toolbridge"
	defaultStoreDB  = "toolbridge.db"
)

// SQLiteCapabilityStore persists learned model capabilities in SQLite so
// a restart does not re-probe every model.
type SQLiteCapabilityStore struct {
	db *sql.DB
}

// DefaultCapabilityPath returns the default SQLite path under the user's
// home directory.
func DefaultCapabilityPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("orchestrate: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultStoreDir, defaultStoreDB), nil
}

// NewDefaultSQLiteCapabilityStore opens the store at ~/.toolbridge/toolbridge.db.
func NewDefaultSQLiteCapabilityStore() (*SQLiteCapabilityStore, error) {
	path, err := DefaultCapabilityPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("orchestrate: create store dir: %w", err)
	}
	return NewSQLiteCapabilityStore(path)
}

// NewSQLiteCapabilityStore opens (or creates) a capability store at dsn.
func NewSQLiteCapabilityStore(dsn string) (*SQLiteCapabilityStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("orchestrate: sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orchestrate: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(capabilitySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("orchestrate: sqlite store create schema: %w", err)
	}
	return &SQLiteCapabilityStore{db: db}, nil
}

// Load reads every persisted capability row.
func (s *SQLiteCapabilityStore) Load(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT model, tool_capable FROM model_capabilities")
	if err != nil {
		return nil, fmt.Errorf("orchestrate: sqlite store load: %w", err)
	}
	defer rows.Close()

	capabilities := make(map[string]bool)
	for rows.Next() {
		var model string
		var capable int
		if err := rows.Scan(&model, &capable); err != nil {
			return nil, fmt.Errorf("orchestrate: sqlite store scan: %w", err)
		}
		capabilities[model] = capable != 0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orchestrate: sqlite store rows: %w", err)
	}
	return capabilities, nil
}

// Save upserts one capability row.
func (s *SQLiteCapabilityStore) Save(ctx context.Context, model string, toolCapable bool) error {
	capable := 0
	if toolCapable {
		capable = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_capabilities (model, tool_capable, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET tool_capable = excluded.tool_capable, updated_at = excluded.updated_at`,
		model, capable, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("orchestrate: sqlite store save: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteCapabilityStore) Close() error {
	return s.db.Close()
}

var _ CapabilityStore = (*SQLiteCapabilityStore)(nil)
