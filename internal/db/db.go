// Package db opens the workspace SQLite database.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName = ".curricula"
	dbName  = "curricula.db"
)

type Config struct {
	Workspace string
}

// Dir returns the state directory of a workspace.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName)
}

// Path returns the database path of a workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), dbName)
}

// Open creates the state directory if needed and opens the database with
// foreign keys, WAL and a busy timeout.
func Open(cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(Dir(cfg.Workspace), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
