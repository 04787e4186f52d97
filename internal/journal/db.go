package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, trace.Wrap(err, "open journal %s", path)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, trace.Wrap(err)
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS remediation_attempts (
			id TEXT PRIMARY KEY,
			scan_id TEXT NOT NULL,
			vulnerability_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL,
			affected_containers INTEGER NOT NULL DEFAULT 0,
			estimated_seconds INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_started ON remediation_attempts(started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_scan ON remediation_attempts(scan_id, started_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return trace.Wrap(err, "migrate failed")
		}
	}
	return nil
}
