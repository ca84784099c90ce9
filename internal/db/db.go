package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/courier/internal/config"
	_ "modernc.org/sqlite"
)

// migrations[i] moves the schema from version i to i+1.
var migrations = []string{
	// 1: rules, session, peers, relay journal
	`
	CREATE TABLE IF NOT EXISTS rules (
	  id            INTEGER PRIMARY KEY AUTOINCREMENT,
	  source_id     INTEGER NOT NULL,
	  source_hash   INTEGER NOT NULL,
	  source_kind   TEXT NOT NULL,
	  source_name   TEXT NOT NULL,
	  target_id     INTEGER NOT NULL,
	  target_hash   INTEGER NOT NULL,
	  target_kind   TEXT NOT NULL,
	  target_name   TEXT NOT NULL,
	  match_pattern TEXT NOT NULL,
	  enabled       INTEGER NOT NULL DEFAULT 1,
	  created_at    INTEGER NOT NULL,
	  updated_at    INTEGER NOT NULL,
	  CHECK (source_id <> target_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_source
	ON rules(source_id)
	WHERE enabled = 1;

	CREATE TABLE IF NOT EXISTS session (
	  id            INTEGER PRIMARY KEY CHECK (id = 1),
	  phone         TEXT,
	  user_id       INTEGER,
	  first_name    TEXT,
	  last_name     TEXT,
	  username      TEXT,
	  auth_blob     BLOB,
	  authorized_at INTEGER,
	  updated_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS peers (
	  id           INTEGER PRIMARY KEY,
	  access_hash  INTEGER NOT NULL,
	  kind         TEXT NOT NULL,
	  name         TEXT NOT NULL,
	  unread_count INTEGER NOT NULL DEFAULT 0,
	  last_message TEXT NOT NULL DEFAULT '',
	  position     INTEGER NOT NULL,
	  synced_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relay_log (
	  id          TEXT PRIMARY KEY,
	  rule_id     INTEGER NOT NULL,
	  source_id   INTEGER NOT NULL,
	  message_id  INTEGER NOT NULL,
	  target_id   INTEGER NOT NULL,
	  status      TEXT NOT NULL,
	  attempts    INTEGER NOT NULL,
	  permanent   INTEGER NOT NULL DEFAULT 0,
	  error       TEXT,
	  created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_relay_log_status
	ON relay_log(status, id DESC);
	`,
}

// CurrentSchemaVersion is the schema version Init migrates to.
var CurrentSchemaVersion = len(migrations)

// Init initializes the SQLite database at baseDir/courier.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.courier.
func Init(baseDir string) (*sql.DB, error) {
	// The database holds the platform session; keep the directory private
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	// Pragmas in the connection string apply to every pooled connection
	dbPath := filepath.Join(baseDir, "courier.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies every migration above the stored user_version, each in its
// own transaction together with the version bump.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[v]); err != nil {
				return err
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", v+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}

// verifyWALMode checks the journal_mode pragma from the DSN took effect.
func verifyWALMode(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal_mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal_mode is %q, want wal", mode)
	}
	return nil
}

// GetUserVersion reads the schema version from the user_version pragma.
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
