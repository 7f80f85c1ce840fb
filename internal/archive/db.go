package archive

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrCorrupted is returned by Open when the database file fails its
// integrity check. Startup must not proceed against a damaged archive.
var ErrCorrupted = errors.New("archive database is corrupted")

// DB wraps the SQLite connection holding the message archive.
type DB struct {
	*sql.DB
}

// Open creates a SQLite connection with WAL mode and recommended pragmas,
// then verifies file integrity. A failed quick_check is fatal: no partial
// repair is attempted.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var check string
	if err := db.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	if check != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, check)
	}

	return &DB{db}, nil
}
