package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePragmas are applied to every connection immediately after opening.
var SQLitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=-8000",
	"PRAGMA foreign_keys=ON",
}

// Open opens a SQLite database at the given path and applies pragmas.
// _txlock=immediate ensures BEGIN acquires a RESERVED lock up front, which
// serializes write transactions. The audit chain's read-tag-then-append
// update depends on this.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Init opens or creates the policy database and initializes the schema.
func Init(path string) (*sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema()); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range SQLitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
