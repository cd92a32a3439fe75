package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// TickerEntry is one row of the searchable symbol directory.
type TickerEntry struct {
	Ticker  string
	Company string
}

// TickerDirectory wraps the standalone tickers database used by the GUI for
// symbol search. It shares nothing with the portfolio store except being
// SQLite on disk.
type TickerDirectory struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenTickerDirectory opens (creating if needed) the ticker directory at the
// given path.
func OpenTickerDirectory(path string) (*TickerDirectory, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && !isDSN(path) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ticker directory: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ticker directory: %w", err)
	}

	ddl := `CREATE TABLE IF NOT EXISTS tickers (
		ticker TEXT PRIMARY KEY,
		company TEXT
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tickers table: %w", err)
	}

	return &TickerDirectory{db: db}, nil
}

// Close closes the directory database.
func (d *TickerDirectory) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Count returns the number of entries in the directory.
func (d *TickerDirectory) Count() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM tickers").Scan(&count)
	return count, err
}

// ReplaceAll swaps the full directory contents in one transaction.
func (d *TickerDirectory) ReplaceAll(entries []TickerEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM tickers"); err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO tickers (ticker, company) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.Ticker, e.Company); err != nil {
			return fmt.Errorf("failed to insert ticker %s: %w", e.Ticker, err)
		}
	}

	return tx.Commit()
}

// Search returns directory entries whose ticker or cleaned company name
// matches the query, for GUI symbol lookup.
func (d *TickerDirectory) Search(query string, limit int) ([]TickerEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > 100 {
		limit = 25
	}

	pattern := "%" + query + "%"
	rows, err := d.db.Query(
		`SELECT ticker, company FROM tickers
		 WHERE ticker LIKE ? OR company LIKE ?
		 ORDER BY ticker LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TickerEntry
	for rows.Next() {
		var e TickerEntry
		if err := rows.Scan(&e.Ticker, &e.Company); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
