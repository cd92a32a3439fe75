package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the portfolio SQLite database. The daemon is the only writer;
// external consumers (e.g. a GUI) may read concurrently, which is why the
// database runs in WAL journaling mode.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens the portfolio database at the given path (or DSN) and makes
// sure the schema exists. It is a no-op on an already initialized database.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && !isDSN(path) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Readers must never block the writer for short transactions.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// isDSN reports whether path carries a sqlite3 DSN prefix rather than a
// plain filesystem path.
func isDSN(path string) bool {
	return len(path) > 5 && path[:5] == "file:"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// createTables creates the required tables. The DDL is the persisted schema
// contract shared with external consumers and must not change shape.
func (s *Store) createTables() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS prices (
			ticker TEXT PRIMARY KEY,
			date TEXT,
			close REAL,
			last_updated TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			ticker TEXT,
			date TEXT,
			close REAL,
			last_updated TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (ticker, date)
		)`,
		`CREATE TABLE IF NOT EXISTS update_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			requested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			processed INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS stocks (
			ticker TEXT PRIMARY KEY,
			name TEXT,
			currency TEXT DEFAULT 'USD',
			sector TEXT,
			shares_outstanding REAL,
			price REAL,
			market_cap REAL,
			beta REAL,
			growth_rate REAL,
			discount_rate REAL,
			tax_rate REAL,
			last_updated TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS balance_sheet (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			date TEXT NOT NULL,
			total_assets REAL,
			total_liabilities REAL,
			total_debt REAL,
			total_cash REAL,
			FOREIGN KEY (ticker) REFERENCES stocks(ticker)
		)`,
		`CREATE TABLE IF NOT EXISTS income_statement (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			date TEXT NOT NULL,
			ebit REAL,
			ebitda REAL,
			net_income REAL,
			total_revenue REAL,
			FOREIGN KEY (ticker) REFERENCES stocks(ticker)
		)`,
		`CREATE TABLE IF NOT EXISTS cashflow_statement (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			date TEXT NOT NULL,
			operating_cash_flow REAL,
			capital_expenditures REAL,
			FOREIGN KEY (ticker) REFERENCES stocks(ticker)
		)`,
		`CREATE TABLE IF NOT EXISTS valuations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			intrinsic_value REAL,
			undervaluation_percent REAL,
			pe_ratio REAL,
			pb_ratio REAL,
			ev_ebitda REAL,
			computed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (ticker) REFERENCES stocks(ticker)
		)`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// Stock is one full snapshot row for a ticker. Beta is nil when the provider
// did not report one; Sector may be empty and is stored as NULL.
type Stock struct {
	Ticker            string
	Name              string
	Currency          string
	Sector            string
	SharesOutstanding float64
	Price             float64
	MarketCap         float64
	Beta              *float64
	GrowthRate        float64
	DiscountRate      float64
	TaxRate           float64
	LastUpdated       time.Time
}

// UpsertStock overwrites the snapshot row for a ticker.
func (s *Store) UpsertStock(st *Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sector interface{}
	if st.Sector != "" {
		sector = st.Sector
	}
	var beta interface{}
	if st.Beta != nil {
		beta = *st.Beta
	}

	query := `
		INSERT OR REPLACE INTO stocks
			(ticker, name, currency, sector, shares_outstanding,
			 price, market_cap, beta, growth_rate, discount_rate,
			 tax_rate, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`
	_, err := s.db.Exec(query,
		st.Ticker, st.Name, st.Currency, sector, st.SharesOutstanding,
		st.Price, st.MarketCap, beta, st.GrowthRate, st.DiscountRate, st.TaxRate,
	)
	return err
}

// GetStock returns the snapshot row for a ticker, or nil when none exists.
func (s *Store) GetStock(ticker string) (*Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ticker, name, currency, sector, shares_outstanding,
		price, market_cap, beta, growth_rate, discount_rate, tax_rate, last_updated
		FROM stocks WHERE ticker = ?`

	var st Stock
	var sector sql.NullString
	var beta sql.NullFloat64
	var lastUpdated sql.NullTime

	err := s.db.QueryRow(query, ticker).Scan(
		&st.Ticker, &st.Name, &st.Currency, &sector, &st.SharesOutstanding,
		&st.Price, &st.MarketCap, &beta, &st.GrowthRate, &st.DiscountRate,
		&st.TaxRate, &lastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if sector.Valid {
		st.Sector = sector.String
	}
	if beta.Valid {
		st.Beta = &beta.Float64
	}
	if lastUpdated.Valid {
		st.LastUpdated = lastUpdated.Time
	}

	return &st, nil
}

// UpsertPrice overwrites the latest-price row for a ticker (last write wins).
func (s *Store) UpsertPrice(ticker string, at time.Time, close float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR REPLACE INTO prices (ticker, date, close, last_updated)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`
	_, err := s.db.Exec(query, ticker, at.Format("2006-01-02 15:04:05"), close)
	return err
}

// LatestPrice returns the latest known close for a ticker.
func (s *Store) LatestPrice(ticker string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var close float64
	err := s.db.QueryRow("SELECT close FROM prices WHERE ticker = ?", ticker).Scan(&close)
	return close, err
}

// InsertDailyClose records the closing price for a calendar day. The first
// write for a (ticker, day) pair wins; later writes for the same day are
// ignored.
func (s *Store) InsertDailyClose(ticker string, day time.Time, close float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR IGNORE INTO price_history (ticker, date, close, last_updated)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`
	_, err := s.db.Exec(query, ticker, day.Format("2006-01-02"), close)
	return err
}

// HistoryClose returns the recorded close for a (ticker, day) pair.
func (s *Store) HistoryClose(ticker string, day time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var close float64
	err := s.db.QueryRow(
		"SELECT close FROM price_history WHERE ticker = ? AND date = ?",
		ticker, day.Format("2006-01-02"),
	).Scan(&close)
	return close, err
}

// DistinctTickers returns the tracked universe: every distinct ticker
// currently present in the prices table.
func (s *Store) DistinctTickers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT ticker FROM prices ORDER BY ticker")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tickers = append(tickers, t)
	}

	return tickers, rows.Err()
}

// Checkpoint flushes the WAL back into the main database file so external
// readers see a compact file.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("PRAGMA wal_checkpoint(FULL);")
	return err
}

// statementColumns is the metric set of each statement table, used both for
// upserts and reads. It doubles as the table allow-list.
var statementColumns = map[string][]string{
	"balance_sheet":      {"total_assets", "total_liabilities", "total_debt", "total_cash"},
	"income_statement":   {"ebit", "ebitda", "net_income", "total_revenue"},
	"cashflow_statement": {"operating_cash_flow", "capital_expenditures"},
}

// UpsertStatementRow writes one normalized statement row keyed by
// (ticker, date). The statement tables carry no unique index on that pair,
// so the upsert runs as UPDATE-then-INSERT inside one transaction; re-running
// with the same key leaves exactly one row holding the latest values.
func (s *Store) UpsertStatementRow(table, ticker, date string, columns []string, values []float64) error {
	allowed, ok := statementColumns[table]
	if !ok {
		return fmt.Errorf("unknown statement table %q", table)
	}
	if len(columns) != len(values) {
		return fmt.Errorf("column/value count mismatch for %s: %d vs %d", table, len(columns), len(values))
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		allowedSet[c] = true
	}
	for _, c := range columns {
		if !allowedSet[c] {
			return fmt.Errorf("unknown column %q for table %s", c, table)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	setClause := ""
	args := make([]interface{}, 0, len(values)+2)
	for i, c := range columns {
		if i > 0 {
			setClause += ", "
		}
		setClause += c + " = ?"
		args = append(args, values[i])
	}
	args = append(args, ticker, date)

	res, err := tx.Exec(
		fmt.Sprintf("UPDATE %s SET %s WHERE ticker = ? AND date = ?", table, setClause),
		args...,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		colList := "ticker, date"
		placeholders := "?, ?"
		insertArgs := []interface{}{ticker, date}
		for i, c := range columns {
			colList += ", " + c
			placeholders += ", ?"
			insertArgs = append(insertArgs, values[i])
		}
		_, err = tx.Exec(
			fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, colList, placeholders),
			insertArgs...,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// StatementRow is one persisted reporting period of a statement table.
type StatementRow struct {
	Ticker string
	Date   string
	Values map[string]float64
}

// StatementRows returns all persisted rows of a statement table for a ticker,
// ordered by period date.
func (s *Store) StatementRows(table, ticker string) ([]StatementRow, error) {
	columns, ok := statementColumns[table]
	if !ok {
		return nil, fmt.Errorf("unknown statement table %q", table)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT date"
	for _, c := range columns {
		query += ", " + c
	}
	query += fmt.Sprintf(" FROM %s WHERE ticker = ? ORDER BY date", table)

	rows, err := s.db.Query(query, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StatementRow
	for rows.Next() {
		row := StatementRow{Ticker: ticker, Values: make(map[string]float64, len(columns))}
		dest := make([]interface{}, 0, len(columns)+1)
		dest = append(dest, &row.Date)
		vals := make([]float64, len(columns))
		for i := range columns {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, c := range columns {
			row.Values[c] = vals[i]
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// UpdateRequest is one pending on-demand refresh request. External producers
// insert these; the daemon is the sole consumer and removes them by deletion.
type UpdateRequest struct {
	ID     int64
	Ticker string
}

// PendingRequests returns all unprocessed update requests in insertion order.
func (s *Store) PendingRequests() ([]UpdateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, ticker FROM update_requests WHERE processed = 0 ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []UpdateRequest
	for rows.Next() {
		var req UpdateRequest
		if err := rows.Scan(&req.ID, &req.Ticker); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// DeleteRequests removes the given request ids in a single transaction.
// Dequeued ids are gone for good, which gives requests at-most-once
// delivery even when the fetch that follows fails.
func (s *Store) DeleteRequests(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM update_requests WHERE id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// EnqueueUpdateRequest inserts a pending request for a ticker. The daemon
// never calls this itself; it exists for producers and tests.
func (s *Store) EnqueueUpdateRequest(ticker string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO update_requests (ticker, processed) VALUES (?, 0)", ticker)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingRequestCount returns the number of unprocessed update requests.
func (s *Store) PendingRequestCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM update_requests WHERE processed = 0").Scan(&count)
	return count, err
}
