// File: store/store.go
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coinpulse/dataprovider"
	"coinpulse/utilities"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrUnavailable marks persistent storage loss after retry exhaustion.
// Callers must not treat it as rate-limiting.
var ErrUnavailable = errors.New("store unavailable")

// UpsertResult reports what an UpsertCoin call did.
type UpsertResult int

const (
	Inserted UpsertResult = iota
	Updated
	SkippedStale
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case SkippedStale:
		return "skipped-stale"
	}
	return "unknown"
}

// Apex tracking statuses.
const (
	StatusTracking  = "tracking"
	StatusDropping  = "dropping"
	StatusRecovered = "recovered"
)

// ApexState is the rolling per-coin record of the highest observed price and
// drop onset.
type ApexState struct {
	CoinID             int64
	ApexPrice          float64
	ApexTimestamp      string
	DropStartTimestamp string
	Status             string
	LastChecked        string
}

// CoinRow is a persisted coin snapshot as read back from the store.
type CoinRow struct {
	ID             int64    `json:"id"`
	Name           string   `json:"coin_name"`
	Symbol         string   `json:"symbol"`
	Currency       string   `json:"currency"`
	Price          float64  `json:"price"`
	PriceChange24h *float64 `json:"price_change_24h"`
	MarketCap      *float64 `json:"marketcap"`
	Volume24h      *float64 `json:"volume_24h"`
	LastUpdated    string   `json:"last_updated"`
	DateAdded      string   `json:"date_added,omitempty"`
	ExchangeID     int64    `json:"exchange_id"`
}

// PricePoint is one append-only time-series datum.
type PricePoint struct {
	CoinID     int64   `json:"coin_id"`
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	RecordedAt string  `json:"recorded_at"`
}

// Store owns all SQL against the SQLite database.
type Store struct {
	db     *sql.DB
	logger *utilities.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS coins (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	coin_name TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL,
	currency TEXT NOT NULL,
	price REAL NOT NULL,
	current_price REAL NOT NULL,
	price_change_24h REAL,
	marketcap REAL,
	volume_24h REAL,
	last_updated TEXT NOT NULL,
	date_added TEXT,
	exchange_id INTEGER NOT NULL,
	UNIQUE(symbol, exchange_id)
);

CREATE TABLE IF NOT EXISTS price_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	coin_id INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	price REAL NOT NULL,
	volume_24h REAL,
	market_cap REAL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_coin ON price_history (coin_id);
CREATE INDEX IF NOT EXISTS idx_price_history_recorded ON price_history (recorded_at);

CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange_name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS coin_apex_prices (
	coin_id INTEGER PRIMARY KEY,
	apex_price REAL NOT NULL,
	apex_timestamp TEXT NOT NULL,
	drop_start_timestamp TEXT,
	status TEXT NOT NULL DEFAULT 'tracking',
	last_checked TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio (
	symbol TEXT PRIMARY KEY,
	holding REAL NOT NULL DEFAULT 0
);
`

// NewStore opens (creating if needed) the SQLite database and ensures the
// schema exists.
func NewStore(cfg utilities.DatabaseConfig, logger *utilities.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w: %v", ErrUnavailable, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// isTransient reports whether an error is in the retryable class
// (busy/locked database, dropped connection).
func isTransient(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, sql.ErrConnDone)
}

// withTx runs fn inside a transaction, owning begin/commit/rollback on every
// exit path. Transient failures are retried at most twice before surfacing
// as ErrUnavailable.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			lastErr = err
			if isTransient(err) {
				continue
			}
			break
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			lastErr = err
			if isTransient(err) {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			lastErr = err
			if isTransient(err) {
				continue
			}
			break
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// UpsertCoin inserts or refreshes the latest snapshot for (symbol, exchange).
// An incoming record older than the stored last_updated is dropped silently;
// date_added is never mutated once set. Atomic per record.
func (s *Store) UpsertCoin(rec dataprovider.CoinRecord) (UpsertResult, error) {
	result := SkippedStale
	err := s.withTx(func(tx *sql.Tx) error {
		var id int64
		var lastUpdated, currency string
		row := tx.QueryRow(`SELECT id, last_updated, currency FROM coins WHERE symbol=? AND exchange_id=?`,
			rec.Symbol, rec.ExchangeID)
		err := row.Scan(&id, &lastUpdated, &currency)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			var dateAdded interface{}
			if rec.DateAdded != "" {
				dateAdded = rec.DateAdded
			}
			_, err := tx.Exec(`INSERT INTO coins
				(coin_name, symbol, currency, price, current_price, price_change_24h, marketcap, volume_24h, last_updated, date_added, exchange_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.Name, rec.Symbol, rec.Currency, rec.Price, rec.Price,
				nullable(rec.PriceChange24h), nullable(rec.MarketCap), nullable(rec.Volume24h),
				rec.LastUpdated, dateAdded, rec.ExchangeID)
			if err != nil {
				return err
			}
			result = Inserted
			return nil
		case err != nil:
			return err
		}

		// naive UTC strings sort chronologically
		if rec.LastUpdated <= lastUpdated {
			result = SkippedStale
			return nil
		}
		if currency != rec.Currency {
			return fmt.Errorf("currency change for %s (exchange %d): %s -> %s requires explicit purge",
				rec.Symbol, rec.ExchangeID, currency, rec.Currency)
		}
		_, err = tx.Exec(`UPDATE coins SET
			coin_name = CASE WHEN ? != '' THEN ? ELSE coin_name END,
			price=?, current_price=?, price_change_24h=?, marketcap=?, volume_24h=?, last_updated=?,
			date_added = COALESCE(date_added, ?)
			WHERE id=?`,
			rec.Name, rec.Name, rec.Price, rec.Price,
			nullable(rec.PriceChange24h), nullable(rec.MarketCap), nullable(rec.Volume24h),
			rec.LastUpdated, emptyToNil(rec.DateAdded), id)
		if err != nil {
			return err
		}
		result = Updated
		return nil
	})
	return result, err
}

// AppendPrice unconditionally appends one price-history point.
func (s *Store) AppendPrice(p PricePoint, volume24h, marketCap *float64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO price_history (coin_id, symbol, price, volume_24h, market_cap, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.CoinID, p.Symbol, p.Price, nullable(volume24h), nullable(marketCap), p.RecordedAt)
		return err
	})
}

// GetActiveSymbols returns the symbols with a positive portfolio holding.
func (s *Store) GetActiveSymbols() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT symbol FROM portfolio WHERE holding > 0`)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	active := make(map[string]struct{})
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, wrapRead(err)
		}
		active[sym] = struct{}{}
	}
	return active, rows.Err()
}

// UpsertHolding sets the portfolio holding for a symbol.
func (s *Store) UpsertHolding(symbol string, holding float64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO portfolio (symbol, holding) VALUES (?, ?)`, symbol, holding)
		return err
	})
}

// GetHoldings returns all portfolio rows.
func (s *Store) GetHoldings() (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT symbol, holding FROM portfolio`)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var sym string
		var h float64
		if err := rows.Scan(&sym, &h); err != nil {
			return nil, wrapRead(err)
		}
		out[sym] = h
	}
	return out, rows.Err()
}

// ReadApex returns the apex state for a coin, if any.
func (s *Store) ReadApex(coinID int64) (ApexState, bool, error) {
	var st ApexState
	var dropStart sql.NullString
	row := s.db.QueryRow(`SELECT coin_id, apex_price, apex_timestamp, drop_start_timestamp, status, last_checked
		FROM coin_apex_prices WHERE coin_id=?`, coinID)
	err := row.Scan(&st.CoinID, &st.ApexPrice, &st.ApexTimestamp, &dropStart, &st.Status, &st.LastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return ApexState{}, false, nil
	}
	if err != nil {
		return ApexState{}, false, wrapRead(err)
	}
	st.DropStartTimestamp = dropStart.String
	return st, true, nil
}

// WriteApex upserts the apex state for a coin.
func (s *Store) WriteApex(st ApexState) error {
	return s.withTx(func(tx *sql.Tx) error {
		var dropStart interface{}
		if st.DropStartTimestamp != "" {
			dropStart = st.DropStartTimestamp
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO coin_apex_prices
			(coin_id, apex_price, apex_timestamp, drop_start_timestamp, status, last_checked)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.CoinID, st.ApexPrice, st.ApexTimestamp, dropStart, st.Status, st.LastChecked)
		return err
	})
}

// PurgeCoinsForExchange deletes every coin row for an exchange. Used only
// when the active source-exchange rotates.
func (s *Store) PurgeCoinsForExchange(exchangeID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM coins WHERE exchange_id=?`, exchangeID)
		return err
	})
}

// EnsureExchange returns the id for an exchange name, inserting it on first
// sighting.
func (s *Store) EnsureExchange(name string) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT id FROM exchanges WHERE exchange_name=?`, name)
		err := row.Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			res, err := tx.Exec(`INSERT INTO exchanges (exchange_name) VALUES (?)`, name)
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		}
		return err
	})
	return id, err
}

// CoinIDBySymbol resolves the coins row id for (symbol, exchange).
func (s *Store) CoinIDBySymbol(symbol string, exchangeID int64) (int64, bool, error) {
	var id int64
	row := s.db.QueryRow(`SELECT id FROM coins WHERE symbol=? AND exchange_id=?`, symbol, exchangeID)
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapRead(err)
	}
	return id, true, nil
}

// GetLatestCoins returns the newest snapshots, most recently updated first.
func (s *Store) GetLatestCoins(limit int) ([]CoinRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, coin_name, symbol, currency, price, price_change_24h, marketcap, volume_24h, last_updated, COALESCE(date_added,''), exchange_id
		FROM coins ORDER BY last_updated DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	var out []CoinRow
	for rows.Next() {
		var c CoinRow
		var change, mcap, vol sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.Name, &c.Symbol, &c.Currency, &c.Price, &change, &mcap, &vol, &c.LastUpdated, &c.DateAdded, &c.ExchangeID); err != nil {
			return nil, wrapRead(err)
		}
		c.PriceChange24h = nullFloat(change)
		c.MarketCap = nullFloat(mcap)
		c.Volume24h = nullFloat(vol)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCoinBySymbol returns the snapshot for one symbol on one exchange.
func (s *Store) GetCoinBySymbol(symbol string, exchangeID int64) (CoinRow, bool, error) {
	row := s.db.QueryRow(`SELECT id, coin_name, symbol, currency, price, price_change_24h, marketcap, volume_24h, last_updated, COALESCE(date_added,''), exchange_id
		FROM coins WHERE symbol=? AND exchange_id=?`, symbol, exchangeID)
	var c CoinRow
	var change, mcap, vol sql.NullFloat64
	err := row.Scan(&c.ID, &c.Name, &c.Symbol, &c.Currency, &c.Price, &change, &mcap, &vol, &c.LastUpdated, &c.DateAdded, &c.ExchangeID)
	if errors.Is(err, sql.ErrNoRows) {
		return CoinRow{}, false, nil
	}
	if err != nil {
		return CoinRow{}, false, wrapRead(err)
	}
	c.PriceChange24h = nullFloat(change)
	c.MarketCap = nullFloat(mcap)
	c.Volume24h = nullFloat(vol)
	return c, true, nil
}

// GetPriceHistory returns the bounded-range history for a coin, ascending by
// recorded_at.
func (s *Store) GetPriceHistory(coinID int64, from, to string) ([]PricePoint, error) {
	rows, err := s.db.Query(`SELECT coin_id, symbol, price, recorded_at FROM price_history
		WHERE coin_id=? AND recorded_at BETWEEN ? AND ? ORDER BY recorded_at ASC`, coinID, from, to)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.CoinID, &p.Symbol, &p.Price, &p.RecordedAt); err != nil {
			return nil, wrapRead(err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListApexStates returns all apex rows.
func (s *Store) ListApexStates() ([]ApexState, error) {
	rows, err := s.db.Query(`SELECT coin_id, apex_price, apex_timestamp, COALESCE(drop_start_timestamp,''), status, last_checked FROM coin_apex_prices`)
	if err != nil {
		return nil, wrapRead(err)
	}
	defer rows.Close()

	var out []ApexState
	for rows.Next() {
		var st ApexState
		if err := rows.Scan(&st.CoinID, &st.ApexPrice, &st.ApexTimestamp, &st.DropStartTimestamp, &st.Status, &st.LastChecked); err != nil {
			return nil, wrapRead(err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Ping checks the connection, for startup and pause/retry probes.
func (s *Store) Ping() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// NowNaiveUTC returns the current time in the store's canonical timestamp form.
func NowNaiveUTC() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

func wrapRead(err error) error {
	if isTransient(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func nullable(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func emptyToNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
