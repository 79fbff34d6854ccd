package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// SQLiteStore is the embedded record store backend. It keeps a
// process-local cache of the full record list; InvalidateCache drops it
// when another process (typically a reconciliation run) wrote the file.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger

	mu       sync.RWMutex
	allCache []*Stock
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stocks (
	id            TEXT NOT NULL,
	pinyin        TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	qlib_id       TEXT NOT NULL DEFAULT '',
	enname        TEXT NOT NULL DEFAULT '',
	predict       TEXT,
	delisted      INTEGER NOT NULL DEFAULT 0,
	listing_date  TEXT NOT NULL DEFAULT '',
	delisted_date TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_stocks_id ON stocks(id);
`

// OpenSQLite opens (and if necessary creates) the embedded store.
func OpenSQLite(path string, log *logger.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	// WAL keeps readers unblocked while a reconciliation run writes.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: log}, nil
}

// All returns every record, served from the process-local cache when valid.
func (s *SQLiteStore) All(ctx context.Context) ([]*Stock, error) {
	s.mu.RLock()
	if s.allCache != nil {
		cached := s.allCache
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pinyin, name, qlib_id, enname, predict, delisted, listing_date, delisted_date
		FROM stocks`)
	if err != nil {
		return nil, fmt.Errorf("query all stocks: %w", err)
	}
	defer rows.Close()

	var stocks []*Stock
	for rows.Next() {
		stock, err := scanSQLiteStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, stock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stocks: %w", err)
	}

	s.mu.Lock()
	s.allCache = stocks
	s.mu.Unlock()

	return stocks, nil
}

// Find returns the record with the given id. Reads go straight to the
// file, not the cache, so a stale cache can never shadow a fresh write.
func (s *SQLiteStore) Find(ctx context.Context, id string) (*Stock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pinyin, name, qlib_id, enname, predict, delisted, listing_date, delisted_date
		FROM stocks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query stock %s: %w", id, err)
	}
	defer rows.Close()

	var found *Stock
	for rows.Next() {
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		found, err = scanSQLiteStock(rows)
		if err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock %s: %w", id, err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// Upsert inserts or merge-updates the record keyed by stock.ID.
func (s *SQLiteStore) Upsert(ctx context.Context, stock *Stock) error {
	if stock.ID == "" {
		return fmt.Errorf("upsert: stock id is empty")
	}
	normalize(stock)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, pinyin, name, qlib_id, enname, predict, delisted, listing_date, delisted_date
		FROM stocks WHERE id = ?`, stock.ID)
	if err != nil {
		return fmt.Errorf("read existing stock %s: %w", stock.ID, err)
	}

	var existing *Stock
	for rows.Next() {
		if existing != nil {
			rows.Close()
			return fmt.Errorf("%w: %s", ErrDuplicateID, stock.ID)
		}
		existing, err = scanSQLiteStock(rows)
		if err != nil {
			rows.Close()
			return err
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate stock %s: %w", stock.ID, err)
	}
	rows.Close()

	merged := merge(existing, stock)
	predict, err := marshalPredict(merged.Predict)
	if err != nil {
		return err
	}

	if existing == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stocks (id, pinyin, name, qlib_id, enname, predict, delisted, listing_date, delisted_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			merged.ID, merged.Pinyin, merged.Name, merged.QlibID, merged.EnName,
			predict, merged.Delisted, merged.ListingDate, merged.DelistedDate)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE stocks
			SET pinyin = ?, name = ?, qlib_id = ?, enname = ?, predict = ?,
			    delisted = ?, listing_date = ?, delisted_date = ?
			WHERE id = ?`,
			merged.Pinyin, merged.Name, merged.QlibID, merged.EnName, predict,
			merged.Delisted, merged.ListingDate, merged.DelistedDate, merged.ID)
	}
	if err != nil {
		return fmt.Errorf("write stock %s: %w", stock.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert %s: %w", stock.ID, err)
	}

	s.InvalidateCache()
	return nil
}

// InvalidateCache drops the cached record list.
func (s *SQLiteStore) InvalidateCache() {
	s.mu.Lock()
	s.allCache = nil
	s.mu.Unlock()
}

// Close closes the database file.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanSQLiteStock scans one row from any of the SELECTs above.
func scanSQLiteStock(rows *sql.Rows) (*Stock, error) {
	var stock Stock
	var predict sql.NullString
	if err := rows.Scan(&stock.ID, &stock.Pinyin, &stock.Name, &stock.QlibID,
		&stock.EnName, &predict, &stock.Delisted, &stock.ListingDate, &stock.DelistedDate); err != nil {
		return nil, fmt.Errorf("scan stock: %w", err)
	}
	if predict.Valid {
		if err := json.Unmarshal([]byte(predict.String), &stock.Predict); err != nil {
			return nil, fmt.Errorf("decode predictions for %s: %w", stock.ID, err)
		}
	}
	return &stock, nil
}

func marshalPredict(predict map[string]float64) (interface{}, error) {
	if predict == nil {
		return nil, nil
	}
	data, err := json.Marshal(predict)
	if err != nil {
		return nil, fmt.Errorf("encode predictions: %w", err)
	}
	return string(data), nil
}

// normalize keeps the record invariants: a delisted date implies the
// delisted flag.
func normalize(stock *Stock) {
	if stock.DelistedDate != "" {
		stock.Delisted = true
	}
}

// merge applies the upsert semantics shared by both backends: empty
// incoming fields keep the stored value, the delisted flag is always
// taken from the incoming record, and predictions merge key-wise.
func merge(existing, incoming *Stock) *Stock {
	if existing == nil {
		return incoming
	}

	merged := *existing
	if incoming.Pinyin != "" {
		merged.Pinyin = incoming.Pinyin
	}
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.QlibID != "" {
		merged.QlibID = incoming.QlibID
	}
	if incoming.EnName != "" {
		merged.EnName = incoming.EnName
	}
	if incoming.ListingDate != "" {
		merged.ListingDate = incoming.ListingDate
	}
	if incoming.DelistedDate != "" {
		merged.DelistedDate = incoming.DelistedDate
	}
	merged.Delisted = incoming.Delisted || merged.DelistedDate != ""
	merged.MergePredict(incoming.Predict)
	return &merged
}
