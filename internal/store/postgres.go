package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/database"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// PostgresStore is the networked record store backend. It has no
// process-local cache, so InvalidateCache is a no-op and every read sees
// the latest committed state.
type PostgresStore struct {
	db     *database.DB
	logger *logger.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS stocks (
	id            TEXT PRIMARY KEY,
	pinyin        TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	qlib_id       TEXT NOT NULL DEFAULT '',
	enname        TEXT NOT NULL DEFAULT '',
	predict       JSONB,
	delisted      BOOLEAN NOT NULL DEFAULT FALSE,
	listing_date  TEXT NOT NULL DEFAULT '',
	delisted_date TEXT NOT NULL DEFAULT ''
)`

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(cfg *config.Config, log *logger.Logger) (*PostgresStore, error) {
	db, err := database.New(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := db.Pool.Exec(context.Background(), postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}

	return &PostgresStore{db: db, logger: log}, nil
}

// Pool exposes the underlying connection pool for health checks.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.db.Pool
}

// All returns every record in the store.
func (s *PostgresStore) All(ctx context.Context) ([]*Stock, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, pinyin, name, qlib_id, enname, predict, delisted, listing_date, delisted_date
		FROM stocks`)
	if err != nil {
		return nil, fmt.Errorf("query all stocks: %w", err)
	}
	defer rows.Close()

	var stocks []*Stock
	for rows.Next() {
		stock, err := scanPostgresStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, stock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stocks: %w", err)
	}

	return stocks, nil
}

// Find returns the record with the given id.
func (s *PostgresStore) Find(ctx context.Context, id string) (*Stock, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, pinyin, name, qlib_id, enname, predict, delisted, listing_date, delisted_date
		FROM stocks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query stock %s: %w", id, err)
	}
	defer rows.Close()

	var found *Stock
	for rows.Next() {
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		found, err = scanPostgresStock(rows)
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

// Upsert inserts or merge-updates the record keyed by stock.ID. The merge
// happens inside the statement, so concurrent upserts to distinct keys are
// safe without application-level locking.
func (s *PostgresStore) Upsert(ctx context.Context, stock *Stock) error {
	if stock.ID == "" {
		return fmt.Errorf("upsert: stock id is empty")
	}
	normalize(stock)

	var predict []byte
	if stock.Predict != nil {
		var err error
		predict, err = json.Marshal(stock.Predict)
		if err != nil {
			return fmt.Errorf("encode predictions: %w", err)
		}
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO stocks (id, pinyin, name, qlib_id, enname, predict, delisted, listing_date, delisted_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			pinyin        = COALESCE(NULLIF(EXCLUDED.pinyin, ''), stocks.pinyin),
			name          = COALESCE(NULLIF(EXCLUDED.name, ''), stocks.name),
			qlib_id       = COALESCE(NULLIF(EXCLUDED.qlib_id, ''), stocks.qlib_id),
			enname        = COALESCE(NULLIF(EXCLUDED.enname, ''), stocks.enname),
			predict       = CASE
				WHEN EXCLUDED.predict IS NULL THEN stocks.predict
				WHEN stocks.predict IS NULL THEN EXCLUDED.predict
				ELSE stocks.predict || EXCLUDED.predict
			END,
			delisted      = EXCLUDED.delisted
				OR NULLIF(EXCLUDED.delisted_date, '') IS NOT NULL
				OR NULLIF(stocks.delisted_date, '') IS NOT NULL,
			listing_date  = COALESCE(NULLIF(EXCLUDED.listing_date, ''), stocks.listing_date),
			delisted_date = COALESCE(NULLIF(EXCLUDED.delisted_date, ''), stocks.delisted_date)`,
		stock.ID, stock.Pinyin, stock.Name, stock.QlibID, stock.EnName,
		predict, stock.Delisted, stock.ListingDate, stock.DelistedDate)
	if err != nil {
		return fmt.Errorf("upsert stock %s: %w", stock.ID, err)
	}

	return nil
}

// InvalidateCache is a no-op: reads always hit PostgreSQL.
func (s *PostgresStore) InvalidateCache() {}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanPostgresStock(rows pgx.Rows) (*Stock, error) {
	var stock Stock
	var predict []byte
	if err := rows.Scan(&stock.ID, &stock.Pinyin, &stock.Name, &stock.QlibID,
		&stock.EnName, &predict, &stock.Delisted, &stock.ListingDate, &stock.DelistedDate); err != nil {
		return nil, fmt.Errorf("scan stock: %w", err)
	}
	if predict != nil {
		if err := json.Unmarshal(predict, &stock.Predict); err != nil {
			return nil, fmt.Errorf("decode predictions for %s: %w", stock.ID, err)
		}
	}
	return &stock, nil
}
