package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

var (
	// ErrNotFound is returned when no record exists for the requested id.
	ErrNotFound = errors.New("stock not found")

	// ErrDuplicateID is returned when a lookup matches more than one row.
	// This indicates store corruption and must never be silently repaired.
	ErrDuplicateID = errors.New("multiple rows with the same id")
)

// Stock is the per-instrument record. It is keyed by the 6-digit domestic
// code and owned exclusively by the store; all mutation goes through Upsert.
type Stock struct {
	// ID is the 6-digit domestic code, unique in the store.
	ID string `json:"id"`
	// Pinyin is the phonetic search key (first letters of the name).
	Pinyin string `json:"pinyin"`
	// Name is the display name of the instrument.
	Name string `json:"name"`
	// QlibID is the exchange-prefixed identifier used by the quant data
	// service and the scorer, e.g. "SH600000".
	QlibID string `json:"qlib_id"`
	// EnName is the optional English name.
	EnName string `json:"enname,omitempty"`
	// Predict maps trading dates ("2006-01-02") to the model's relative
	// return for the two weeks following that date. It grows by merge:
	// new dates are added and existing dates overwritten, but a merge
	// never deletes a date. Nil means the instrument has never been
	// scored (unsupported by the data source).
	Predict map[string]float64 `json:"predict,omitempty"`
	// Delisted marks instruments that left the market.
	Delisted bool `json:"delisted"`
	// ListingDate is the listing date in "2006-01-02" form, if known.
	ListingDate string `json:"listing_date,omitempty"`
	// DelistedDate implies Delisted == true when present.
	DelistedDate string `json:"delisted_date,omitempty"`
}

// MergePredict merges date->return rows into the stock's prediction map.
// Existing dates are overwritten, all other dates are preserved.
func (s *Stock) MergePredict(rows map[string]float64) {
	if len(rows) == 0 {
		return
	}
	if s.Predict == nil {
		s.Predict = make(map[string]float64, len(rows))
	}
	for date, value := range rows {
		s.Predict[date] = value
	}
}

// Clone returns a deep copy of the record. Backends may hand out shared
// cached pointers from All, so anything that merges new rows must work on
// a copy rather than the record it was given.
func (s *Stock) Clone() *Stock {
	copied := *s
	if s.Predict != nil {
		copied.Predict = make(map[string]float64, len(s.Predict))
		for date, value := range s.Predict {
			copied.Predict[date] = value
		}
	}
	return &copied
}

// Store is the record store contract. Exactly one backend is active per
// process; both backends satisfy this contract identically so callers stay
// backend-agnostic.
type Store interface {
	// All returns every record in the store.
	All(ctx context.Context) ([]*Stock, error)

	// Find returns the record with the given id, ErrNotFound when absent,
	// or ErrDuplicateID when the id matches more than one row.
	Find(ctx context.Context, id string) (*Stock, error)

	// Upsert inserts or updates the record keyed by its ID. Empty fields
	// on the incoming record do not clear stored values, and the predict
	// map is merged key-wise rather than replaced.
	Upsert(ctx context.Context, stock *Stock) error

	// InvalidateCache drops any process-local read cache, forcing the
	// next read to hit durable storage. Backends without a cache no-op.
	// Needed because a separate reconciliation process may write the
	// same store.
	InvalidateCache()

	// Close releases the underlying storage handle.
	Close() error
}

// Open creates the record store backend selected by configuration.
func Open(cfg *config.Config, log *logger.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return OpenSQLite(cfg.Store.SQLitePath, log)
	case "postgres":
		return OpenPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}
