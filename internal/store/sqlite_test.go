package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	log := logger.New(&config.Config{Env: "development", LogLevel: "error", LogFormat: "json"})
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "stock.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertInsertAndFind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, &Stock{
		ID:          "600000",
		Pinyin:      "PFYH",
		Name:        "浦发银行",
		QlibID:      "SH600000",
		ListingDate: "1999-11-10",
	})
	require.NoError(t, err)

	got, err := s.Find(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, "PFYH", got.Pinyin)
	assert.Equal(t, "SH600000", got.QlibID)
	assert.Nil(t, got.Predict, "never-scored stock must keep a nil predict map")
}

func TestFindNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Find(context.Background(), "999999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindDuplicateIDIsFatal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate corruption by a misbehaving external writer.
	for i := 0; i < 2; i++ {
		_, err := s.db.ExecContext(ctx, `INSERT INTO stocks (id, name) VALUES ('600000', 'dup')`)
		require.NoError(t, err)
	}

	_, err := s.Find(ctx, "600000")
	assert.ErrorIs(t, err, ErrDuplicateID)

	err = s.Upsert(ctx, &Stock{ID: "600000", Name: "x"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestUpsertMergeKeepsOmittedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Stock{
		ID:          "000001",
		Pinyin:      "PAYH",
		Name:        "平安银行",
		QlibID:      "SZ000001",
		EnName:      "Ping An Bank Co., Ltd.",
		ListingDate: "1991-04-03",
	}))

	// A reconciliation write carries only the id and new predictions.
	require.NoError(t, s.Upsert(ctx, &Stock{
		ID:      "000001",
		Predict: map[string]float64{"2022-09-09": 0.05},
	}))

	got, err := s.Find(ctx, "000001")
	require.NoError(t, err)
	assert.Equal(t, "平安银行", got.Name)
	assert.Equal(t, "Ping An Bank Co., Ltd.", got.EnName)
	assert.Equal(t, "1991-04-03", got.ListingDate)
	assert.Equal(t, map[string]float64{"2022-09-09": 0.05}, got.Predict)
}

func TestUpsertMergesPredictKeywise(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Stock{
		ID:      "000001",
		Predict: map[string]float64{"2022-09-08": 0.01, "2022-09-09": 0.02},
	}))
	require.NoError(t, s.Upsert(ctx, &Stock{
		ID:      "000001",
		Predict: map[string]float64{"2022-09-09": 0.05, "2022-09-13": 0.03},
	}))

	got, err := s.Find(ctx, "000001")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{
		"2022-09-08": 0.01, // preserved
		"2022-09-09": 0.05, // overwritten
		"2022-09-13": 0.03, // added
	}, got.Predict)

	// An upsert without predictions must not clear the stored map.
	require.NoError(t, s.Upsert(ctx, &Stock{ID: "000001", Name: "renamed"}))
	got, err = s.Find(ctx, "000001")
	require.NoError(t, err)
	assert.Len(t, got.Predict, 3)
}

func TestDelistedDateImpliesDelisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Stock{ID: "600001", Name: "邯郸钢铁"}))
	require.NoError(t, s.Upsert(ctx, &Stock{ID: "600001", DelistedDate: "2010-01-25"}))

	got, err := s.Find(ctx, "600001")
	require.NoError(t, err)
	assert.True(t, got.Delisted)
	assert.Equal(t, "2010-01-25", got.DelistedDate)
}

func TestAllUsesCacheUntilInvalidated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &Stock{ID: "600000", Name: "a"}))

	first, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Write behind the cache, the way a separate process would.
	_, err = s.db.ExecContext(ctx, `INSERT INTO stocks (id, name) VALUES ('600004', 'b')`)
	require.NoError(t, err)

	cached, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 1, "cached result expected before invalidation")

	s.InvalidateCache()

	fresh, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stock := &Stock{ID: "600000", Name: "浦发银行", Predict: map[string]float64{"2022-09-09": 0.05}}
	require.NoError(t, s.Upsert(ctx, stock))
	require.NoError(t, s.Upsert(ctx, stock))

	got, err := s.Find(ctx, "600000")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"2022-09-09": 0.05}, got.Predict)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := &config.Config{
		Env:       "development",
		LogLevel:  "error",
		LogFormat: "json",
		Store: config.StoreConfig{
			Backend:    "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "stock.db"),
		},
	}
	log := logger.New(cfg)

	s, err := Open(cfg, log)
	require.NoError(t, err)
	defer s.Close()

	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("Open() = %T, want *SQLiteStore", s)
	}

	cfg.Store.Backend = "etcd"
	_, err = Open(cfg, log)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
