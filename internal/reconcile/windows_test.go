package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linqiu/stockseer/backend/internal/quantdata"
	"github.com/linqiu/stockseer/backend/internal/scoring"
	"github.com/linqiu/stockseer/backend/internal/store"
)

func TestMissingForecastWindows(t *testing.T) {
	// Calendar [D1, D2, D3, D4, D10] with predictions for D1 and D4 only:
	// expect (D2, D3) and the trailing (D10, D10).
	gw := &fakeGateway{calendar: []time.Time{
		day("2022-09-05"), day("2022-09-06"), day("2022-09-07"),
		day("2022-09-08"), day("2022-09-16"),
	}}
	fs := newFakeStore(&store.Stock{
		ID: "600000", QlibID: "SH600000",
		Predict: map[string]float64{"2022-09-05": 0.01, "2022-09-08": 0.02},
	})
	e := newTestEngine(fs, gw, &fakeProvider{}, 200, 2)

	windows, err := e.MissingForecastWindows(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 2)

	assert.Equal(t, day("2022-09-06"), windows[0].Start)
	assert.Equal(t, day("2022-09-07"), windows[0].End)
	assert.Equal(t, "600000", windows[0].ID)
	assert.Equal(t, "SH600000", windows[0].ExternalID)

	assert.Equal(t, day("2022-09-16"), windows[1].Start)
	assert.Equal(t, day("2022-09-16"), windows[1].End)
}

func TestMissingForecastWindowsExcludesNeverScored(t *testing.T) {
	gw := &fakeGateway{calendar: []time.Time{day("2022-09-05"), day("2022-09-06")}}
	fs := newFakeStore(
		&store.Stock{ID: "600000", QlibID: "SH600000"}, // never scored
		&store.Stock{ID: "600004", QlibID: "SH600004", Delisted: true,
			Predict: map[string]float64{"2022-09-05": 0.01}},
	)
	e := newTestEngine(fs, gw, &fakeProvider{}, 200, 2)

	windows, err := e.MissingForecastWindows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, windows, "never-scored and delisted instruments must not report windows")
}

func TestMissingForecastWindowsFullCoverage(t *testing.T) {
	gw := &fakeGateway{calendar: []time.Time{day("2022-09-05"), day("2022-09-06")}}
	fs := newFakeStore(&store.Stock{
		ID: "600000", QlibID: "SH600000",
		Predict: map[string]float64{"2022-09-05": 0.01, "2022-09-06": 0.02},
	})
	e := newTestEngine(fs, gw, &fakeProvider{}, 200, 2)

	windows, err := e.MissingForecastWindows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestRepairMissingForecasts(t *testing.T) {
	gw := &fakeGateway{
		calendar: []time.Time{day("2022-09-05"), day("2022-09-06"), day("2022-09-07")},
		series: map[string][]quantdata.PricePoint{
			"SH600000": {{Date: day("2022-09-06"), Close: 7.2}, {Date: day("2022-09-07"), Close: 7.3}},
		},
	}
	fs := newFakeStore(&store.Stock{
		ID: "600000", QlibID: "SH600000",
		Predict: map[string]float64{"2022-09-05": 0.01},
	})
	provider := &fakeProvider{fn: func(ids []string, start, end time.Time) (scoring.Result, error) {
		require.Equal(t, []string{"SH600000"}, ids)
		return scoring.Result{
			"2022-09-06": {"SH600000": 0.03},
			"2022-09-07": {"SH600000": 0.04},
		}, nil
	}}
	e := newTestEngine(fs, gw, provider, 200, 2)

	require.NoError(t, e.RepairMissingForecasts(context.Background()))

	assert.Equal(t, map[string]float64{
		"2022-09-05": 0.01,
		"2022-09-06": 0.03,
		"2022-09-07": 0.04,
	}, fs.predict("600000"))
}

func TestRepairSkipsSuspendedWindows(t *testing.T) {
	gw := &fakeGateway{
		calendar: []time.Time{day("2022-09-05"), day("2022-09-06")},
		// No price rows for the missing span: the instrument was suspended.
		series: map[string][]quantdata.PricePoint{},
	}
	fs := newFakeStore(&store.Stock{
		ID: "600000", QlibID: "SH600000",
		Predict: map[string]float64{"2022-09-05": 0.01},
	})
	provider := &fakeProvider{fn: func(ids []string, start, end time.Time) (scoring.Result, error) {
		t.Fatal("suspended window must not be scored")
		return nil, nil
	}}
	e := newTestEngine(fs, gw, provider, 200, 2)

	require.NoError(t, e.RepairMissingForecasts(context.Background()))
	assert.Equal(t, map[string]float64{"2022-09-05": 0.01}, fs.predict("600000"))
}

func TestMissingPriceWindowsIntersectsAndClusters(t *testing.T) {
	calendar := []time.Time{
		day("2022-09-05"), day("2022-09-06"), day("2022-09-07"),
		day("2022-09-08"), day("2022-09-09"), day("2022-09-19"),
	}
	gw := &fakeGateway{
		calendar: calendar,
		series: map[string][]quantdata.PricePoint{
			// Both instruments miss 09-06, 09-08, 09-09 and 09-19.
			// Only SH600000 misses 09-07, so it is a suspension, not a gap.
			"SH600000": {
				{Date: day("2022-09-05"), Close: 7.0},
			},
			"SZ000001": {
				{Date: day("2022-09-05"), Close: 12.0},
				{Date: day("2022-09-07"), Close: 12.1},
			},
		},
	}
	fs := newFakeStore(
		&store.Stock{ID: "600000", QlibID: "SH600000"},
		&store.Stock{ID: "000001", QlibID: "SZ000001"},
	)
	e := newTestEngine(fs, gw, &fakeProvider{}, 200, 2)

	windows, err := e.MissingPriceWindows(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 2)

	// 09-06, 09-08 and 09-09 cluster into one window: gaps are under the
	// 5-day threshold. 09-19 is 10 days out and starts its own window.
	assert.Equal(t, day("2022-09-06"), windows[0].Start)
	assert.Equal(t, day("2022-09-09"), windows[0].End)
	assert.Equal(t, day("2022-09-19"), windows[1].Start)
	assert.Equal(t, day("2022-09-19"), windows[1].End)
	assert.Empty(t, windows[0].ID, "price windows are market-wide")
}

func TestMissingPriceWindowsNoGaps(t *testing.T) {
	gw := &fakeGateway{
		calendar: []time.Time{day("2022-09-05")},
		series: map[string][]quantdata.PricePoint{
			"SH600000": {{Date: day("2022-09-05"), Close: 7.0}},
		},
	}
	fs := newFakeStore(&store.Stock{ID: "600000", QlibID: "SH600000"})
	e := newTestEngine(fs, gw, &fakeProvider{}, 200, 2)

	windows, err := e.MissingPriceWindows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, windows)
}
