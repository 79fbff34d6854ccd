package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linqiu/stockseer/backend/internal/serving"
	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

type fakeService struct {
	stocks    map[string]*serving.StockDetail
	list      []serving.ListedStock
	ranking   []serving.RankedStock
	refreshed int
	lastAsOf  time.Time
}

func (s *fakeService) StockList(ctx context.Context) ([]serving.ListedStock, error) {
	return s.list, nil
}

func (s *fakeService) HistoryAndForecast(ctx context.Context, id string, asOf time.Time) (*serving.StockDetail, error) {
	s.lastAsOf = asOf
	detail, ok := s.stocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", serving.ErrNotFound, id)
	}
	if detail == nil {
		return nil, fmt.Errorf("%w: %s", serving.ErrNotSupported, id)
	}
	return detail, nil
}

func (s *fakeService) TopN(ctx context.Context, n int) ([]serving.RankedStock, error) {
	if n > len(s.ranking) {
		n = len(s.ranking)
	}
	return s.ranking[:n], nil
}

func (s *fakeService) Refresh(ctx context.Context) error {
	s.refreshed++
	return nil
}

func newTestHandler(svc StockService, updater func()) *StockHandler {
	cfg := &config.Config{LogLevel: "error", LogFormat: "console"}
	return NewStockHandler(svc, updater, logger.New(cfg))
}

func get(t *testing.T, handler http.HandlerFunc, path string, vars map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestPredictReturnsDetail(t *testing.T) {
	svc := &fakeService{stocks: map[string]*serving.StockDetail{
		"600000": {
			ID:      "600000",
			Name:    "浦发银行",
			QlibID:  "SH600000",
			History: []map[string]float64{{"2022-09-09": 7.31}},
			Predict: map[string]float64{"2022-09-23": 7.68},
		},
	}}
	h := newTestHandler(svc, nil)

	rec := get(t, h.Predict, "/stock/600000", map[string]string{"id": "600000"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var detail serving.StockDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "600000", detail.ID)
	assert.Equal(t, map[string]float64{"2022-09-23": 7.68}, detail.Predict)
	require.Len(t, detail.History, 1)
	assert.Equal(t, map[string]float64{"2022-09-09": 7.31}, detail.History[0])
}

func TestPredictRejectsMalformedID(t *testing.T) {
	h := newTestHandler(&fakeService{}, nil)

	for _, id := range []string{"6000", "60000a", "6000001", "abcdef"} {
		rec := get(t, h.Predict, "/stock/"+id, map[string]string{"id": id})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, fmt.Sprintf("Error parameter: %s is not a valid stock id.", id), rec.Body.String())
	}
}

func TestPredictUnknownStock(t *testing.T) {
	h := newTestHandler(&fakeService{stocks: map[string]*serving.StockDetail{}}, nil)

	rec := get(t, h.Predict, "/stock/999999", map[string]string{"id": "999999"})
	assert.Equal(t, "Error parameter: Stock 999999 is invalid or not supported yet.", rec.Body.String())
}

func TestPredictUnsupportedStock(t *testing.T) {
	// A known id whose instrument was never scored reads the same as an
	// unknown one from the outside.
	h := newTestHandler(&fakeService{stocks: map[string]*serving.StockDetail{"600001": nil}}, nil)

	rec := get(t, h.Predict, "/stock/600001", map[string]string{"id": "600001"})
	assert.Equal(t, "Error parameter: Stock 600001 is invalid or not supported yet.", rec.Body.String())
}

func TestPredictInDateValidation(t *testing.T) {
	svc := &fakeService{stocks: map[string]*serving.StockDetail{}}
	h := newTestHandler(svc, nil)
	future := time.Now().AddDate(0, 0, 7).Format("2006-01-02")

	tests := []struct {
		name string
		id   string
		date string
		want string
	}{
		{"bad id", "60", "2022-09-09", "Error parameter: 60 is not a valid stock id."},
		{"bad date", "600000", "2022-13-45", "Error parameter: 2022-13-45 is not a valid date."},
		{"not a date", "600000", "yesterday", "Error parameter: yesterday is not a valid date."},
		{"future date", "600000", future, fmt.Sprintf("Future date %s is not supported.", future)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h.PredictInDate, "/stock/"+tt.id+"/"+tt.date,
				map[string]string{"id": tt.id, "date": tt.date})
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestPredictInDatePassesDateThrough(t *testing.T) {
	svc := &fakeService{stocks: map[string]*serving.StockDetail{"600000": {ID: "600000"}}}
	h := newTestHandler(svc, nil)

	rec := get(t, h.PredictInDate, "/stock/600000/2022-09-09",
		map[string]string{"id": "600000", "date": "2022-09-09"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2022-09-09", svc.lastAsOf.Format("2006-01-02"))
}

func TestGetStockList(t *testing.T) {
	svc := &fakeService{list: []serving.ListedStock{
		{ID: "000001", Pinyin: "PAYH", Name: "平安银行", EnName: "Ping An Bank Co., Ltd."},
		{ID: "600000", Pinyin: "PFYH", Name: "浦发银行"},
	}}
	h := newTestHandler(svc, nil)

	rec := get(t, h.GetStockList, "/stock/list", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var list []serving.ListedStock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, svc.list, list)

	// Rows without an English name omit the field entirely.
	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, raw[0], "enname")
	assert.NotContains(t, raw[1], "enname")
}

func TestGetTop5(t *testing.T) {
	svc := &fakeService{ranking: []serving.RankedStock{
		{ID: "600004", Name: "白云机场", Increase: 0.07},
		{ID: "600000", Name: "浦发银行", Increase: 0.0312},
	}}
	h := newTestHandler(svc, nil)

	rec := get(t, h.GetTop5, "/stock/top5", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var ranking []serving.RankedStock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranking))
	assert.Equal(t, svc.ranking, ranking)
}

func TestUpdateRefreshesAndNotifies(t *testing.T) {
	svc := &fakeService{}
	var wg sync.WaitGroup
	wg.Add(1)
	kicked := false
	h := newTestHandler(svc, func() {
		kicked = true
		wg.Done()
	})

	rec := get(t, h.Update, "/stock/update", nil)
	wg.Wait()

	assert.Equal(t, "Data updated.", rec.Body.String())
	assert.Equal(t, 1, svc.refreshed)
	assert.True(t, kicked)
}

func TestUpdateRunsOnePullAtATime(t *testing.T) {
	svc := &fakeService{}
	var started atomic.Int32
	release := make(chan struct{})
	h := newTestHandler(svc, func() {
		started.Add(1)
		<-release
	})

	// The first trigger claims the in-flight slot before responding.
	rec := get(t, h.Update, "/stock/update", nil)
	assert.Equal(t, "Data updated.", rec.Body.String())
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	// While that pull is blocked, further triggers refresh caches only.
	rec = get(t, h.Update, "/stock/update", nil)
	assert.Equal(t, "Data updated.", rec.Body.String())
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, 2, svc.refreshed)

	close(release)

	// Once the pull finishes, the next trigger starts a new one.
	require.Eventually(t, func() bool {
		get(t, h.Update, "/stock/update", nil)
		return started.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}
