package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linqiu/stockseer/backend/internal/api/handlers"
	"github.com/linqiu/stockseer/backend/internal/serving"
	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

type routeService struct{}

func (routeService) StockList(ctx context.Context) ([]serving.ListedStock, error) {
	return []serving.ListedStock{}, nil
}

func (routeService) HistoryAndForecast(ctx context.Context, id string, asOf time.Time) (*serving.StockDetail, error) {
	return nil, fmt.Errorf("%w: %s", serving.ErrNotFound, id)
}

func (routeService) TopN(ctx context.Context, n int) ([]serving.RankedStock, error) {
	return []serving.RankedStock{}, nil
}

func (routeService) Refresh(ctx context.Context) error { return nil }

func newTestRouter() http.Handler {
	cfg := &config.Config{LogLevel: "error", LogFormat: "console"}
	log := logger.New(cfg)
	return NewRouter(handlers.NewStockHandler(routeService{}, nil, log), log)
}

func TestRouterFixedPathsWinOverID(t *testing.T) {
	router := newTestRouter()

	tests := []struct {
		path string
		body string
	}{
		// These must hit their own handlers, not /stock/{id}.
		{"/stock/list", "[]"},
		{"/stock/top5", "[]"},
		{"/stock/update", "Data updated."},
		// A real id path falls through to the predict handler.
		{"/stock/600000", "Error parameter: Stock 600000 is invalid or not supported yet."},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestRouterHealthAndCORS(t *testing.T) {
	router := newTestRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
