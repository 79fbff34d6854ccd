// Package serving answers read-side queries from data already reconciled
// into the record store. It never calls the scoring provider: request
// latency stays bounded by the store and one calendar/price lookup.
package serving

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/linqiu/stockseer/backend/internal/quantdata"
	"github.com/linqiu/stockseer/backend/internal/store"
	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/logger"
	"github.com/linqiu/stockseer/backend/pkg/redis"
)

var (
	// ErrNotFound is returned for ids with no record at all.
	ErrNotFound = errors.New("no such stock")

	// ErrNotSupported is returned for known instruments that the data
	// source has never scored. Distinct from ErrNotFound so the HTTP
	// layer can phrase the two cases differently.
	ErrNotSupported = errors.New("stock not supported yet")
)

const (
	// historyDays is the number of trading days of history served.
	historyDays = 40
	// historyLookbackDays is the calendar span fetched to find them.
	historyLookbackDays = 80
	// topNConsistencyDays is how many recent runs a stock must appear in
	// before it is rankable. Three-day consistency filters single-day
	// model noise at the cost of some upside.
	topNConsistencyDays = 3
	// topNLookbackDays is the calendar span fetched to find those runs.
	topNLookbackDays = 12
)

// ListedStock is one row of the stock list response.
type ListedStock struct {
	ID     string `json:"id"`
	Pinyin string `json:"pinyin"`
	Name   string `json:"name"`
	EnName string `json:"enname,omitempty"`
}

// StockDetail is the history-and-forecast response. History is an ordered
// sequence of single-date objects and Predict holds exactly one date; the
// shape is fixed by the web front end.
type StockDetail struct {
	ID           string               `json:"id"`
	Pinyin       string               `json:"pinyin"`
	Name         string               `json:"name"`
	QlibID       string               `json:"qlib_id"`
	EnName       string               `json:"enname,omitempty"`
	History      []map[string]float64 `json:"history"`
	Predict      map[string]float64   `json:"predict"`
	Delisted     bool                 `json:"delisted"`
	ListingDate  string               `json:"listing_date,omitempty"`
	DelistedDate string               `json:"delisted_date,omitempty"`
}

// RankedStock is one row of the top-N response.
type RankedStock struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Increase float64 `json:"increase"`
}

// Service is the serving layer over the record store and the quant data
// gateway.
type Service struct {
	store   store.Store
	gateway quantdata.Gateway
	cache   *redis.Cache
	logger  *logger.Logger

	horizon time.Duration

	mu        sync.RWMutex
	stockList []ListedStock
	topN      []RankedStock
	topNDate  string
}

// New creates the serving layer. The Redis cache is optional; pass nil to
// run purely in-process.
func New(s store.Store, gw quantdata.Gateway, rdb *redis.Client, cfg *config.Config, log *logger.Logger) *Service {
	var cache *redis.Cache
	if rdb != nil {
		cache = redis.NewCache(rdb, "stockseer")
	}
	return &Service{
		store:   s,
		gateway: gw,
		cache:   cache,
		logger:  log.WithField("module", "serving"),
		horizon: time.Duration(cfg.Predict.HorizonDays) * 24 * time.Hour,
	}
}

// StockList returns the live (non-delisted) instruments. The result is
// cached in memory until Refresh is called; correctness does not depend
// on the cache.
func (s *Service) StockList(ctx context.Context) ([]ListedStock, error) {
	s.mu.RLock()
	if s.stockList != nil {
		cached := s.stockList
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	stocks, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}

	list := make([]ListedStock, 0, len(stocks))
	for _, stock := range stocks {
		if stock.Delisted {
			continue
		}
		list = append(list, ListedStock{ID: stock.ID, Pinyin: stock.Pinyin, Name: stock.Name, EnName: stock.EnName})
	}

	s.mu.Lock()
	s.stockList = list
	s.mu.Unlock()

	return list, nil
}

// HistoryAndForecast returns the recent adjusted close history for the
// instrument together with the absolute price forecast reconstructed from
// the stored relative return.
//
// The forecast date is resolved by walking backward from the most recent
// fetched history date to the first date present in the prediction map.
// Ideally that is the latest completed trading day, but when scoring for
// it failed or the data arrived late an earlier date is used instead. The
// walk is bounded by the fetched history window.
func (s *Service) HistoryAndForecast(ctx context.Context, id string, asOf time.Time) (*StockDetail, error) {
	stock, err := s.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	if len(stock.Predict) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, id)
	}

	history, err := s.fetchHistory(ctx, stock.QlibID, asOf)
	if err != nil {
		return nil, err
	}

	matchedIdx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if _, ok := stock.Predict[history[i].date]; ok {
			matchedIdx = i
			break
		}
	}
	if matchedIdx == -1 {
		// No fetched history date has a stored forecast; treat like an
		// unsupported instrument rather than walking past the window.
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, id)
	}

	matched := history[matchedIdx]
	matchedDate, err := time.Parse(quantdata.DateFormat, matched.date)
	if err != nil {
		return nil, err
	}
	forecastDate := matchedDate.Add(s.horizon).Format(quantdata.DateFormat)
	forecastPrice := round2((1.0 + stock.Predict[matched.date]) * matched.price)

	historyOut := make([]map[string]float64, len(history))
	for i, point := range history {
		historyOut[i] = map[string]float64{point.date: point.price}
	}

	return &StockDetail{
		ID:           stock.ID,
		Pinyin:       stock.Pinyin,
		Name:         stock.Name,
		QlibID:       stock.QlibID,
		EnName:       stock.EnName,
		History:      historyOut,
		Predict:      map[string]float64{forecastDate: forecastPrice},
		Delisted:     stock.Delisted,
		ListingDate:  stock.ListingDate,
		DelistedDate: stock.DelistedDate,
	}, nil
}

type historyPoint struct {
	date  string
	price float64
}

// fetchHistory returns up to historyDays of adjusted close prices ending
// at asOf, with non-finite values dropped.
func (s *Service) fetchHistory(ctx context.Context, externalID string, asOf time.Time) ([]historyPoint, error) {
	lookbackStart := asOf.AddDate(0, 0, -historyLookbackDays)

	days, err := s.gateway.TradingDays(ctx, lookbackStart, asOf)
	if err != nil {
		return nil, err
	}
	if len(days) > historyDays {
		days = days[len(days)-historyDays:]
	}
	if len(days) == 0 {
		return nil, nil
	}

	series, err := s.gateway.PriceSeries(ctx, externalID, days[0], asOf)
	if err != nil {
		return nil, err
	}

	history := make([]historyPoint, 0, len(series))
	for _, point := range series {
		if math.IsNaN(point.Close) || math.IsInf(point.Close, 0) {
			continue
		}
		history = append(history, historyPoint{
			date:  point.Date.Format(quantdata.DateFormat),
			price: round2(point.Close),
		})
	}
	return history, nil
}

// TopN returns the n instruments with the highest summed relative return
// over the three most recent completed trading days. Only instruments
// scored on all three days are rankable. The ranking is recomputed only
// when the most recent completed trading day advances.
func (s *Service) TopN(ctx context.Context, n int) ([]RankedStock, error) {
	yesterday := time.Now().AddDate(0, 0, -1)
	days, err := s.gateway.TradingDays(ctx, yesterday.AddDate(0, 0, -topNLookbackDays), yesterday)
	if err != nil {
		return nil, err
	}
	if len(days) < topNConsistencyDays {
		return nil, fmt.Errorf("trading calendar has %d days, need %d", len(days), topNConsistencyDays)
	}
	recent := days[len(days)-topNConsistencyDays:]
	latestKey := recent[len(recent)-1].Format(quantdata.DateFormat)

	s.mu.RLock()
	if s.topNDate == latestKey {
		cached := headRanking(s.topN, n)
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	cacheKey := fmt.Sprintf("topn:%s", latestKey)
	if s.cache != nil {
		var cached []RankedStock
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			s.storeTopN(cached, latestKey)
			return headRanking(cached, n), nil
		}
	}

	ranking, err := s.rank(ctx, recent)
	if err != nil {
		return nil, err
	}

	s.storeTopN(ranking, latestKey)
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, ranking, 24*time.Hour); err != nil {
			s.logger.WithError(err).Warn("Failed to cache ranking")
		}
	}

	return headRanking(ranking, n), nil
}

// headRanking copies the leading n rows so callers never alias the cache.
func headRanking(ranking []RankedStock, n int) []RankedStock {
	if n > len(ranking) {
		n = len(ranking)
	}
	out := make([]RankedStock, n)
	copy(out, ranking)
	return out
}

// rank computes the full consistency-filtered ranking for the given
// trading days, most recent last.
func (s *Service) rank(ctx context.Context, recent []time.Time) ([]RankedStock, error) {
	keys := make([]string, len(recent))
	for i, day := range recent {
		keys[i] = day.Format(quantdata.DateFormat)
	}
	latest := keys[len(keys)-1]

	stocks, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		stock *store.Stock
		score float64
	}
	var candidates []scored
	for _, stock := range stocks {
		if len(stock.Predict) == 0 {
			continue
		}
		total := 0.0
		eligible := true
		for _, key := range keys {
			value, ok := stock.Predict[key]
			if !ok {
				eligible = false
				break
			}
			total += value
		}
		if eligible {
			candidates = append(candidates, scored{stock: stock, score: total})
		}
	}

	// Stable sort so equal scores keep store order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	ranking := make([]RankedStock, len(candidates))
	for i, c := range candidates {
		ranking[i] = RankedStock{
			ID:       c.stock.ID,
			Name:     c.stock.Name,
			Increase: round4(c.stock.Predict[latest]),
		}
	}
	return ranking, nil
}

func (s *Service) storeTopN(ranking []RankedStock, date string) {
	s.mu.Lock()
	s.topN = ranking
	s.topNDate = date
	s.mu.Unlock()
}

// Refresh drops every serving cache and forces the store to re-read
// durable storage. Call it after an external process rewrote the store.
func (s *Service) Refresh(ctx context.Context) error {
	s.store.InvalidateCache()

	s.mu.Lock()
	s.stockList = nil
	s.topN = nil
	s.topNDate = ""
	s.mu.Unlock()

	// Warm the stock list again so the next request is served hot.
	_, err := s.StockList(ctx)
	return err
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
