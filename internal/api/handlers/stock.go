// Package handlers holds the HTTP endpoint implementations. Invalid
// parameters are answered with plain-text "Error parameter: ..." strings
// and status 200 because the web front end renders the body verbatim.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/linqiu/stockseer/backend/internal/serving"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

const dateFormat = "2006-01-02"

// StockService is the serving-layer surface the handlers need.
type StockService interface {
	StockList(ctx context.Context) ([]serving.ListedStock, error)
	HistoryAndForecast(ctx context.Context, id string, asOf time.Time) (*serving.StockDetail, error)
	TopN(ctx context.Context, n int) ([]serving.RankedStock, error)
	Refresh(ctx context.Context) error
}

// StockHandler handles the stock query endpoints.
type StockHandler struct {
	service  StockService
	updater  func()
	updating atomic.Bool
	logger   *logger.Logger
}

// NewStockHandler creates a new stock handler. updater is invoked in the
// background on /stock/update to re-pull forecasts for the latest day;
// pass nil to only refresh caches.
func NewStockHandler(service StockService, updater func(), log *logger.Logger) *StockHandler {
	return &StockHandler{
		service: service,
		updater: updater,
		logger:  log,
	}
}

// Home returns a short usage page.
// GET /
func (h *StockHandler) Home(w http.ResponseWriter, r *http.Request) {
	respondText(w, "This is the homepage of stock prediction service.<p>"+
		"Usages:<br>"+
		"&emsp;<b>Get stock list:</b>&emsp;/stock/list<br>"+
		"&emsp;<b>Predict:</b>&emsp;/stock/&lt;id&gt;<br>"+
		"&emsp;<b>Predict in date:</b>&emsp;/stock/&lt;id&gt;/&lt;yyyy-mm-dd&gt;")
}

// GetStockList returns every live instrument.
// GET /stock/list
func (h *StockHandler) GetStockList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.StockList(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to load stock list")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve stock list")
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// Predict returns history and the two-week forecast as of today.
// GET /stock/{id}
func (h *StockHandler) Predict(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.logger.WithFields(map[string]interface{}{
		"id":     id,
		"remote": r.RemoteAddr,
		"source": sourceOf(r),
	}).Info("Predict request")

	if !validStockID(id) {
		respondText(w, fmt.Sprintf("Error parameter: %s is not a valid stock id.", id))
		return
	}

	h.predict(w, r, id, time.Now())
}

// PredictInDate returns history and the two-week forecast as of the given
// date.
// GET /stock/{id}/{date}
func (h *StockHandler) PredictInDate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, date := vars["id"], vars["date"]
	h.logger.WithFields(map[string]interface{}{
		"id":     id,
		"date":   date,
		"remote": r.RemoteAddr,
	}).Info("Predict request")

	if !validStockID(id) {
		respondText(w, fmt.Sprintf("Error parameter: %s is not a valid stock id.", id))
		return
	}
	asOf, err := time.Parse(dateFormat, date)
	if err != nil {
		respondText(w, fmt.Sprintf("Error parameter: %s is not a valid date.", date))
		return
	}
	if asOf.After(time.Now()) {
		respondText(w, fmt.Sprintf("Error parameter: Future date %s is not supported.", date))
		return
	}

	h.predict(w, r, id, asOf)
}

func (h *StockHandler) predict(w http.ResponseWriter, r *http.Request, id string, asOf time.Time) {
	detail, err := h.service.HistoryAndForecast(r.Context(), id, asOf)
	if err != nil {
		if errors.Is(err, serving.ErrNotFound) || errors.Is(err, serving.ErrNotSupported) {
			respondText(w, fmt.Sprintf("Error parameter: Stock %s is invalid or not supported yet.", id))
			return
		}
		h.logger.WithError(err).WithFields(map[string]interface{}{"id": id}).Error("Failed to build forecast")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve forecast")
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// GetTop5 returns the five highest-ranked instruments.
// GET /stock/top5
func (h *StockHandler) GetTop5(w http.ResponseWriter, r *http.Request) {
	ranking, err := h.service.TopN(r.Context(), 5)
	if err != nil {
		h.logger.WithError(err).Error("Failed to build ranking")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve ranking")
		return
	}
	respondJSON(w, http.StatusOK, ranking)
}

// Update drops serving caches after the store was rewritten externally
// and, when an updater is wired, kicks a background forecast pull. At most
// one pull runs at a time; triggers arriving while one is in flight only
// refresh the caches.
// GET /stock/update
func (h *StockHandler) Update(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Refresh(r.Context()); err != nil {
		h.logger.WithError(err).Error("Failed to refresh data")
		respondError(w, http.StatusInternalServerError, "Failed to refresh data")
		return
	}
	if h.updater != nil && h.updating.CompareAndSwap(false, true) {
		go func() {
			defer h.updating.Store(false)
			h.updater()
		}()
	}
	respondText(w, "Data updated.")
}

// validStockID reports whether id is a 6-digit exchange code.
func validStockID(id string) bool {
	if len(id) != 6 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func sourceOf(r *http.Request) string {
	if source := r.URL.Query().Get("source"); source != "" {
		return source
	}
	return "api"
}
