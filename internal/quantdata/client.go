package quantdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/httputil"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// Client is the HTTP implementation of Gateway. Requests are throttled
// with a local token bucket so a full-history reconciliation cannot
// flood the data service.
type Client struct {
	baseURL    string
	httpClient *httputil.Client
	limiter    *rate.Limiter
	logger     *logger.Logger
}

// NewClient creates a quant data client from config.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	rps := cfg.QuantData.RateLimit
	if rps <= 0 {
		rps = 20
	}
	return &Client{
		baseURL:    cfg.QuantData.BaseURL,
		httpClient: httputil.New(log),
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		logger:     log.WithField("component", "quantdata"),
	}
}

// calendarResponse is the wire shape of GET /calendar.
type calendarResponse struct {
	Calendar []string `json:"calendar"`
}

// TradingDays returns the ordered trading days in [start, end].
func (c *Client) TradingDays(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/calendar?start=%s&end=%s",
		c.baseURL, start.Format(DateFormat), end.Format(DateFormat))

	resp, err := c.httpClient.Get(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("calendar request returned status %d", resp.StatusCode)
	}

	var body calendarResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode calendar response: %w", err)
	}

	days := make([]time.Time, 0, len(body.Calendar))
	for _, raw := range body.Calendar {
		day, err := time.Parse(DateFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("calendar date %q: %w", raw, err)
		}
		days = append(days, day)
	}
	return days, nil
}

// featuresResponse is the wire shape of GET /features.
type featuresResponse struct {
	Rows []struct {
		Date  string  `json:"date"`
		Value float64 `json:"value"`
	} `json:"rows"`
}

// PriceSeries returns the ordered adjusted close series for one instrument.
func (c *Client) PriceSeries(ctx context.Context, externalID string, start, end time.Time) ([]PricePoint, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("instrument", externalID)
	query.Set("field", "$close/$factor")
	query.Set("start", start.Format(DateFormat))
	query.Set("end", end.Format(DateFormat))

	resp, err := c.httpClient.Get(ctx, c.baseURL+"/features?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch price series for %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("features request for %s returned status %d", externalID, resp.StatusCode)
	}

	var body featuresResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode features response: %w", err)
	}

	points := make([]PricePoint, 0, len(body.Rows))
	for _, row := range body.Rows {
		date, err := time.Parse(DateFormat, row.Date)
		if err != nil {
			return nil, fmt.Errorf("feature date %q: %w", row.Date, err)
		}
		points = append(points, PricePoint{Date: date, Close: row.Value})
	}
	return points, nil
}
