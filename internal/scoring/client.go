package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/httputil"
	"github.com/linqiu/stockseer/backend/pkg/logger"
	"github.com/linqiu/stockseer/backend/pkg/redis"
)

// Client is the HTTP implementation of Provider. Scoring calls are slow
// model-inference requests, so retry is disabled and the call budget is
// shared across processes through the Redis rate limiter when available.
type Client struct {
	baseURL    string
	httpClient *httputil.Client
	logger     *logger.Logger
}

// NewClient creates a scoring client from config.
func NewClient(cfg *config.Config, rdb *redis.Client, log *logger.Logger) *Client {
	httpClient := httputil.NewWithTimeout(log, cfg.Scorer.Timeout).DisableRetry()
	if rdb != nil {
		httpClient = httpClient.WithRateLimiter(
			redis.NewRateLimiter(rdb, "stockseer"),
			redis.RateLimitConfig{
				Key:    "scorer",
				Limit:  cfg.Scorer.RateLimitPerMin,
				Window: time.Minute,
			},
		)
	}
	return &Client{
		baseURL:    cfg.Scorer.BaseURL,
		httpClient: httpClient,
		logger:     log.WithField("component", "scoring"),
	}
}

// scoreRequest is the wire shape of POST /score.
type scoreRequest struct {
	Instruments []string `json:"instruments"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
}

// scoreResponse is the wire shape of the scoring service reply. Rows are
// sparse: any requested (date, instrument) pair may be missing.
type scoreResponse struct {
	Predictions []struct {
		Date       string  `json:"date"`
		Instrument string  `json:"instrument"`
		Score      float64 `json:"score"`
	} `json:"predictions"`
}

// Score requests predictions for the given instruments over [start, end].
func (c *Client) Score(ctx context.Context, externalIDs []string, start, end time.Time) (Result, error) {
	req := scoreRequest{
		Instruments: externalIDs,
		Start:       start.Format(DateFormat),
		End:         end.Format(DateFormat),
	}

	resp, err := c.httpClient.PostJSON(ctx, c.baseURL+"/score", req)
	if err != nil {
		return nil, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("score request returned status %d", resp.StatusCode)
	}

	var body scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode score response: %w", err)
	}

	result := make(Result)
	for _, row := range body.Predictions {
		// Normalize whatever the provider sends to the canonical date form.
		date, err := time.Parse(DateFormat, row.Date)
		if err != nil {
			c.logger.WithFields(map[string]interface{}{
				"date":       row.Date,
				"instrument": row.Instrument,
			}).Warn("Dropping prediction with malformed date")
			continue
		}
		key := date.Format(DateFormat)
		if result[key] == nil {
			result[key] = make(map[string]float64)
		}
		result[key][row.Instrument] = row.Score
	}

	c.logger.WithFields(map[string]interface{}{
		"instruments": len(externalIDs),
		"rows":        len(body.Predictions),
		"start":       req.Start,
		"end":         req.End,
	}).Debug("Scoring call completed")

	return result, nil
}
