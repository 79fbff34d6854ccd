// Package quantdata talks to the quant data service that owns the trading
// calendar and the adjusted price/feature series. The service is an
// external collaborator; this package is the only place its wire format
// is known.
package quantdata

import (
	"context"
	"time"
)

// DateFormat is the wire format for all trading dates.
const DateFormat = "2006-01-02"

// PricePoint is one observation of the factor-adjusted close price
// (close divided by the cumulative adjustment factor).
type PricePoint struct {
	Date  time.Time
	Close float64
}

// Gateway answers calendar and price-series queries.
type Gateway interface {
	// TradingDays returns the ordered trading days in [start, end].
	TradingDays(ctx context.Context, start, end time.Time) ([]time.Time, error)

	// PriceSeries returns the ordered adjusted close series for one
	// instrument over [start, end]. An empty series is not an error: it
	// means the instrument was suspended (or has no data) in that span.
	PriceSeries(ctx context.Context, externalID string, start, end time.Time) ([]PricePoint, error)
}
