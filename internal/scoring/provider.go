// Package scoring talks to the model scoring service that turns a set of
// instruments and a date range into relative-return predictions. The
// provider may silently omit any requested (date, instrument) pair;
// omission means "no data", never an error.
package scoring

import (
	"context"
	"time"
)

// DateFormat is the wire format for prediction dates.
const DateFormat = "2006-01-02"

// Result maps trading date -> external id -> predicted relative return
// over the model's fixed horizon.
type Result map[string]map[string]float64

// ForInstrument extracts one instrument's date -> return rows. The result
// is nil when the provider returned nothing for the instrument.
func (r Result) ForInstrument(externalID string) map[string]float64 {
	var rows map[string]float64
	for date, byInstrument := range r {
		value, ok := byInstrument[externalID]
		if !ok {
			continue
		}
		if rows == nil {
			rows = make(map[string]float64)
		}
		rows[date] = value
	}
	return rows
}

// Empty reports whether the result carries no rows at all.
func (r Result) Empty() bool {
	for _, byInstrument := range r {
		if len(byInstrument) > 0 {
			return false
		}
	}
	return true
}

// Provider produces relative-return predictions for a set of instruments
// over a date range.
type Provider interface {
	Score(ctx context.Context, externalIDs []string, start, end time.Time) (Result, error)
}
