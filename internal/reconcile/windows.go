package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/linqiu/stockseer/backend/internal/quantdata"
)

// Window is a maximal run of consecutive expected trading dates with no
// stored data. Windows are derived on demand and never persisted.
type Window struct {
	// ID is the domestic code of the instrument the gap belongs to.
	// Empty for market-wide price gaps shared by every instrument.
	ID string
	// ExternalID is the provider-side identifier for the instrument.
	ExternalID string
	Start      time.Time
	End        time.Time
}

// priceGapThreshold clusters nearby missing price dates into one window:
// dates closer than this are treated as a single repair unit, which
// absorbs weekday-adjacent holiday runs instead of producing one
// re-download per day.
const priceGapThreshold = 5 * 24 * time.Hour

// MissingForecastWindows walks the supported trading calendar for every
// live, already-scored instrument and returns the maximal runs of trading
// dates absent from its prediction map. Instruments with no predictions
// at all are excluded: they were never supported by the data source,
// which is different from a gap in scoring.
func (e *Engine) MissingForecastWindows(ctx context.Context) ([]Window, error) {
	calendar, err := e.gateway.TradingDays(ctx, e.epoch, time.Now())
	if err != nil {
		return nil, err
	}

	stocks, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}

	var windows []Window
	for _, stock := range stocks {
		if stock.Delisted || len(stock.Predict) == 0 {
			continue
		}

		var runStart, runEnd *time.Time
		for _, day := range calendar {
			day := day
			if _, ok := stock.Predict[day.Format(quantdata.DateFormat)]; !ok {
				if runStart == nil {
					runStart = &day
				}
				runEnd = &day
				continue
			}
			if runStart != nil {
				windows = append(windows, Window{
					ID: stock.ID, ExternalID: stock.QlibID,
					Start: *runStart, End: *runEnd,
				})
				runStart, runEnd = nil, nil
			}
		}
		// A run still open at the end of the calendar is a real window.
		if runStart != nil {
			windows = append(windows, Window{
				ID: stock.ID, ExternalID: stock.QlibID,
				Start: *runStart, End: *runEnd,
			})
		}
	}

	return windows, nil
}

// RepairMissingForecasts re-issues a scoped scoring call for every missing
// forecast window and merges the results. Windows where the instrument has
// no price data at all (a suspension) are skipped: there is nothing to
// score. Failures are logged per window and do not stop the repair.
func (e *Engine) RepairMissingForecasts(ctx context.Context) error {
	windows, err := e.MissingForecastWindows(ctx)
	if err != nil {
		return err
	}

	e.logger.WithField("windows", len(windows)).Info("Repairing missing forecasts")

	repaired := 0
	for _, window := range windows {
		if err := ctx.Err(); err != nil {
			return err
		}

		series, err := e.gateway.PriceSeries(ctx, window.ExternalID, window.Start, window.End)
		if err != nil {
			e.logger.WithError(err).WithField("id", window.ID).Error("Price lookup failed, skipping window")
			continue
		}
		if len(series) == 0 {
			// Suspended for the whole span, nothing to repair.
			continue
		}

		result, err := e.provider.Score(ctx, []string{window.ExternalID}, window.Start, window.End)
		if err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"id":    window.ID,
				"start": window.Start.Format(quantdata.DateFormat),
				"end":   window.End.Format(quantdata.DateFormat),
			}).Error("Scoring call failed, skipping window")
			continue
		}

		rows := result.ForInstrument(window.ExternalID)
		if len(rows) == 0 {
			continue
		}

		stock, err := e.store.Find(ctx, window.ID)
		if err != nil {
			return err
		}
		stock.MergePredict(rows)
		if err := e.store.Upsert(ctx, stock); err != nil {
			return err
		}
		repaired++
	}

	e.logger.WithFields(map[string]interface{}{
		"windows":  len(windows),
		"repaired": repaired,
	}).Info("Forecast repair completed")

	return nil
}

// MissingPriceWindows reports the trading dates missing from the price
// series of every live instrument at once, clustered into windows. A date
// missing for only some instruments is a suspension, not a data gap, so
// only the intersection counts. Re-ingesting the raw history is delegated
// to the data service's own tooling; this just tells it what to fetch.
func (e *Engine) MissingPriceWindows(ctx context.Context) ([]Window, error) {
	calendar, err := e.gateway.TradingDays(ctx, e.epoch, time.Now())
	if err != nil {
		return nil, err
	}

	stocks, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}

	var common map[string]bool
	for _, stock := range stocks {
		if stock.Delisted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		series, err := e.gateway.PriceSeries(ctx, stock.QlibID, e.epoch, time.Now())
		if err != nil {
			return nil, err
		}
		// No data at all: the instrument is not covered by the data
		// source, so it says nothing about market-wide gaps.
		if len(series) == 0 {
			continue
		}

		present := make(map[string]bool, len(series))
		for _, point := range series {
			present[point.Date.Format(quantdata.DateFormat)] = true
		}

		missing := make(map[string]bool)
		for _, day := range calendar {
			key := day.Format(quantdata.DateFormat)
			if !present[key] {
				missing[key] = true
			}
		}

		if common == nil {
			common = missing
			continue
		}
		for key := range common {
			if !missing[key] {
				delete(common, key)
			}
		}
	}

	if len(common) == 0 {
		return nil, nil
	}

	dates := make([]time.Time, 0, len(common))
	for key := range common {
		day, err := time.Parse(quantdata.DateFormat, key)
		if err != nil {
			return nil, err
		}
		dates = append(dates, day)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	return clusterDates(dates), nil
}

// clusterDates folds sorted dates into windows, joining runs whose gaps
// are under priceGapThreshold.
func clusterDates(dates []time.Time) []Window {
	var windows []Window
	start := dates[0]
	end := dates[0]
	for _, date := range dates {
		if date.Sub(end) < priceGapThreshold {
			end = date
		} else {
			windows = append(windows, Window{Start: start, End: end})
			start = date
			end = date
		}
	}
	windows = append(windows, Window{Start: start, End: end})
	return windows
}
