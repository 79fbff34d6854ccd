// Package reconcile brings stored forecasts up to date with what the
// scoring provider can currently supply: batched scoring across the whole
// instrument universe, and detection plus repair of gaps left behind by
// holidays, suspensions and partially failed runs.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/linqiu/stockseer/backend/internal/quantdata"
	"github.com/linqiu/stockseer/backend/internal/scoring"
	"github.com/linqiu/stockseer/backend/internal/store"
	"github.com/linqiu/stockseer/backend/pkg/config"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// Engine orchestrates batched scoring calls and merges the results into
// the record store. All collaborators are explicit constructor arguments;
// the engine keeps no global state.
type Engine struct {
	store    store.Store
	gateway  quantdata.Gateway
	provider scoring.Provider
	logger   *logger.Logger

	epoch     time.Time
	batchSize int
	workers   int
}

// New creates a reconciliation engine from config.
func New(s store.Store, gw quantdata.Gateway, p scoring.Provider, cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{
		store:     s,
		gateway:   gw,
		provider:  p,
		logger:    log.WithField("module", "reconcile"),
		epoch:     cfg.EpochDate(),
		batchSize: cfg.Predict.BatchSize,
		workers:   cfg.Predict.Workers,
	}
}

// batchOutcome accumulates per-batch bookkeeping for the run summary.
type batchOutcome struct {
	batch  int
	merged int
	err    error
}

// Reconcile scores instruments and merges the predictions into the store.
// A nil target reconciles the whole supported history from the epoch date
// through today; otherwise only the target date is scored. Unless force
// is set, instruments whose stored predictions already cover the target
// date are skipped.
//
// A provider failure for one batch is logged and does not abort the
// others; progress is committed per instrument, so an aborted run keeps
// everything merged so far.
func (e *Engine) Reconcile(ctx context.Context, target *time.Time, force bool) error {
	start := e.epoch
	end := time.Now()
	if target != nil {
		start = *target
		end = *target
	}

	stocks, err := e.store.All(ctx)
	if err != nil {
		return err
	}

	work := make([]*store.Stock, 0, len(stocks))
	targetKey := ""
	if target != nil {
		targetKey = target.Format(quantdata.DateFormat)
	}
	for _, stock := range stocks {
		// Cost control: skip instruments already scored for the target
		// date. The merge is idempotent, so force just re-spends budget.
		if !force && targetKey != "" {
			if _, covered := stock.Predict[targetKey]; covered {
				continue
			}
		}
		work = append(work, stock)
	}

	batches := batch(work, e.batchSize)

	e.logger.WithFields(map[string]interface{}{
		"stocks":  len(work),
		"skipped": len(stocks) - len(work),
		"batches": len(batches),
		"workers": e.workers,
		"start":   start.Format(quantdata.DateFormat),
		"end":     end.Format(quantdata.DateFormat),
	}).Info("Starting reconciliation")

	batchCh := make(chan int, len(batches))
	outcomeCh := make(chan batchOutcome, len(batches))

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range batchCh {
				select {
				case <-ctx.Done():
					outcomeCh <- batchOutcome{batch: idx, err: ctx.Err()}
					continue
				default:
				}
				outcomeCh <- e.scoreBatch(ctx, idx, batches[idx], start, end)
			}
		}()
	}

	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	go func() {
		wg.Wait()
		close(outcomeCh)
	}()

	merged, failed := 0, 0
	for outcome := range outcomeCh {
		if outcome.err != nil {
			failed++
			continue
		}
		merged += outcome.merged
	}

	e.logger.WithFields(map[string]interface{}{
		"merged_stocks":  merged,
		"failed_batches": failed,
	}).Info("Reconciliation completed")

	return ctx.Err()
}

// scoreBatch issues one scoring call and merges its rows instrument by
// instrument. Instruments absent from the result are left untouched.
func (e *Engine) scoreBatch(ctx context.Context, idx int, stocks []*store.Stock, start, end time.Time) batchOutcome {
	ids := make([]string, len(stocks))
	for i, stock := range stocks {
		ids[i] = stock.QlibID
	}

	result, err := e.provider.Score(ctx, ids, start, end)
	if err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"batch": idx,
			"size":  len(stocks),
		}).Error("Scoring call failed, skipping batch")
		return batchOutcome{batch: idx, err: err}
	}
	if result.Empty() {
		return batchOutcome{batch: idx}
	}

	merged := 0
	for _, stock := range stocks {
		rows := result.ForInstrument(stock.QlibID)
		if len(rows) == 0 {
			// Silent omission: no data for this instrument, keep what
			// is already stored.
			continue
		}
		// Merge into a copy: the record may be a shared cache pointer
		// that concurrent readers are iterating.
		updated := stock.Clone()
		updated.MergePredict(rows)
		if err := e.store.Upsert(ctx, updated); err != nil {
			e.logger.WithError(err).WithField("id", stock.ID).Error("Failed to persist predictions")
			return batchOutcome{batch: idx, merged: merged, err: err}
		}
		merged++
	}

	return batchOutcome{batch: idx, merged: merged}
}

// batch splits stocks into runs of at most size elements, preserving order.
func batch(stocks []*store.Stock, size int) [][]*store.Stock {
	if size <= 0 {
		size = 1
	}
	var batches [][]*store.Stock
	for start := 0; start < len(stocks); start += size {
		end := start + size
		if end > len(stocks) {
			end = len(stocks)
		}
		batches = append(batches, stocks[start:end])
	}
	return batches
}
