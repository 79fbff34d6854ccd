package jobs

import (
	"context"

	"github.com/linqiu/stockseer/backend/internal/reconcile"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// RepairJob re-scores forecast gaps and reports price gaps once a week.
// Price backfill itself belongs to the quant data pipeline, so missing
// price windows are only logged for its operators.
type RepairJob struct {
	engine *reconcile.Engine
	logger *logger.Logger
}

// NewRepairJob creates the weekly repair job.
func NewRepairJob(engine *reconcile.Engine, log *logger.Logger) *RepairJob {
	return &RepairJob{
		engine: engine,
		logger: log.WithField("job", "repair"),
	}
}

func (j *RepairJob) Name() string { return "repair" }

// Saturday mornings at 06:00 local time.
func (j *RepairJob) Schedule() string { return "0 0 6 * * 6" }

func (j *RepairJob) Run(ctx context.Context) error {
	if err := j.engine.RepairMissingForecasts(ctx); err != nil {
		return err
	}

	windows, err := j.engine.MissingPriceWindows(ctx)
	if err != nil {
		return err
	}
	for _, window := range windows {
		j.logger.WithFields(map[string]interface{}{
			"start": window.Start.Format("2006-01-02"),
			"end":   window.End.Format("2006-01-02"),
		}).Warn("Price history gap needs backfill")
	}
	return nil
}
