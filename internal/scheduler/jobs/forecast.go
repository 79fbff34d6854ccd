// Package jobs holds the concrete scheduled jobs.
package jobs

import (
	"context"
	"time"

	"github.com/linqiu/stockseer/backend/internal/reconcile"
	"github.com/linqiu/stockseer/backend/internal/serving"
	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// ForecastJob pulls scores for the most recent completed trading day and
// refreshes the serving caches afterwards. It runs on weekday evenings,
// after the scoring pipeline has processed the day's close.
type ForecastJob struct {
	engine  *reconcile.Engine
	serving *serving.Service
	logger  *logger.Logger
}

// NewForecastJob creates the nightly forecast job. serving may be nil
// when running outside the API process.
func NewForecastJob(engine *reconcile.Engine, svc *serving.Service, log *logger.Logger) *ForecastJob {
	return &ForecastJob{
		engine:  engine,
		serving: svc,
		logger:  log.WithField("job", "forecast"),
	}
}

func (j *ForecastJob) Name() string { return "forecast" }

// Weekday evenings at 19:30 local time.
func (j *ForecastJob) Schedule() string { return "0 30 19 * * 1-5" }

func (j *ForecastJob) Run(ctx context.Context) error {
	target := time.Now()
	j.logger.WithFields(map[string]interface{}{
		"date": target.Format("2006-01-02"),
	}).Info("Pulling forecasts")

	if err := j.engine.Reconcile(ctx, &target, false); err != nil {
		return err
	}

	if j.serving != nil {
		return j.serving.Refresh(ctx)
	}
	return nil
}
