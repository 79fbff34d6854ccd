package scheduler

import (
	"context"
	"time"
)

// Job represents a scheduled job
type Job interface {
	// Name returns the job name
	Name() string

	// Run executes the job
	Run(ctx context.Context) error

	// Schedule returns the cron schedule expression, seconds included.
	// Example: "0 30 18 * * 1-5" (weekday evenings at 18:30)
	Schedule() string
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// JobHistory keeps the most recent execution results of one job.
type JobHistory struct {
	Results []JobResult
}

const historyLimit = 50

// AddResult appends a result, dropping the oldest beyond the limit.
func (h *JobHistory) AddResult(result JobResult) {
	h.Results = append(h.Results, result)
	if len(h.Results) > historyLimit {
		h.Results = h.Results[len(h.Results)-historyLimit:]
	}
}

// Latest returns the most recent result, if any.
func (h *JobHistory) Latest() (JobResult, bool) {
	if len(h.Results) == 0 {
		return JobResult{}, false
	}
	return h.Results[len(h.Results)-1], true
}
