// Package scheduler runs the recurring maintenance jobs: the nightly
// forecast pull and the weekly gap repair.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linqiu/stockseer/backend/pkg/logger"
)

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron    *cron.Cron
	logger  *logger.Logger
	jobs    map[string]Job
	history map[string]*JobHistory
	mu      sync.RWMutex

	maxRetries int
	retryDelay time.Duration
}

// New creates a new scheduler
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		logger:     log.WithField("module", "scheduler"),
		jobs:       make(map[string]Job),
		history:    make(map[string]*JobHistory),
		maxRetries: 2,
		retryDelay: 5 * time.Minute,
	}
}

// AddJob registers a job with the underlying cron runner.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobName := job.Name()
	if _, exists := s.jobs[jobName]; exists {
		return fmt.Errorf("job %s already exists", jobName)
	}

	_, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", jobName, err)
	}

	s.jobs[jobName] = job
	s.history[jobName] = &JobHistory{}

	s.logger.WithFields(map[string]interface{}{
		"job":      jobName,
		"schedule": job.Schedule(),
	}).Info("Job added to scheduler")

	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// RunJob runs a registered job immediately, outside its schedule.
func (s *Scheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	go s.runJob(job)
	return nil
}

// runJob executes a job with retry logic
func (s *Scheduler) runJob(job Job) {
	jobName := job.Name()
	startTime := time.Now()

	s.logger.WithField("job", jobName).Info("Job started")

	var lastErr error
	var success bool

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := job.Run(context.Background())
		if err == nil {
			success = true
			break
		}

		lastErr = err
		s.logger.WithFields(map[string]interface{}{
			"job":     jobName,
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Warn("Job execution failed")

		if attempt < s.maxRetries {
			time.Sleep(s.retryDelay)
		}
	}

	result := JobResult{
		JobName:   jobName,
		StartTime: startTime,
		EndTime:   time.Now(),
		Success:   success,
	}
	result.Duration = result.EndTime.Sub(startTime)
	if !success && lastErr != nil {
		result.Error = lastErr.Error()
	}

	s.mu.Lock()
	if history, exists := s.history[jobName]; exists {
		history.AddResult(result)
	}
	s.mu.Unlock()

	if success {
		s.logger.WithFields(map[string]interface{}{
			"job":      jobName,
			"duration": result.Duration,
		}).Info("Job completed successfully")
	} else {
		s.logger.WithFields(map[string]interface{}{
			"job":      jobName,
			"duration": result.Duration,
			"error":    lastErr.Error(),
		}).Error("Job failed after all retries")
	}
}

// History returns the execution history for a job.
func (s *Scheduler) History(jobName string) (*JobHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, exists := s.history[jobName]
	if !exists {
		return nil, fmt.Errorf("job %s not found", jobName)
	}
	return history, nil
}

// Jobs returns the names of all registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]string, 0, len(s.jobs))
	for jobName := range s.jobs {
		jobs = append(jobs, jobName)
	}
	return jobs
}
