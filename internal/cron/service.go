package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/storefront-fulfillment/pkg/logger"
)

const defaultInterval = 5 * time.Minute

type jobRecorder interface {
	ObserveDuration(job string, duration time.Duration)
	IncSuccess(job string)
	IncFailure(job string)
	AddProcessed(job string, n int)
}

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  jobRecorder
	Interval time.Duration
}

// Service runs the registered jobs on a fixed cadence. Each job takes its own
// lock so a slow sync never blocks payment expiry on another instance.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  jobRecorder
	interval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run executes a cycle immediately, then every interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runCycle(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	for _, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			return
		}
		s.runLocked(ctx, job)
	}
}

func (s *Service) runLocked(ctx context.Context, job Job) {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	locked, err := s.lock.Acquire(jobCtx, job.Name())
	if err != nil {
		s.logg.Error(jobCtx, "cron.lock_failed", err)
		s.recordFailure(job.Name())
		return
	}
	if !locked {
		s.logg.Debug(jobCtx, "cron.job_skipped_locked")
		return
	}
	defer func() {
		if relErr := s.lock.Release(jobCtx, job.Name()); relErr != nil {
			s.logg.Error(jobCtx, "cron.lock_release_failed", relErr)
		}
	}()
	s.runJob(jobCtx, job)
}

func (s *Service) runJob(ctx context.Context, job Job) {
	start := time.Now()
	processed, err := job.Run(ctx)
	duration := time.Since(start)
	ctx = s.logg.WithFields(ctx, map[string]any{
		"duration_ms": duration.Milliseconds(),
		"processed":   processed,
	})
	if s.metrics != nil {
		s.metrics.ObserveDuration(job.Name(), duration)
		s.metrics.AddProcessed(job.Name(), processed)
	}
	if err != nil {
		s.logg.Error(ctx, "cron.job_failed", err)
		s.recordFailure(job.Name())
		return
	}
	s.logg.Info(ctx, "cron.job_completed")
	if s.metrics != nil {
		s.metrics.IncSuccess(job.Name())
	}
}

func (s *Service) recordFailure(job string) {
	if s.metrics != nil {
		s.metrics.IncFailure(job)
	}
}
