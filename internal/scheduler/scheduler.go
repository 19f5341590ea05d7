package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/ingest"
)

// CycleRunner runs one guarded ingestion cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (ingest.CycleReport, error)
}

// HealthRunner runs one station health sweep.
type HealthRunner interface {
	Run(ctx context.Context) error
}

// Scheduler periodically triggers ingestion cycles and health checks.
type Scheduler struct {
	scheduler      *gocron.Scheduler
	cycles         CycleRunner
	health         HealthRunner
	ingestEvery    time.Duration
	healthEvery    time.Duration
	healthDeadline time.Duration
	logger         zerolog.Logger
	cancel         context.CancelFunc
}

// New creates a new Scheduler. A nil health runner disables the health job.
func New(cycles CycleRunner, ingestEvery time.Duration, health HealthRunner, healthEvery time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		scheduler:      gocron.NewScheduler(time.UTC),
		cycles:         cycles,
		health:         health,
		ingestEvery:    ingestEvery,
		healthEvery:    healthEvery,
		healthDeadline: healthEvery,
		logger:         logger,
	}
}

// Start schedules the periodic jobs and starts the underlying scheduler.
// Each job runs in singleton mode so a slow run is never overlapped locally.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.ingestEvery <= 0 {
		s.ingestEvery = time.Hour
	}
	if _, err := s.scheduler.Every(s.ingestEvery).SingletonMode().Do(func() {
		s.runIngestion(ctx)
	}); err != nil {
		return err
	}

	if s.health != nil {
		if s.healthEvery <= 0 {
			s.healthEvery = time.Minute
			s.healthDeadline = time.Minute
		}
		if _, err := s.scheduler.Every(s.healthEvery).SingletonMode().Do(func() {
			s.runHealth(ctx)
		}); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) runIngestion(ctx context.Context) {
	s.logger.Info().Msg("running ingestion job")

	report, err := s.cycles.RunCycle(ctx)
	switch {
	case errors.Is(err, ingest.ErrTaskRunning):
		s.logger.Info().Msg("ingestion still running elsewhere, skipped")
	case err != nil:
		s.logger.Error().Err(err).Str("cycle_id", report.ID).Str("status", string(report.Status)).Msg("ingestion job failed")
	default:
		s.logger.Info().Str("cycle_id", report.ID).Msg("completed ingestion job")
	}
}

func (s *Scheduler) runHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.healthDeadline)
	defer cancel()

	if err := s.health.Run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("health check job failed")
	}
}

// Stop stops the scheduler and cancels in-flight jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
