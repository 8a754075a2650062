// Package scheduler runs the periodic maintenance sweeps of the pipeline,
// currently the approval/escalation timeout sweep.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// DefaultSweepSpec runs the timeout sweep every 30 seconds.
const DefaultSweepSpec = "@every 30s"

// TimeoutSweeper is the escalation manager's sweep surface.
type TimeoutSweeper interface {
	ProcessTimeouts(ctx context.Context, defaultAction string) ([]*contracts.EscalationRecord, error)
}

// Scheduler drives sweeps on a cron schedule.
type Scheduler struct {
	cron          *cron.Cron
	sweeper       TimeoutSweeper
	defaultAction string
	sweepTimeout  time.Duration
	logger        *slog.Logger
}

// New creates a scheduler. defaultAction ("approve" or "reject") is what a
// timed-out request settles to; reject is the fail-closed choice.
func New(sweeper TimeoutSweeper, defaultAction string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultAction == "" {
		defaultAction = "reject"
	}
	return &Scheduler{
		cron:          cron.New(),
		sweeper:       sweeper,
		defaultAction: defaultAction,
		sweepTimeout:  30 * time.Second,
		logger:        logger,
	}
}

// Start registers the sweep at the given cron spec and starts the scheduler.
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("timeout sweep scheduled", "spec", spec, "default_action", s.defaultAction)
	return nil
}

// AddJob registers an extra named job at the given cron spec. Must be
// called before Start for the first run to be scheduled predictably.
func (s *Scheduler) AddJob(spec, name string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.sweepTimeout)
		defer cancel()
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", name, "error", err)
		}
	})
	if err == nil {
		s.logger.Info("job scheduled", "job", name, "spec", spec)
	}
	return err
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.sweepTimeout)
	defer cancel()

	touched, err := s.sweeper.ProcessTimeouts(ctx, s.defaultAction)
	if err != nil {
		s.logger.Error("timeout sweep failed", "error", err)
		return
	}
	if len(touched) > 0 {
		s.logger.Info("timeout sweep settled requests", "count", len(touched))
	}
}
