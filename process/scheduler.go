package process

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/manwithacat/dazzle-sub009/internal/coordination"
)

// processStarter is the slice of ProcessAdapter the scheduler needs.
type processStarter interface {
	StartProcess(ctx context.Context, name string, inputs map[string]any, opts StartOptions) (string, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Logger *slog.Logger

	// Locks enables cluster-singleton triggering: when set, each tick
	// fires on at most one worker. Leave nil for single-process use.
	Locks    coordination.LockManager
	WorkerID string
}

// Scheduler fires registered schedules, starting one process run per
// tick. Cron expressions use the standard five-field format; fixed
// intervals use cron's @every semantics.
type Scheduler struct {
	starter  processStarter
	registry *Registry
	logger   *slog.Logger
	opts     SchedulerOptions
	cron     *cron.Cron
}

// NewScheduler creates a scheduler over the registry's schedules. Call
// Start after every schedule is registered.
func NewScheduler(starter processStarter, registry *Registry, opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		starter:  starter,
		registry: registry,
		logger:   logger,
		opts:     opts,
	}
}

// Start registers every schedule with cron and begins ticking.
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	for _, spec := range s.registry.Schedules() {
		job := s.job(spec)
		if spec.Cron != "" {
			if _, err := s.cron.AddFunc(spec.Cron, job); err != nil {
				return fmt.Errorf("invalid cron expression for schedule %s: %w", spec.Name, err)
			}
		} else {
			s.cron.Schedule(cron.Every(spec.Interval), cron.FuncJob(job))
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts ticking and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Trigger fires a schedule by name immediately, outside its cadence.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	spec, ok := s.registry.Schedule(name)
	if !ok {
		return "", fmt.Errorf("schedule not registered: %s", name)
	}
	return s.starter.StartProcess(ctx, spec.ProcessName, spec.Inputs, StartOptions{})
}

func (s *Scheduler) job(spec ScheduleSpec) func() {
	fire := func(ctx context.Context) error {
		runID, err := s.starter.StartProcess(ctx, spec.ProcessName, spec.Inputs, StartOptions{})
		if err != nil {
			return err
		}
		s.logger.Debug("schedule fired",
			"schedule", spec.Name, "process", spec.ProcessName, "run_id", runID)
		return nil
	}

	if s.opts.Locks == nil {
		return func() {
			if err := fire(context.Background()); err != nil {
				s.logger.Error("schedule trigger failed",
					"schedule", spec.Name, "error", err)
			}
		}
	}

	singleton := coordination.NewSingleton(s.opts.Locks, s.opts.WorkerID, "schedule:"+spec.Name, 0)
	return func() {
		if _, err := singleton.Do(context.Background(), fire); err != nil {
			s.logger.Error("schedule trigger failed",
				"schedule", spec.Name, "error", err)
		}
	}
}
