// Package scheduling runs the periodic maintenance jobs of the
// orchestration layer: idle instance reaping and remote health polls.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Action identifies a kind of scheduled job.
type Action string

const (
	ActionInstanceReap Action = "instance_reap"
	ActionBackendProbe Action = "backend_probe"
)

// DefaultTaskTimeout bounds a single run of any job.
const DefaultTaskTimeout = 5 * time.Minute

// Task is a recurring job bound to a registered action.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" or duration "30s"
	Action   Action
}

// Scheduler fires jobs on cron expressions or fixed intervals. Jobs run
// with a context derived from the one passed to Start, so Stop cancels
// any job still running.
type Scheduler struct {
	cron        *cron.Cron
	actions     map[Action]func(ctx context.Context) error
	dynamic     map[string]cron.EntryID
	logger      *slog.Logger
	taskTimeout time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTaskTimeout overrides DefaultTaskTimeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:        cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger))),
		actions:     make(map[Action]func(ctx context.Context) error),
		dynamic:     make(map[string]cron.EntryID),
		logger:      logger,
		taskTimeout: DefaultTaskTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterAction binds fn to action. Later registrations replace earlier
// ones for tasks added afterwards.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules task using its registered action.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(task.Name, fn) }))
	s.logger.Info("task scheduled", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// AddDynamicTask schedules fn under id, for jobs whose lifetime follows
// some runtime object such as a remote endpoint.
func (s *Scheduler) AddDynamicTask(id string, schedule cron.Schedule, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dynamic[id]; exists {
		return fmt.Errorf("scheduler: dynamic task %q already exists", id)
	}
	s.dynamic[id] = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(id, fn) }))
	s.logger.Debug("dynamic task added", "id", id)
	return nil
}

// RemoveDynamicTask unschedules the job added under id.
func (s *Scheduler) RemoveDynamicTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.dynamic[id]
	if !ok {
		return fmt.Errorf("scheduler: dynamic task %q not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.dynamic, id)
	s.logger.Debug("dynamic task removed", "id", id)
	return nil
}

// HasDynamicTask reports whether id is scheduled.
func (s *Scheduler) HasDynamicTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dynamic[id]
	return ok
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(taskCtx); err != nil {
		s.logger.Warn("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled task completed", "task", name, "duration", time.Since(start))
}

// Start begins firing jobs. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ParseSchedule accepts a five-field cron expression, a descriptor such
// as "@hourly", or a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return Every(dur), nil
}

// Every returns a schedule firing at a fixed interval. Unlike cron.Every
// it keeps sub-second precision.
func Every(d time.Duration) cron.Schedule {
	return constantDelay(d)
}

type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
