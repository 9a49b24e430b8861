// Package scheduling runs periodic maintenance: checkpoint expiry sweeps
// and tool history clearing.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction identifies a type of scheduled action.
type ScheduledAction string

const (
	ActionCheckpointSweep ScheduledAction = "checkpoint_sweep"
	ActionHistoryClear    ScheduledAction = "history_clear"
)

// defaultTaskTimeout bounds a single task run.
const defaultTaskTimeout = 5 * time.Minute

// ScheduledTask defines a recurring task.
type ScheduledTask struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Action   ScheduledAction
	OneShot  bool
}

// EntryInfo describes a registered task for status output.
type EntryInfo struct {
	Name     string
	Action   ScheduledAction
	Schedule string
	Next     time.Time
}

type entry struct {
	id   cron.EntryID
	task ScheduledTask
}

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron        *cron.Cron
	actions     map[ScheduledAction]func(ctx context.Context) error
	entries     map[string]entry
	taskTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:        cron.New(),
		actions:     make(map[ScheduledAction]func(ctx context.Context) error),
		entries:     make(map[string]entry),
		taskTimeout: defaultTaskTimeout,
		logger:      logger,
	}
}

// RegisterAction registers a handler for a scheduled action type.
func (s *Scheduler) RegisterAction(action ScheduledAction, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask adds a scheduled task. The schedule can be a cron expression or a duration string.
func (s *Scheduler) AddTask(task ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	if _, dup := s.entries[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}

	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	var id cron.EntryID
	id = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(task, fn)
		if task.OneShot {
			s.cron.Remove(id)
			s.mu.Lock()
			delete(s.entries, task.Name)
			s.mu.Unlock()
		}
	}))
	s.entries[task.Name] = entry{id: id, task: task}

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(task ScheduledTask, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	timeout := s.taskTimeout
	s.mu.Unlock()

	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := fn(taskCtx); err != nil {
		s.logger.Warn("scheduled task failed",
			"task", task.Name,
			"error", err,
			"duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled task completed",
		"task", task.Name,
		"duration", time.Since(start))
}

// RunNow executes the named task once, synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	fn := s.actions[e.task.Action]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	return fn(ctx)
}

// Entries lists the registered tasks ordered by name.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, EntryInfo{
			Name:     name,
			Action:   e.task.Action,
			Schedule: e.task.Schedule,
			Next:     s.cron.Entry(e.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu, so wait without holding it.
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
	return nil
}

// ParseSchedule parses a cron expression or, failing that, a positive
// duration.
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
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it supports
// sub-second durations.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
