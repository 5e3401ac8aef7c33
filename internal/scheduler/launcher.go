package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/domain"
)

// RunStarter starts the run described by a run spec file.
type RunStarter interface {
	StartFile(ctx context.Context, path string) (*domain.Run, error)
}

// RunLauncher starts runs on cron schedules.
type RunLauncher struct {
	starter RunStarter
	logger  *zap.Logger

	cronParser   cron.Parser
	schedules    map[string]*scheduledRun
	mu           sync.RWMutex
	pollInterval time.Duration

	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// scheduledRun tracks one configured schedule.
type scheduledRun struct {
	Schedule  config.ScheduleConfig
	CronSpec  cron.Schedule
	NextRun   time.Time
	LastRun   *time.Time
	LastRunID uuid.UUID
	LastError string
	running   bool
}

// ScheduleStatus is a snapshot of one schedule.
type ScheduleStatus struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	RunFile   string     `json:"run_file"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastRunID *uuid.UUID `json:"last_run_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// NewRunLauncher creates a new RunLauncher.
func NewRunLauncher(starter RunStarter, logger *zap.Logger) *RunLauncher {
	return &RunLauncher{
		starter:      starter,
		logger:       logger,
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		schedules:    make(map[string]*scheduledRun),
		pollInterval: 30 * time.Second,
	}
}

// Start loads the schedules and starts the launcher loop.
func (l *RunLauncher) Start(schedules []config.ScheduleConfig) error {
	l.logger.Info("Starting run launcher",
		zap.Duration("poll_interval", l.pollInterval),
	)

	l.ctx, l.cancel = context.WithCancel(context.Background())

	l.Reload(schedules)

	l.ticker = time.NewTicker(l.pollInterval)
	l.wg.Add(1)
	go l.launcherLoop()

	l.mu.RLock()
	active := len(l.schedules)
	l.mu.RUnlock()
	l.logger.Info("Run launcher started", zap.Int("active_schedules", active))

	return nil
}

// Stop gracefully stops the launcher.
func (l *RunLauncher) Stop() error {
	l.logger.Info("Stopping run launcher")

	if l.cancel != nil {
		l.cancel()
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}

	l.wg.Wait()

	l.logger.Info("Run launcher stopped")
	return nil
}

// Reload replaces the active schedules. Disabled entries and entries with
// an unparseable cron expression are skipped.
func (l *RunLauncher) Reload(schedules []config.ScheduleConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous := l.schedules
	l.schedules = make(map[string]*scheduledRun, len(schedules))

	now := time.Now()
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}

		cronSpec, err := l.cronParser.Parse(schedule.Cron)
		if err != nil {
			l.logger.Warn("Failed to parse cron expression, skipping schedule",
				zap.String("schedule_name", schedule.Name),
				zap.String("cron_expression", schedule.Cron),
				zap.Error(err),
			)
			continue
		}

		task := &scheduledRun{
			Schedule: schedule,
			CronSpec: cronSpec,
			NextRun:  cronSpec.Next(now),
		}
		if prev, ok := previous[schedule.Name]; ok {
			task.LastRun = prev.LastRun
			task.LastRunID = prev.LastRunID
			task.LastError = prev.LastError
		}
		l.schedules[schedule.Name] = task

		l.logger.Debug("Loaded schedule",
			zap.String("schedule_name", schedule.Name),
			zap.String("cron_expression", schedule.Cron),
			zap.Time("next_run", task.NextRun),
		)
	}

	l.logger.Info("Run schedules loaded", zap.Int("count", len(l.schedules)))
}

// Schedules returns the active schedules sorted by name.
func (l *RunLauncher) Schedules() []ScheduleStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]ScheduleStatus, 0, len(l.schedules))
	for _, task := range l.schedules {
		status := ScheduleStatus{
			Name:      task.Schedule.Name,
			Cron:      task.Schedule.Cron,
			RunFile:   task.Schedule.RunFile,
			NextRun:   task.NextRun,
			LastRun:   task.LastRun,
			LastError: task.LastError,
		}
		if task.LastRunID != uuid.Nil {
			id := task.LastRunID
			status.LastRunID = &id
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// launcherLoop runs the launcher loop.
func (l *RunLauncher) launcherLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.ticker.C:
			l.checkSchedules(time.Now())
		}
	}
}

// checkSchedules starts every schedule that is due at now. A schedule
// whose previous start is still in flight is skipped.
func (l *RunLauncher) checkSchedules(now time.Time) {
	l.mu.Lock()
	var due []*scheduledRun
	for _, task := range l.schedules {
		if task.running || task.NextRun.After(now) {
			continue
		}
		task.running = true
		task.NextRun = task.CronSpec.Next(now)
		due = append(due, task)
	}
	l.mu.Unlock()

	for _, task := range due {
		l.logger.Info("Executing scheduled run",
			zap.String("schedule_name", task.Schedule.Name),
			zap.String("run_file", task.Schedule.RunFile),
		)

		l.wg.Add(1)
		go func(task *scheduledRun) {
			defer l.wg.Done()
			l.executeSchedule(task)
		}(task)
	}
}

// executeSchedule starts the run of one schedule.
func (l *RunLauncher) executeSchedule(task *scheduledRun) {
	run, err := l.starter.StartFile(l.ctx, task.Schedule.RunFile)

	now := time.Now()
	l.mu.Lock()
	task.running = false
	task.LastRun = &now
	if err != nil {
		task.LastError = err.Error()
	} else {
		task.LastError = ""
		task.LastRunID = run.ID
	}
	nextRun := task.NextRun
	l.mu.Unlock()

	if err != nil {
		l.logger.Error("Scheduled run failed to start",
			zap.String("schedule_name", task.Schedule.Name),
			zap.String("run_file", task.Schedule.RunFile),
			zap.Error(err),
		)
		return
	}

	l.logger.Info("Scheduled run started",
		zap.String("run_id", run.ID.String()),
		zap.String("schedule_name", task.Schedule.Name),
		zap.Time("next_run", nextRun),
	)
}
