package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/domain"
)

type fakeStarter struct {
	mu    sync.Mutex
	paths []string
	err   error
	id    uuid.UUID
}

func (f *fakeStarter) StartFile(_ context.Context, path string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Run{ID: f.id}, nil
}

func (f *fakeStarter) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func TestRunLauncher_ReloadSkipsInvalidSchedules(t *testing.T) {
	launcher := NewRunLauncher(&fakeStarter{}, zaptest.NewLogger(t))

	launcher.Reload([]config.ScheduleConfig{
		{Name: "nightly", Cron: "0 2 * * *", RunFile: "runs/nightly.yaml", Enabled: true},
		{Name: "disabled", Cron: "0 3 * * *", RunFile: "runs/other.yaml", Enabled: false},
		{Name: "broken", Cron: "not a cron", RunFile: "runs/broken.yaml", Enabled: true},
		{Name: "hourly", Cron: "0 * * * *", RunFile: "runs/hourly.yaml", Enabled: true},
	})

	statuses := launcher.Schedules()
	require.Len(t, statuses, 2)
	assert.Equal(t, "hourly", statuses[0].Name)
	assert.Equal(t, "nightly", statuses[1].Name)
	assert.True(t, statuses[1].NextRun.After(time.Now()))
	assert.Nil(t, statuses[1].LastRunID)
}

func TestRunLauncher_CheckSchedulesStartsDueRuns(t *testing.T) {
	starter := &fakeStarter{id: uuid.New()}
	launcher := NewRunLauncher(starter, zaptest.NewLogger(t))
	launcher.ctx = context.Background()

	launcher.Reload([]config.ScheduleConfig{
		{Name: "nightly", Cron: "0 2 * * *", RunFile: "runs/nightly.yaml", Enabled: true},
	})

	// Not yet due
	launcher.checkSchedules(time.Now())
	launcher.wg.Wait()
	assert.Empty(t, starter.started())

	next := launcher.Schedules()[0].NextRun
	launcher.checkSchedules(next)
	launcher.wg.Wait()
	assert.Equal(t, []string{"runs/nightly.yaml"}, starter.started())

	status := launcher.Schedules()[0]
	require.NotNil(t, status.LastRun)
	require.NotNil(t, status.LastRunID)
	assert.Equal(t, starter.id, *status.LastRunID)
	assert.Empty(t, status.LastError)
	assert.True(t, status.NextRun.After(next))

	// Last-run information survives a reload
	launcher.Reload([]config.ScheduleConfig{
		{Name: "nightly", Cron: "0 2 * * *", RunFile: "runs/nightly.yaml", Enabled: true},
	})
	require.NotNil(t, launcher.Schedules()[0].LastRunID)
}

func TestRunLauncher_RecordsStartFailures(t *testing.T) {
	starter := &fakeStarter{err: errors.New("run spec not found")}
	launcher := NewRunLauncher(starter, zaptest.NewLogger(t))
	launcher.ctx = context.Background()

	launcher.Reload([]config.ScheduleConfig{
		{Name: "nightly", Cron: "0 2 * * *", RunFile: "missing.yaml", Enabled: true},
	})

	launcher.checkSchedules(launcher.Schedules()[0].NextRun)
	launcher.wg.Wait()

	status := launcher.Schedules()[0]
	assert.Equal(t, "run spec not found", status.LastError)
	assert.Nil(t, status.LastRunID)
}

func TestRunLauncher_StartStop(t *testing.T) {
	launcher := NewRunLauncher(&fakeStarter{}, zaptest.NewLogger(t))

	require.NoError(t, launcher.Start([]config.ScheduleConfig{
		{Name: "nightly", Cron: "0 2 * * *", RunFile: "runs/nightly.yaml", Enabled: true},
	}))
	assert.Len(t, launcher.Schedules(), 1)
	assert.NoError(t, launcher.Stop())
}
