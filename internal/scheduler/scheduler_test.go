package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	runErr   error
	runs     atomic.Int32
	sweeps   atomic.Int32
	cleanups atomic.Int32
	lastDays atomic.Int32
}

func (f *fakePipeline) RunNow(_ context.Context, kind jobs.SessionKind, _ jobs.RunOptions) (*jobs.RunReport, error) {
	f.runs.Add(1)
	if errors.Is(f.runErr, jobs.ErrRunInProgress) {
		return nil, f.runErr
	}
	return &jobs.RunReport{SessionID: "s1", Kind: kind, Status: jobs.SessionCompleted}, f.runErr
}

func (f *fakePipeline) Recover(context.Context) (jobs.SweepReport, error) {
	f.sweeps.Add(1)
	return jobs.SweepReport{Jobs: 1}, nil
}

func (f *fakePipeline) Cleanup(_ context.Context, days int) (jobs.CleanupReport, error) {
	f.cleanups.Add(1)
	f.lastDays.Store(int32(days))
	return jobs.CleanupReport{}, nil
}

func TestNew_Entries(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"defaults only sweep", Config{}, 1},
		{"with run", Config{RunSchedule: "0 */2 * * *"}, 2},
		{"with retention", Config{RunSchedule: "@hourly", RetentionDays: 30}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(&fakePipeline{}, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Entries())
		})
	}
}

func TestNew_BadSchedule(t *testing.T) {
	_, err := New(&fakePipeline{}, Config{RunSchedule: "every tuesday"})
	require.Error(t, err)
	assert.Equal(t, engine.CategoryValidation, engine.CategoryOf(err))
}

func TestEntriesCallPipeline(t *testing.T) {
	p := &fakePipeline{}
	s, err := New(p, Config{RunSchedule: "@hourly", RetentionDays: 14})
	require.NoError(t, err)

	s.runPipeline()
	s.sweep()
	s.cleanup()
	assert.Equal(t, int32(1), p.runs.Load())
	assert.Equal(t, int32(1), p.sweeps.Load())
	assert.Equal(t, int32(1), p.cleanups.Load())
	assert.Equal(t, int32(14), p.lastDays.Load())
}

func TestRunPipeline_SkipsWhenBusy(t *testing.T) {
	p := &fakePipeline{runErr: engine.E("orchestrator", engine.CategoryConflict, jobs.ErrRunInProgress)}
	s, err := New(p, Config{RunSchedule: "@hourly"})
	require.NoError(t, err)

	assert.NotPanics(t, s.runPipeline)
	assert.Equal(t, int32(1), p.runs.Load())
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakePipeline{}, Config{})
	require.NoError(t, err)
	s.Start()
	s.Stop()
	require.Error(t, s.ctx.Err())
}
