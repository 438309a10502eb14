package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobplan/internal/config"
	"jobplan/internal/eventbus"
	"jobplan/internal/job"
	"jobplan/internal/observability/server"
	"jobplan/internal/storage"
	"jobplan/internal/task/engine"
	"jobplan/internal/task/scheduler"
	logx "jobplan/pkg/logx"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "scheduler.yaml")
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))
	return p
}

func testOptions(path string) Options {
	return Options{
		ConfigPath: path,
		Log:        logx.Config{Level: "error"},
	}
}

func countingRegistry(n *atomic.Int32) *job.Registry {
	r := job.NewRegistry()
	r.MustRegister("count", func() job.Job {
		return job.Func(func(context.Context, *job.ExecutionContext) error {
			n.Add(1)
			return nil
		})
	})
	r.MustRegister("fail", func() job.Job {
		return job.Func(func(context.Context, *job.ExecutionContext) error {
			return errors.New("boom")
		})
	})
	return r
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	var n atomic.Int32
	path := writeConfig(t, `
enabled: true
maxExecutionDuration: PT5S
groups:
  g:
    jobs:
      j:
        jobClass: nope
        triggers:
          t: { schedule: { type: CRON, expression: "* * * * *" } }
`)
	_, err := New(testOptions(path), countingRegistry(&n))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestDisabledStartsIdle(t *testing.T) {
	var n atomic.Int32
	path := writeConfig(t, "enabled: false\nmaxExecutionDuration: PT1S\n")
	a, err := New(testOptions(path), countingRegistry(&n))
	require.NoError(t, err)

	rep, err := a.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Disabled)
	assert.Equal(t, scheduler.StateIdleDisabled, a.Status().Controller)
	assert.Empty(t, a.Status().Engine.Jobs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
}

func TestRunsAndRecordsHistory(t *testing.T) {
	var n atomic.Int32
	path := writeConfig(t, `
enabled: true
maxExecutionDuration: PT2S
groups:
  g:
    jobs:
      tick:
        jobClass: count
        triggers:
          every-second: { schedule: { type: CRON, expression: "* * * * * *" } }
      broken:
        jobClass: count
        triggers:
          bad: { schedule: { type: CRON, expression: "not a cron" } }
`)
	opts := testOptions(path)
	opts.History = storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}

	a, err := New(opts, countingRegistry(&n))
	require.NoError(t, err)

	rep, err := a.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Jobs)
	assert.Equal(t, 1, rep.Triggers)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "broken", rep.Failures[0].Job)
	assert.Equal(t, scheduler.StateRunning, a.Status().Controller)

	require.Eventually(t, func() bool { return n.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		runs, err := a.store.RecentRuns(context.Background(), 10)
		return err == nil && len(runs) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGINT))
	assert.Equal(t, scheduler.StateStopped, a.Status().Controller)

	st, err := storage.Open(opts.History, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	runs, err := st.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, "tick", runs[0].JobName)
	assert.Equal(t, storage.StatusFinished, runs[0].Status)
}

func TestStopBeforeStart(t *testing.T) {
	var n atomic.Int32
	path := writeConfig(t, "enabled: false\nmaxExecutionDuration: PT1S\n")
	a, err := New(testOptions(path), countingRegistry(&n))
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), StopUnknown))
}

func TestRunRecord(t *testing.T) {
	ev := engine.RunEvent{
		FireID:    "f1",
		Job:       engine.JobKey{Name: "j", Group: "g"},
		Trigger:   engine.TriggerKey{Name: "t", Group: "g"},
		Handler:   "count",
		Scheduled: time.Unix(100, 0),
		Started:   time.Unix(101, 0),
		Duration:  time.Second,
		Error:     "boom",
	}

	rec, ok := runRecord(eventbus.Event{Type: eventbus.JobFailed, Data: ev})
	require.True(t, ok)
	assert.Equal(t, storage.RunRecord{
		FireID:       "f1",
		JobGroup:     "g",
		JobName:      "j",
		TriggerGroup: "g",
		TriggerName:  "t",
		Handler:      "count",
		Status:       storage.StatusFailed,
		Scheduled:    time.Unix(100, 0),
		Started:      time.Unix(101, 0),
		Duration:     time.Second,
		Error:        "boom",
	}, rec)

	rec, ok = runRecord(eventbus.Event{Type: eventbus.JobInterrupted, Data: ev})
	require.True(t, ok)
	assert.Equal(t, storage.StatusInterrupted, rec.Status)

	_, ok = runRecord(eventbus.Event{Type: eventbus.JobStarted, Data: ev})
	assert.False(t, ok)
	_, ok = runRecord(eventbus.Event{Type: eventbus.JobFinished, Data: "x"})
	assert.False(t, ok)
}

func TestReasonFromSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonFromSignal(os.Interrupt))
	assert.Equal(t, StopUnknown, ReasonFromSignal(nil))
}

func TestHTTPTriggerAndStatus(t *testing.T) {
	var n atomic.Int32
	path := writeConfig(t, `
enabled: true
maxExecutionDuration: PT2S
groups:
  ops:
    jobs:
      yearly:
        jobClass: count
        triggers:
          jan: { schedule: { type: CRON, expression: "0 0 1 1 *" } }
      locked:
        jobClass: count
        interruptionEnabled: false
        triggers: {}
`)
	opts := testOptions(path)
	opts.HTTP = server.Config{Addr: "127.0.0.1:0", Token: "tok"}

	a, err := New(opts, countingRegistry(&n))
	require.NoError(t, err)
	_, err = a.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopSIGTERM)
	})
	require.Eventually(t, func() bool { return a.http.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	post := func(p string) int {
		req, err := http.NewRequest(http.MethodPost, "http://"+a.http.Addr()+p, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer tok")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post("/jobs/ops/yearly/trigger"))
	require.Eventually(t, func() bool { return n.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusNotFound, post("/jobs/ops/nope/trigger"))
	assert.Equal(t, http.StatusOK, post("/jobs/ops/yearly/interrupt"))
	assert.Equal(t, http.StatusConflict, post("/jobs/ops/locked/interrupt"))

	req, err := http.NewRequest(http.MethodGet, "http://"+a.http.Addr()+"/status?token=tok", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var st struct {
		Controller string `json:"controller"`
		Routines   struct {
			Started uint64 `json:"started"`
		} `json:"routines"`
		Engine struct {
			Fired    uint64
			Routines struct {
				Active int64 `json:"active"`
			}
		} `json:"engine"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "RUNNING", st.Controller)
	assert.GreaterOrEqual(t, st.Routines.Started, uint64(1))
	assert.EqualValues(t, 1, st.Engine.Fired)
	assert.Greater(t, st.Engine.Routines.Active, int64(0))
}
