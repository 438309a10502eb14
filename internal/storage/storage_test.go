package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobplan/pkg/logx"
)

func sampleRun(i int) RunRecord {
	start := time.Date(2026, 4, 1, 10, 0, i, 0, time.UTC)
	return RunRecord{
		FireID:       "fire-" + string(rune('a'+i)),
		JobGroup:     "g",
		JobName:      "j",
		TriggerGroup: "g",
		TriggerName:  "t",
		Handler:      "log",
		Status:       StatusFinished,
		Scheduled:    start,
		Started:      start.Add(3 * time.Millisecond),
		Duration:     1500 * time.Microsecond,
	}
}

func TestOpenNone(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "sub", "history."+driver)
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendRun(ctx, sampleRun(i)))
			}
			failed := sampleRun(5)
			failed.Status = StatusFailed
			failed.Error = "boom"
			require.NoError(t, st.AppendRun(ctx, failed))

			got, err := st.RecentRuns(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, failed.FireID, got[0].FireID)
			assert.Equal(t, "boom", got[0].Error)
			assert.Equal(t, StatusFailed, got[0].Status)
			assert.Equal(t, sampleRun(3).FireID, got[2].FireID)
			assert.Equal(t, 1500*time.Microsecond, got[1].Duration)
			assert.True(t, got[1].Started.Equal(sampleRun(4).Started))

			require.NoError(t, st.Close())
			assert.ErrorIs(t, st.AppendRun(ctx, sampleRun(9)), ErrClosed)
		})
	}
}

func TestFileStoreSkipsDamagedLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.AppendRun(ctx, sampleRun(0)))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, st.AppendRun(ctx, sampleRun(1)))

	got, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, sampleRun(1).FireID, got[0].FireID)
}

func TestFileDriverRequiresPath(t *testing.T) {
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}
