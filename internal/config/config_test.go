package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerSet map[string]bool

func (h handlerSet) Has(name string) bool { return h[name] }

var testHandlers = handlerSet{"log": true, "sleep": true}

const minimalDoc = `{
  "enabled": true,
  "maxExecutionDuration": "PT10S",
  "groups": {
    "g1": {
      "jobs": {
        "j1": {
          "jobClass": "log",
          "triggers": {
            "t1": { "schedule": { "type": "CRON", "expression": "0 * * * * ?" } }
          }
        }
      }
    }
  }
}`

func mustParse(t *testing.T, doc string) *SchedulerConfig {
	t.Helper()
	cfg, err := Parse([]byte(doc), FormatJSON, testHandlers)
	require.NoError(t, err)
	return cfg
}

func requireProblem(t *testing.T, err error, path string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfiguration), "want ErrConfiguration, got %v", err)
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	for _, p := range ce.Problems {
		var pr *Problem
		if errors.As(p, &pr) && pr.Path == path {
			return
		}
	}
	t.Fatalf("no problem at %q in %v", path, err)
}

func TestDefaultsResolveLazily(t *testing.T) {
	cfg := mustParse(t, minimalDoc)

	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, 10*time.Second, cfg.MaxExecution())
	assert.Equal(t, 11*time.Second, cfg.MaxWait())

	g := cfg.Groups["g1"]
	assert.Equal(t, "g1", g.ResolveName("g1"))
	j := g.Jobs["j1"]
	assert.Equal(t, "j1", j.ResolveName("j1"))
	assert.True(t, j.Interruptible())
	tr := j.Triggers["t1"]
	assert.Equal(t, "t1", tr.ResolveName("t1"))
	assert.Equal(t, DefaultPriority, tr.ResolvedPriority())
	_, hasStart := tr.Start()
	_, hasEnd := tr.End()
	assert.False(t, hasStart)
	assert.False(t, hasEnd)

	cron, ok := tr.Schedule.Schedule.(*CronSchedule)
	require.True(t, ok)
	assert.Equal(t, MisfireDoNothing, cron.Misfire())
	assert.Equal(t, time.Local, cron.Location())
}

func TestEnabledDefaultsToFalse(t *testing.T) {
	cfg := mustParse(t, `{"maxExecutionDuration": "PT1S", "groups": {}}`)
	assert.False(t, cfg.IsEnabled())
}

func TestExplicitNamesOverrideKeys(t *testing.T) {
	cfg := mustParse(t, `{
	  "maxExecutionDuration": "PT1S",
	  "groups": {"g": {"name": "reports", "jobs": {"j": {"name": "nightly", "jobClass": "log",
	    "interruptionEnabled": false,
	    "triggers": {"t": {"name": "midnight", "priority": 9, "schedule": {"type": "CRON", "expression": "0 0 * * *"}}}}}}}
	}`)
	g := cfg.Groups["g"]
	j := g.Jobs["j"]
	tr := j.Triggers["t"]
	assert.Equal(t, "reports", g.ResolveName("g"))
	assert.Equal(t, "nightly", j.ResolveName("j"))
	assert.Equal(t, "midnight", tr.ResolveName("t"))
	assert.Equal(t, 9, tr.ResolvedPriority())
	assert.False(t, j.Interruptible())
}

func TestMaxWaitDefault(t *testing.T) {
	tests := []struct {
		name    string
		maxExec string
		maxWait string
		want    time.Duration
	}{
		{name: "10s", maxExec: "PT10S", want: 11 * time.Second},
		{name: "1000ms", maxExec: "PT1S", want: 1100 * time.Millisecond},
		{name: "rounds up to ms", maxExec: "PT0.003S", want: 4 * time.Millisecond},
		{name: "fractional ms", maxExec: "PT0.0015S", want: 2 * time.Millisecond},
		{name: "sub ms", maxExec: "PT0.0005S", want: time.Millisecond},
		{name: "go duration", maxExec: "2m", want: 132 * time.Second},
		{name: "explicit", maxExec: "PT10S", maxWait: "PT1M", want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `{"maxExecutionDuration": "` + tt.maxExec + `"`
			if tt.maxWait != "" {
				doc += `, "maxWaitDuration": "` + tt.maxWait + `"`
			}
			doc += `}`
			cfg := mustParse(t, doc)
			assert.Equal(t, tt.want, cfg.MaxWait())
			assert.GreaterOrEqual(t, cfg.MaxWait(), cfg.MaxExecution())
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"PT30S", 30 * time.Second},
		{"pt1m30.5s", 90*time.Second + 500*time.Millisecond},
		{"P1DT2H", 26 * time.Hour},
		{"PT-1M30S", -30 * time.Second},
		{"-PT5S", -5 * time.Second},
		{"1h15m", 75 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
	for _, bad := range []string{"", "P", "PT", "P1H", "ten seconds", "P999999999999D", "PT9223372036854775807S", "P106751DT23H59M59S"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestHugeDurationFailsLoad(t *testing.T) {
	_, err := Parse([]byte(`{"enabled": true, "maxExecutionDuration": "P999999999999D"}`), FormatJSON, testHandlers)
	requireProblem(t, err, "maxExecutionDuration")
}

func TestMissingMaxExecutionDuration(t *testing.T) {
	_, err := Parse([]byte(`{"enabled": true}`), FormatJSON, testHandlers)
	requireProblem(t, err, "maxExecutionDuration")
}

func TestDisabledDocumentNeedsNoMaxExecution(t *testing.T) {
	for _, doc := range []string{`{}`, `{"enabled": false}`} {
		cfg, err := Parse([]byte(doc), FormatJSON, testHandlers)
		require.NoError(t, err, doc)
		assert.False(t, cfg.IsEnabled())
		assert.Zero(t, cfg.MaxExecution())
		assert.Zero(t, cfg.MaxWait())
	}
}

func TestNonPositiveMaxExecutionDuration(t *testing.T) {
	_, err := Parse([]byte(`{"maxExecutionDuration": "PT0S"}`), FormatJSON, testHandlers)
	requireProblem(t, err, "maxExecutionDuration")
}

func TestUnknownHandlerFailsLoad(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "nope", "triggers": {}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.j.jobClass")
}

func TestMissingJobClassFailsLoad(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"triggers": {}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.j.jobClass")
}

func TestMisfireInstructions(t *testing.T) {
	for _, m := range []MisfireInstruction{MisfireIgnore, MisfireDoNothing, MisfireFireNow} {
		doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
		  "triggers": {"t": {"schedule": {"type": "CRON", "expression": "* * * * *", "misfireInstruction": "` + string(m) + `"}}}}}}}}`
		cfg := mustParse(t, doc)
		cron := cfg.Groups["g"].Jobs["j"].Triggers["t"].Schedule.Schedule.(*CronSchedule)
		assert.Equal(t, m, cron.Misfire())
	}

	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
	  "triggers": {"t": {"schedule": {"type": "CRON", "expression": "* * * * *", "misfireInstruction": "SMART"}}}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.j.triggers.t.schedule.misfireInstruction")
}

func TestEndBeforeStartIsRejected(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
	  "triggers": {"t": {"startDate": "2030-01-02T00:00:00Z", "endDate": "2030-01-01T00:00:00+00:00",
	    "schedule": {"type": "CRON", "expression": "* * * * *"}}}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.j.triggers.t.endDate")
}

func TestDatesParseWithOffset(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
	  "triggers": {"t": {"startDate": "2030-01-01T10:00:00+02:00", "endDate": "2030-01-01T10:00:00.5+02:00",
	    "schedule": {"type": "CRON", "expression": "* * * * *"}}}}}}}}`
	cfg := mustParse(t, doc)
	tr := cfg.Groups["g"].Jobs["j"].Triggers["t"]
	start, ok := tr.Start()
	require.True(t, ok)
	assert.True(t, start.Equal(time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)))
	end, ok := tr.End()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, end.Sub(start))
}

func TestMalformedDateFailsLoad(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
	  "triggers": {"t": {"startDate": "tomorrow", "schedule": {"type": "CRON", "expression": "* * * * *"}}}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.j.triggers.t.startDate")
}

func TestUnsupportedScheduleType(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
	  "triggers": {"t": {"schedule": {"type": "SIMPLE", "repeatInterval": "PT1S"}}}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.j.triggers.t.schedule.type")
}

func TestUnknownTimezone(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
	  "triggers": {"t": {"schedule": {"type": "CRON", "expression": "* * * * *", "timezone": "Mars/Olympus"}}}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.j.triggers.t.schedule.timezone")
}

func TestDuplicateJobIdentity(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {
	  "a": {"name": "same", "jobClass": "log", "triggers": {}},
	  "b": {"name": "same", "jobClass": "log", "triggers": {}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.b")
}

func TestDuplicateJobIdentityAcrossGroupsWithSameName(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {
	  "a": {"name": "g", "jobs": {"j": {"jobClass": "log", "triggers": {}}}},
	  "b": {"name": "g", "jobs": {"j": {"jobClass": "log", "triggers": {}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.b.jobs.j")
}

func TestDuplicateTriggerIdentityWithinGroup(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {
	  "a": {"jobClass": "log", "triggers": {"t": {"schedule": {"type": "CRON", "expression": "* * * * *"}}}},
	  "b": {"jobClass": "log", "triggers": {"t": {"schedule": {"type": "CRON", "expression": "* * * * *"}}}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.b.triggers.t")
}

func TestCronGrammarIsNotCheckedAtLoad(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {"j": {"jobClass": "log",
	  "triggers": {"t": {"schedule": {"type": "CRON", "expression": "not a cron"}}}}}}}}`
	mustParse(t, doc)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	doc := `{"maxExecutionDuration": "PT1S", "futureKnob": 3, "groups": {"g": {"color": "red", "jobs": {}}}}`
	mustParse(t, doc)
}

func TestProblemsAreCollected(t *testing.T) {
	doc := `{"groups": {"g": {"jobs": {"j": {"jobClass": "nope", "triggers": {}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Len(t, ce.Problems, 2)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	doc := `
enabled: true
maxExecutionDuration: PT2S
groups:
  reports:
    jobs:
      nightly:
        jobClass: sleep
        data:
          duration: 10ms
        triggers:
          midnight:
            startDate: 2030-01-01T00:00:00Z
            schedule:
              type: CRON
              expression: "0 0 * * *"
              timezone: Europe/Paris
              misfireInstruction: FIRE_NOW
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	cfg, err := Load(path, testHandlers)
	require.NoError(t, err)

	j := cfg.Groups["reports"].Jobs["nightly"]
	assert.Equal(t, "10ms", j.Data["duration"])
	tr := j.Triggers["midnight"]
	cron := tr.Schedule.Schedule.(*CronSchedule)
	assert.Equal(t, "Europe/Paris", cron.Location().String())
	assert.Equal(t, MisfireFireNow, cron.Misfire())
	_, ok := tr.Start()
	assert.True(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"), testHandlers)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTrailingDataRejected(t *testing.T) {
	_, err := Parse([]byte(`{"maxExecutionDuration":"PT1S"} {}`), FormatJSON, testHandlers)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestExampleDocumentLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "scheduler.example.yaml"),
		handlerSet{"log": true, "sleep": true, "systemd": true})
	require.NoError(t, err)
	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, 33*time.Second, cfg.MaxWait())
	assert.Equal(t, "operations", cfg.Groups["ops"].ResolveName("ops"))
	assert.False(t, cfg.Groups["ops"].Jobs["nightly-restart"].Interruptible())
	assert.Equal(t, 8, cfg.Groups["ops"].Jobs["nightly-restart"].Triggers["paris-night"].ResolvedPriority())
}

func TestTriggerKeySharedAcrossJobsInGroup(t *testing.T) {
	doc := `{"enabled": true, "maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {
  "a": {"jobClass": "log", "triggers": {"daily": {"schedule": {"type": "CRON", "expression": "0 0 * * *"}}}},
  "b": {"jobClass": "log", "triggers": {"daily": {"schedule": {"type": "CRON", "expression": "0 1 * * *"}}}}}}}}`
	_, err := Parse([]byte(doc), FormatJSON, testHandlers)
	requireProblem(t, err, "groups.g.jobs.b.triggers.daily")
	assert.Contains(t, err.Error(), "share the group namespace")

	// distinct names in one group are fine
	doc = `{"enabled": true, "maxExecutionDuration": "PT1S", "groups": {"g": {"jobs": {
  "a": {"jobClass": "log", "triggers": {"daily": {"schedule": {"type": "CRON", "expression": "0 0 * * *"}}}},
  "b": {"jobClass": "log", "triggers": {"daily": {"name": "daily-b", "schedule": {"type": "CRON", "expression": "0 1 * * *"}}}}}}}}`
	_, err = Parse([]byte(doc), FormatJSON, testHandlers)
	assert.NoError(t, err)
}
