package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedmirror/internal/model"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// the written file loads back to the same config
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadPartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
page_url: https://example.test/schedule
rules:
  - start: 0
    end: 13
    period_minutes: 60
  - start: 14
    end: 27
    period_minutes: 480
navigation_timeout: 30s
sleep_buffer: 2m
page:
  day_header: "#header"
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.test/schedule", cfg.PageURL)
	assert.Equal(t, 30*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.SleepBuffer)
	assert.Equal(t, "#header", cfg.Page.DayHeader)
	assert.Equal(t, DefaultPage().EventContainer, cfg.Page.EventContainer)
	assert.Equal(t, []model.Rule{
		{StartOffset: 0, EndOffset: 13, Period: time.Hour},
		{StartOffset: 14, EndOffset: 27, Period: 8 * time.Hour},
	}, cfg.ModelRules())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "zero period", mutate: func(c *Config) { c.Rules = []RuleConfig{{Start: 0, End: 1}} }},
		{name: "inverted window", mutate: func(c *Config) { c.Rules = []RuleConfig{{Start: 5, End: 1, PeriodMinutes: 10}} }},
		{name: "past window", mutate: func(c *Config) { c.Rules = []RuleConfig{{Start: -1, End: 1, PeriodMinutes: 10}} }},
		{name: "beyond navigation horizon", mutate: func(c *Config) { c.Rules = []RuleConfig{{Start: 700, End: MaxRuleEnd + 1, PeriodMinutes: 1440}} }},
		{name: "bad recheck", mutate: func(c *Config) { c.Recheck = "every now and then" }},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())

	edge := DefaultConfig()
	edge.Rules = []RuleConfig{{Start: 0, End: MaxRuleEnd, PeriodMinutes: 1440}}
	assert.NoError(t, edge.Validate())
}

func TestRecheckSchedule(t *testing.T) {
	cfg := DefaultConfig()
	sched, err := cfg.RecheckSchedule()
	require.NoError(t, err)
	from := time.Date(2016, 9, 21, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(6*time.Hour), sched.Next(from))

	cfg.Recheck = ""
	sched, err = cfg.RecheckSchedule()
	require.NoError(t, err)
	assert.Nil(t, sched)
}

func TestSaveRejectsEmpty(t *testing.T) {
	assert.Error(t, Save("", DefaultConfig()))
	assert.Error(t, Save(filepath.Join(t.TempDir(), "c.yaml"), nil))
}
