package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"schedmirror/internal/model"
)

// NOTE: Load/Save keep the first-run behavior: a missing file is created
// with defaults and 0600 permissions.

// RuleConfig is one refresh rule. Start and End are inclusive day offsets
// from today; PeriodMinutes is the maximum staleness inside that window.
type RuleConfig struct {
	Start         int `yaml:"start" json:"start"`
	End           int `yaml:"end" json:"end"`
	PeriodMinutes int `yaml:"period_minutes" json:"period_minutes"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the read API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// BrowserConfig controls the Chromium instance driving the page.
type BrowserConfig struct {
	Headless bool   `yaml:"headless" json:"headless"`
	ExecPath string `yaml:"exec_path" json:"exec_path"`
	// DumpDir, if set, receives a screenshot whenever a day fails to parse.
	DumpDir string `yaml:"dump_dir" json:"dump_dir"`
}

// PageConfig describes the schedule page's markup and client API.
type PageConfig struct {
	DayHeader        string `yaml:"day_header" json:"day_header"`
	DateAttribute    string `yaml:"date_attribute" json:"date_attribute"`
	DateLayout       string `yaml:"date_layout" json:"date_layout"`
	SchedulerObject  string `yaml:"scheduler_object" json:"scheduler_object"`
	EventContainer   string `yaml:"event_container" json:"event_container"`
	EventRootPattern string `yaml:"event_root_pattern" json:"event_root_pattern"`
	StartTime        string `yaml:"start_time" json:"start_time"`
	EndTime          string `yaml:"end_time" json:"end_time"`
	Title            string `yaml:"title" json:"title"`
}

// Config is the top-level application configuration.
type Config struct {
	// PageURL is the schedule page to mirror.
	PageURL string `yaml:"page_url" json:"page_url"`

	// Database is the SQLite file holding the mirror.
	Database string `yaml:"database" json:"database"`

	// Timezone is the IANA zone the page's naive dates and times belong to.
	// Empty means the host's local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Rules are evaluated together; overlapping windows use the smallest period.
	Rules []RuleConfig `yaml:"rules" json:"rules"`

	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// SleepBuffer is added to every computed sleep so the loop wakes with
	// work already due.
	SleepBuffer time.Duration `yaml:"sleep_buffer" json:"sleep_buffer"`

	// Recheck is a cron spec ("@every 6h", "0 * * * *") capping each sleep.
	// Empty disables the cap.
	Recheck string `yaml:"recheck" json:"recheck"`

	// Listen is the HTTP listen address for the read API. Empty disables it
	// in daemon mode.
	Listen string `yaml:"listen" json:"listen"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Browser BrowserConfig `yaml:"browser" json:"browser"`
	Page    PageConfig    `yaml:"page" json:"page"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

const (
	DefaultPageURL           = "https://nike.uwaterloo.ca/FacilityScheduling/FacilitySchedule.aspx?FacilityId=5d72208a-069d-4931-aaa6-9527346efc6f"
	DefaultDatabase          = "./var/schedmirror.db"
	DefaultNavigationTimeout = 59 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultSleepBuffer       = 5 * time.Minute
	DefaultRecheck           = "@every 6h"

	// MaxRuleEnd is the last day offset the page can be navigated to on every
	// day of the year: two years ahead, leap day excluded.
	MaxRuleEnd = 730
)

// DefaultRules refreshes the upcoming two weeks hourly.
func DefaultRules() []RuleConfig {
	return []RuleConfig{{Start: 0, End: 13, PeriodMinutes: 60}}
}

// DefaultPage matches the DevExpress scheduler markup of the default page.
func DefaultPage() PageConfig {
	return PageConfig{
		DayHeader:        ".dxscDateHeader_Metropolis",
		DateAttribute:    "title",
		DateLayout:       "Monday, January 2, 2006",
		SchedulerObject:  "ctl00_contentMain_schedulerMain",
		EventContainer:   "#ctl00_contentMain_schedulerMain_containerBlock_verticalContainerappointmentLayer",
		EventRootPattern: `_AptDiv\d+$`,
		StartTime:        `[id$="_lblStartTime"]`,
		EndTime:          `[id$="_lblEndTime"]`,
		Title:            `[id$="_lblTitle"]`,
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		PageURL:           DefaultPageURL,
		Database:          DefaultDatabase,
		Rules:             DefaultRules(),
		NavigationTimeout: DefaultNavigationTimeout,
		PollInterval:      DefaultPollInterval,
		SleepBuffer:       DefaultSleepBuffer,
		Recheck:           DefaultRecheck,
		Listen:            "127.0.0.1:8080",
		Browser:           BrowserConfig{Headless: true},
		Page:              DefaultPage(),
		LogLevel:          "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.PageURL == "" {
		c.PageURL = DefaultPageURL
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SleepBuffer < 0 {
		c.SleepBuffer = 0
	}

	def := DefaultPage()
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.Page.DayHeader, def.DayHeader)
	fill(&c.Page.DateAttribute, def.DateAttribute)
	fill(&c.Page.DateLayout, def.DateLayout)
	fill(&c.Page.SchedulerObject, def.SchedulerObject)
	fill(&c.Page.EventContainer, def.EventContainer)
	fill(&c.Page.EventRootPattern, def.EventRootPattern)
	fill(&c.Page.StartTime, def.StartTime)
	fill(&c.Page.EndTime, def.EndTime)
	fill(&c.Page.Title, def.Title)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	for i, r := range c.Rules {
		if r.PeriodMinutes <= 0 {
			return fmt.Errorf("config: rule %d: period_minutes must be positive", i)
		}
		if r.End < r.Start {
			return fmt.Errorf("config: rule %d: end %d before start %d", i, r.End, r.Start)
		}
		if r.Start < 0 {
			return fmt.Errorf("config: rule %d: start %d is in the past", i, r.Start)
		}
		if r.End > MaxRuleEnd {
			return fmt.Errorf("config: rule %d: end %d is beyond the %d-day navigation horizon", i, r.End, MaxRuleEnd)
		}
	}
	if c.Recheck != "" {
		if _, err := cron.ParseStandard(c.Recheck); err != nil {
			return fmt.Errorf("config: recheck %q: %w", c.Recheck, err)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// ModelRules converts the configured rules.
func (c *Config) ModelRules() []model.Rule {
	out := make([]model.Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		out = append(out, model.Rule{
			StartOffset: r.Start,
			EndOffset:   r.End,
			Period:      time.Duration(r.PeriodMinutes) * time.Minute,
		})
	}
	return out
}

// RecheckSchedule parses Recheck; nil when it is empty.
func (c *Config) RecheckSchedule() (cron.Schedule, error) {
	if c.Recheck == "" {
		return nil, nil
	}
	return cron.ParseStandard(c.Recheck)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".schedmirror-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
