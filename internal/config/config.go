// ============================================================================
// Configuration
// ============================================================================
//
// Package: internal/config
// Purpose: YAML configuration with defaults, normalization and validation.
//
// Layout (configs/default.yaml):
//
//	feed:      timetable endpoint, student id, paging and retry
//	schedule:  timezone, auto-sync times, trigger interval
//	batch:     batch size and pacing delays, batch lease ttl
//	lock:      advisory lock wait
//	storage:   data directory, sqlite database, property file, journal
//	calendar:  backend (ics | google | memory) and its settings
//	notify:    summarizer key, model, tone, timeout
//	links:     web app and official schedule urls
//	server:    HTTP API listen address
//	log:       level and format
//
// Zero values are filled from Default() by Normalize, so a partial file only
// has to name what it changes.
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Calendar backends.
const (
	BackendICS    = "ics"
	BackendGoogle = "google"
	BackendMemory = "memory"
)

type FeedConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	StudentID     string        `yaml:"student_id"`
	PageSize      int           `yaml:"page_size" validate:"min=1,max=1000"`
	MaxRetries    int           `yaml:"max_retries" validate:"min=1,max=10"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"min=0"`
	SyncStartDate string        `yaml:"sync_start_date" validate:"omitempty,datetime=2006-01-02"`
}

type ScheduleConfig struct {
	Timezone        string        `yaml:"timezone" validate:"required"`
	SyncTimes       []string      `yaml:"sync_times" validate:"dive,clock"`
	TriggerInterval time.Duration `yaml:"trigger_interval" validate:"min=1m"`
}

type BatchConfig struct {
	Size        int           `yaml:"size" validate:"min=1,max=500"`
	FirstDelay  time.Duration `yaml:"first_delay" validate:"min=0"`
	Delay       time.Duration `yaml:"delay" validate:"min=0"`
	ItemDelay   time.Duration `yaml:"item_delay" validate:"min=0"`
	DeleteDelay time.Duration `yaml:"delete_delay" validate:"min=0"`
	LeaseTTL    time.Duration `yaml:"lease_ttl" validate:"min=1s"`
	PollEvery   time.Duration `yaml:"poll_every" validate:"min=100ms"`
}

type LockConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"min=0,max=10s"`
}

type StorageConfig struct {
	DataDir  string `yaml:"data_dir" validate:"required"`
	Database string `yaml:"database"`
	Journal  string `yaml:"journal"`
}

type CalendarConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=ics google memory"`
	Name            string `yaml:"name" validate:"required"`
	ICSDir          string `yaml:"ics_dir"`
	CredentialsFile string `yaml:"credentials_file" validate:"required_if=Backend google"`
	TokenFile       string `yaml:"token_file" validate:"required_if=Backend google"`
}

type NotifyConfig struct {
	GeminiAPIKey string        `yaml:"gemini_api_key"`
	Model        string        `yaml:"model"`
	Tone         string        `yaml:"tone" validate:"oneof=friendly direct"`
	Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
}

type LinksConfig struct {
	WebAppURL           string `yaml:"webapp_url" validate:"omitempty,url"`
	OfficialScheduleURL string `yaml:"official_schedule_url" validate:"omitempty,url"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Config is the complete configuration.
type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Batch    BatchConfig    `yaml:"batch"`
	Lock     LockConfig     `yaml:"lock"`
	Storage  StorageConfig  `yaml:"storage"`
	Calendar CalendarConfig `yaml:"calendar"`
	Notify   NotifyConfig   `yaml:"notify"`
	Links    LinksConfig    `yaml:"links"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			PageSize:   100,
			MaxRetries: 3,
			RetryDelay: 10 * time.Second,
		},
		Schedule: ScheduleConfig{
			Timezone:        "Asia/Ho_Chi_Minh",
			SyncTimes:       []string{"07:00", "12:00", "22:00"},
			TriggerInterval: 15 * time.Minute,
		},
		Batch: BatchConfig{
			Size:        40,
			FirstDelay:  10 * time.Second,
			Delay:       2 * time.Minute,
			ItemDelay:   500 * time.Millisecond,
			DeleteDelay: 300 * time.Millisecond,
			LeaseTTL:    5 * time.Minute,
			PollEvery:   5 * time.Second,
		},
		Lock:     LockConfig{Timeout: 10 * time.Second},
		Storage:  StorageConfig{DataDir: "data"},
		Calendar: CalendarConfig{Backend: BackendICS, Name: "Timetable"},
		Notify: NotifyConfig{
			Model:   "gemini-2.5-flash",
			Tone:    "friendly",
			Timeout: 20 * time.Second,
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		return clockPattern.MatchString(fl.Field().String())
	})
	return v
}

// Normalize fills zero values from Default, derives file paths under the
// data directory and validates the result.
func (c *Config) Normalize() error {
	d := Default()

	if c.Feed.PageSize == 0 {
		c.Feed.PageSize = d.Feed.PageSize
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = d.Feed.MaxRetries
	}
	if c.Feed.RetryDelay == 0 {
		c.Feed.RetryDelay = d.Feed.RetryDelay
	}

	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = d.Schedule.Timezone
	}
	if c.Schedule.SyncTimes == nil {
		c.Schedule.SyncTimes = d.Schedule.SyncTimes
	}
	if c.Schedule.TriggerInterval == 0 {
		c.Schedule.TriggerInterval = d.Schedule.TriggerInterval
	}

	if c.Batch.Size == 0 {
		c.Batch.Size = d.Batch.Size
	}
	if c.Batch.FirstDelay == 0 {
		c.Batch.FirstDelay = d.Batch.FirstDelay
	}
	if c.Batch.Delay == 0 {
		c.Batch.Delay = d.Batch.Delay
	}
	if c.Batch.ItemDelay == 0 {
		c.Batch.ItemDelay = d.Batch.ItemDelay
	}
	if c.Batch.DeleteDelay == 0 {
		c.Batch.DeleteDelay = d.Batch.DeleteDelay
	}
	if c.Batch.LeaseTTL == 0 {
		c.Batch.LeaseTTL = d.Batch.LeaseTTL
	}
	if c.Batch.PollEvery == 0 {
		c.Batch.PollEvery = d.Batch.PollEvery
	}

	if c.Lock.Timeout == 0 {
		c.Lock.Timeout = d.Lock.Timeout
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = d.Storage.DataDir
	}
	if c.Storage.Database == "" {
		c.Storage.Database = filepath.Join(c.Storage.DataDir, "ttsync.db")
	}
	if c.Storage.Journal == "" {
		c.Storage.Journal = filepath.Join(c.Storage.DataDir, "journal.log")
	}

	if c.Calendar.Backend == "" {
		c.Calendar.Backend = d.Calendar.Backend
	}
	if c.Calendar.Name == "" {
		c.Calendar.Name = d.Calendar.Name
	}
	if c.Calendar.ICSDir == "" {
		c.Calendar.ICSDir = filepath.Join(c.Storage.DataDir, "calendars")
	}

	if c.Notify.Model == "" {
		c.Notify.Model = d.Notify.Model
	}
	if c.Notify.Tone == "" {
		c.Notify.Tone = d.Notify.Tone
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = d.Notify.Timeout
	}

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", c.Schedule.Timezone, err)
	}
	return loc, nil
}

// SyncStart returns the configured sync start date, or today in loc.
func (c *Config) SyncStart(now time.Time, loc *time.Location) time.Time {
	if c.Feed.SyncStartDate != "" {
		if t, err := time.ParseInLocation("2006-01-02", c.Feed.SyncStartDate, loc); err == nil {
			return t
		}
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Load reads the YAML file at path, applies overrides in order and normalizes
// the result. A missing file yields the defaults.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = Default()
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
