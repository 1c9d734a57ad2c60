package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"calmirror/internal/models"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTimezone         = "Europe/Madrid"
	DefaultFetchTimeout     = 30 * time.Second
	DefaultAlarmDescription = "Reminder: %s"
	DefaultProductID        = "-//calmirror//EN"
)

// DefaultAlarmOffsets are the reminder lead times added to every event.
var DefaultAlarmOffsets = []time.Duration{15 * time.Minute, 5 * time.Minute}

// CalDAV holds the destination account.
type CalDAV struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level configuration of a calmirror run.
type Config struct {
	CalDAV CalDAV `yaml:"caldav"`

	// Timezone is the IANA zone all event times are normalized into.
	Timezone string `yaml:"timezone"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// AlarmOffsets are lead times before the event start, one display alarm each.
	AlarmOffsets []time.Duration `yaml:"alarm_offsets"`

	// AlarmDescription is a format string; %s is replaced by the event summary.
	AlarmDescription string `yaml:"alarm_description"`

	ProductID string `yaml:"product_id"`

	// Schedule is a cron expression for repeated runs. Empty means run once.
	Schedule string `yaml:"schedule"`

	// FailClosedIndex aborts a calendar's sync when its existing events cannot
	// be listed, instead of continuing with an empty index.
	FailClosedIndex bool `yaml:"fail_closed_index"`

	// RecurrenceAware keeps recurring events whose first occurrence already
	// ended as long as the series has a future occurrence.
	RecurrenceAware bool `yaml:"recurrence_aware"`

	Calendars []models.Mapping `yaml:"calendars"`

	location *time.Location
}

// Load reads the config file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CALDAV_URL"); v != "" {
		c.CalDAV.URL = v
	}
	if v := os.Getenv("CALDAV_USERNAME"); v != "" {
		c.CalDAV.Username = v
	}
	if v := os.Getenv("CALDAV_PASSWORD"); v != "" {
		c.CalDAV.Password = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("SCHEDULE"); v != "" {
		c.Schedule = v
	}
	if v := os.Getenv("FETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FETCH_TIMEOUT value: %w", err)
		}
		c.FetchTimeout = d
	}
	return nil
}

// Normalize fills in zero values with defaults.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if len(c.AlarmOffsets) == 0 {
		c.AlarmOffsets = append([]time.Duration(nil), DefaultAlarmOffsets...)
	}
	if c.AlarmDescription == "" {
		c.AlarmDescription = DefaultAlarmDescription
	}
	if c.ProductID == "" {
		c.ProductID = DefaultProductID
	}
}

// Validate checks required fields and resolves the reference time zone.
func (c *Config) Validate() error {
	if c.CalDAV.URL == "" {
		return errors.New("caldav.url must be provided via config file or CALDAV_URL environment variable")
	}

	if len(c.Calendars) == 0 {
		return errors.New("calendars must contain at least one entry")
	}

	seen := make(map[string]bool, len(c.Calendars))
	for i, m := range c.Calendars {
		if m.Name == "" {
			return fmt.Errorf("calendars[%d].name must be provided", i)
		}
		if m.URL == "" {
			return fmt.Errorf("calendars[%d] (name: %s): url must be provided", i, m.Name)
		}
		if seen[m.Name] {
			return fmt.Errorf("calendars[%d]: duplicate calendar name '%s'", i, m.Name)
		}
		seen[m.Name] = true
	}

	for i, d := range c.AlarmOffsets {
		if d <= 0 {
			return fmt.Errorf("alarm_offsets[%d] must be positive, got %s", i, d)
		}
		if d%time.Second != 0 {
			return fmt.Errorf("alarm_offsets[%d] must be a whole number of seconds, got %s", i, d)
		}
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

// Location returns the reference time zone. Only valid after Validate.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Mapping returns the configured mapping with the given name.
func (c *Config) Mapping(name string) (models.Mapping, bool) {
	for _, m := range c.Calendars {
		if m.Name == name {
			return m, true
		}
	}
	return models.Mapping{}, false
}
