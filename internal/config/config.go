package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAreaNames is the recognized PARA area set, in canonical uppercase.
var DefaultAreaNames = []string{
	"HOME", "HEALTH", "PROSPER", "WORK", "PERSONAL & FAMILY", "FINANCIAL", "FUN",
}

// Config holds the daemon configuration, loaded from an optional YAML file
// and overridden by CAPSYNC_* environment variables.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	BaseURL         string        `yaml:"base_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogFormat       string        `yaml:"log_format"` // "json" (default) or "text"
	LogLevel        string        `yaml:"log_level"`  // "debug", "info" (default), "warn", "error"

	// Store DSN: "file:capsync.db" style paths open SQLite; "postgres://"
	// DSNs open PostgreSQL.
	StoreDSN  string `yaml:"store_dsn"`
	Namespace string `yaml:"namespace"`

	TodoistToken  string `yaml:"todoist_token"`
	WebhookSecret string `yaml:"webhook_secret"`

	NotionToken       string        `yaml:"notion_token"`
	NotionTasksDB     string        `yaml:"notion_tasks_db"`
	NotionProjectsDB  string        `yaml:"notion_projects_db"`
	NotionAreasDB     string        `yaml:"notion_areas_db"`
	NotionPeopleDB    string        `yaml:"notion_people_db"`
	ReconcileToken    string        `yaml:"reconcile_token"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	EligibilityTag  string   `yaml:"eligibility_tag"`
	AreaNames       []string `yaml:"area_names"`
	SkipInbox       *bool    `yaml:"skip_inbox"`
	SkipRecurring   *bool    `yaml:"skip_recurring"`
	AutoLabel       *bool    `yaml:"auto_label"`
	AddBacklink     *bool    `yaml:"add_backlink"`
	DefaultTimezone string   `yaml:"default_timezone"`

	WorkerConcurrency int           `yaml:"worker_concurrency"`
	RetryMax          int           `yaml:"retry_max"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	RateLimitWebhook int `yaml:"rate_limit_webhook"` // per IP per minute
}

// Default returns a Config populated with defaults.
func Default() Config {
	yes := true
	return Config{
		ListenAddr:        ":8080",
		BaseURL:           "http://localhost:8080",
		ShutdownTimeout:   30 * time.Second,
		LogFormat:         "json",
		LogLevel:          "info",
		StoreDSN:          "file:./data/capsync.db",
		Namespace:         "todoist-notion-v1",
		ReconcileInterval: 2 * time.Hour,
		EligibilityTag:    "capsync",
		AreaNames:         append([]string(nil), DefaultAreaNames...),
		SkipInbox:         &yes,
		SkipRecurring:     &yes,
		AutoLabel:         &yes,
		AddBacklink:       &yes,
		DefaultTimezone:   "America/Los_Angeles",
		WorkerConcurrency: 8,
		RetryMax:          3,
		RetryBaseDelay:    time.Second,
		RequestTimeout:    30 * time.Second,
		RateLimitWebhook:  120,
	}
}

// Load reads configuration from the given YAML file (empty path skips the
// file) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.ListenAddr, "CAPSYNC_LISTEN_ADDR")
	setStr(&c.BaseURL, "CAPSYNC_BASE_URL")
	setStr(&c.LogFormat, "CAPSYNC_LOG_FORMAT")
	setStr(&c.LogLevel, "CAPSYNC_LOG_LEVEL")
	setStr(&c.StoreDSN, "CAPSYNC_STORE_DSN")
	setStr(&c.Namespace, "CAPSYNC_NAMESPACE")
	setStr(&c.TodoistToken, "CAPSYNC_TODOIST_TOKEN")
	setStr(&c.WebhookSecret, "CAPSYNC_WEBHOOK_SECRET")
	setStr(&c.NotionToken, "CAPSYNC_NOTION_TOKEN")
	setStr(&c.NotionTasksDB, "CAPSYNC_NOTION_TASKS_DB")
	setStr(&c.NotionProjectsDB, "CAPSYNC_NOTION_PROJECTS_DB")
	setStr(&c.NotionAreasDB, "CAPSYNC_NOTION_AREAS_DB")
	setStr(&c.NotionPeopleDB, "CAPSYNC_NOTION_PEOPLE_DB")
	setStr(&c.ReconcileToken, "CAPSYNC_RECONCILE_TOKEN")
	setStr(&c.EligibilityTag, "CAPSYNC_ELIGIBILITY_TAG")
	setStr(&c.DefaultTimezone, "CAPSYNC_DEFAULT_TIMEZONE")

	if v := os.Getenv("CAPSYNC_AREA_NAMES"); v != "" {
		var names []string
		for _, n := range strings.Split(v, ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				names = append(names, strings.ToUpper(n))
			}
		}
		if len(names) > 0 {
			c.AreaNames = names
		}
	}

	setBool := func(dst **bool, key string) {
		if v := os.Getenv(key); v != "" {
			b := v == "true" || v == "1"
			*dst = &b
		}
	}
	setBool(&c.SkipInbox, "CAPSYNC_SKIP_INBOX")
	setBool(&c.SkipRecurring, "CAPSYNC_SKIP_RECURRING")
	setBool(&c.AutoLabel, "CAPSYNC_AUTO_LABEL")
	setBool(&c.AddBacklink, "CAPSYNC_ADD_BACKLINK")

	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	setInt(&c.WorkerConcurrency, "CAPSYNC_WORKER_CONCURRENCY")
	setInt(&c.RetryMax, "CAPSYNC_RETRY_MAX")
	setInt(&c.RateLimitWebhook, "CAPSYNC_RATE_LIMIT_WEBHOOK")

	setDur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	setDur(&c.ShutdownTimeout, "CAPSYNC_SHUTDOWN_TIMEOUT")
	setDur(&c.ReconcileInterval, "CAPSYNC_RECONCILE_INTERVAL")
	setDur(&c.RetryBaseDelay, "CAPSYNC_RETRY_BASE_DELAY")
	setDur(&c.RequestTimeout, "CAPSYNC_REQUEST_TIMEOUT")
}

// Validate checks the invariants the rest of the daemon assumes.
func (c *Config) Validate() error {
	if c.EligibilityTag == "" {
		return fmt.Errorf("config: eligibility_tag must not be empty")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: worker_concurrency must be positive")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("config: retry_max must not be negative")
	}
	if c.Namespace == "" {
		return fmt.Errorf("config: namespace must not be empty")
	}
	return nil
}

// SkipInboxEnabled reports whether Inbox tasks are ineligible.
func (c *Config) SkipInboxEnabled() bool { return c.SkipInbox == nil || *c.SkipInbox }

// SkipRecurringEnabled reports whether recurring tasks are ineligible.
func (c *Config) SkipRecurringEnabled() bool { return c.SkipRecurring == nil || *c.SkipRecurring }

// AutoLabelEnabled reports whether the engine may add the eligibility tag.
func (c *Config) AutoLabelEnabled() bool { return c.AutoLabel == nil || *c.AutoLabel }

// AddBacklinkEnabled reports whether first-sync backlinks are written.
func (c *Config) AddBacklinkEnabled() bool { return c.AddBacklink == nil || *c.AddBacklink }

// AreaSet returns the configured area names as an uppercase lookup set.
func (c *Config) AreaSet() map[string]bool {
	set := make(map[string]bool, len(c.AreaNames))
	for _, n := range c.AreaNames {
		set[strings.ToUpper(strings.TrimSpace(n))] = true
	}
	return set
}
