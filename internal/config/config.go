// Package config loads the relay configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedrelay/internal/model"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultDatabasePath  = "./data/feedrelay.db"
	defaultLockPath      = "./data/feedrelay.lock"
	defaultAggregator    = "rsshub.app"
	defaultRetentionDays = 30
	defaultTranslateLang = "zh"
	defaultGeminiModel   = "gemini-1.5-flash"
	defaultHeader        = "📢 *{source}*\n"
	defaultTemplate      = "*{subject}*\n[more]({url})"
	redacted             = "REDACTED"
)

// Config holds the application configuration. It is loaded once and not
// modified afterwards.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Database   DatabaseConfig   `yaml:"database"`
	LockPath   string           `yaml:"lock_path"`
	ChatID     int64            `yaml:"chat_id"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Translate  TranslateConfig  `yaml:"translate"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Groups     []Group          `yaml:"groups"`
}

// DatabaseConfig selects the store. Path is used by sqlite, URL by postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == DriverPostgres {
		return d.URL
	}
	return d.Path
}

// AggregatorConfig describes the one feed host that is served from mirrors.
type AggregatorConfig struct {
	Host        string   `yaml:"host"`
	BackupHosts []string `yaml:"backup_hosts"`
}

// TranslateConfig configures title translation. An empty SourceLanguage means
// auto-detect.
type TranslateConfig struct {
	Model          string `yaml:"model"`
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`
	// Credentials only come from the environment.
	APIKey          string `yaml:"-"`
	SecondaryAPIKey string `yaml:"-"`
}

// MetricsConfig enables pushing run metrics when PushgatewayURL is set.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Group is the file representation of one feed group.
type Group struct {
	Name          string    `yaml:"name"`
	Key           string    `yaml:"key"`
	URLs          []string  `yaml:"urls"`
	Interval      Duration  `yaml:"interval"`
	BatchInterval Duration  `yaml:"batch_interval"`
	RetentionDays int       `yaml:"retention_days"`
	ChatID        int64     `yaml:"chat_id"`
	BotToken      string    `yaml:"bot_token"`
	BotTokenEnv   string    `yaml:"bot_token_env"`
	Processor     Processor `yaml:"processor"`
}

// Processor is the per-group processing policy. Unset booleans take their
// documented defaults.
type Processor struct {
	Translate      bool   `yaml:"translate"`
	HeaderTemplate string `yaml:"header_template"`
	Template       string `yaml:"template"`
	Preview        *bool  `yaml:"preview"`
	ShowCount      *bool  `yaml:"show_count"`
	Filter         Filter `yaml:"filter"`
}

// Filter is the keyword filter of a group.
type Filter struct {
	Enable   bool     `yaml:"enable"`
	Mode     string   `yaml:"mode"`
	Scope    string   `yaml:"scope"`
	Keywords []string `yaml:"keywords"`
}

// Duration accepts either a Go duration string ("90m") or a number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads the configuration file at path, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FEEDRELAY_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		// A comma separated list is accepted; the first entry is the default chat.
		first := strings.TrimSpace(strings.Split(raw, ",")[0])
		id, err := strconv.ParseInt(first, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat ID %q in TELEGRAM_CHAT_ID: %w", first, err)
		}
		c.ChatID = id
	}
	c.Translate.APIKey = os.Getenv("TRANSLATE_API_KEY")
	c.Translate.SecondaryAPIKey = os.Getenv("TRANSLATE_API_KEY_SECONDARY")

	for i := range c.Groups {
		g := &c.Groups[i]
		if g.BotTokenEnv == "" {
			continue
		}
		if v := os.Getenv(g.BotTokenEnv); v != "" {
			g.BotToken = v
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
	if c.LockPath == "" {
		c.LockPath = defaultLockPath
	}
	if c.Aggregator.Host == "" {
		c.Aggregator.Host = defaultAggregator
	}
	if c.Translate.Model == "" {
		c.Translate.Model = defaultGeminiModel
	}
	if c.Translate.TargetLanguage == "" {
		c.Translate.TargetLanguage = defaultTranslateLang
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "feedrelay"
	}

	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Key == "" {
			g.Key = g.Name
		}
		if g.ChatID == 0 {
			g.ChatID = c.ChatID
		}
		if g.RetentionDays == 0 {
			g.RetentionDays = defaultRetentionDays
		}
		p := &g.Processor
		if p.HeaderTemplate == "" {
			p.HeaderTemplate = defaultHeader
		}
		if p.Template == "" {
			p.Template = defaultTemplate
		}
		if p.Filter.Mode == "" {
			p.Filter.Mode = string(model.ModeAllow)
		}
		if p.Filter.Scope == "" {
			p.Filter.Scope = string(model.ScopeTitle)
		}
	}
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url (or FEEDRELAY_DATABASE_URL) is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if len(c.Groups) == 0 {
		return errors.New("at least one group is required")
	}

	keys := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		if err := g.validate(); err != nil {
			return fmt.Errorf("groups[%d] (%s): %w", i, g.Name, err)
		}
		if keys[g.Key] {
			return fmt.Errorf("groups[%d] (%s): duplicate key %q", i, g.Name, g.Key)
		}
		keys[g.Key] = true
	}
	return nil
}

func (g Group) validate() error {
	if g.Name == "" {
		return errors.New("name is required")
	}
	if len(g.URLs) == 0 {
		return errors.New("urls must not be empty")
	}
	for _, u := range g.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("invalid url %q", u)
		}
	}
	if g.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if g.BatchInterval < 0 {
		return errors.New("batch_interval must not be negative")
	}
	if g.RetentionDays < 0 {
		return errors.New("retention_days must not be negative")
	}
	if g.BotToken == "" {
		if g.BotTokenEnv != "" {
			return fmt.Errorf("bot token: %s is not set", g.BotTokenEnv)
		}
		return errors.New("bot_token or bot_token_env is required")
	}
	if g.ChatID == 0 {
		return errors.New("chat_id is required (set it on the group or globally)")
	}

	f := g.Processor.Filter
	switch model.FilterMode(f.Mode) {
	case model.ModeAllow, model.ModeBlock:
	default:
		return fmt.Errorf("filter.mode must be allow or block, got %q", f.Mode)
	}
	switch model.FilterScope(f.Scope) {
	case model.ScopeTitle, model.ScopeLink, model.ScopeBoth, model.ScopeAll,
		model.ScopeTitleSummary, model.ScopeLinkSummary:
	default:
		return fmt.Errorf("unknown filter.scope %q", f.Scope)
	}
	return nil
}

// Model converts the file representation into the domain group.
func (g Group) Model() model.Group {
	p := g.Processor
	return model.Group{
		Name:          g.Name,
		Key:           g.Key,
		URLs:          append([]string(nil), g.URLs...),
		ChatID:        g.ChatID,
		BotToken:      g.BotToken,
		Interval:      time.Duration(g.Interval),
		BatchInterval: time.Duration(g.BatchInterval),
		RetentionDays: g.RetentionDays,
		Policy: model.Policy{
			Translate:      p.Translate,
			HeaderTemplate: p.HeaderTemplate,
			Template:       p.Template,
			Preview:        boolOr(p.Preview, true),
			ShowCount:      boolOr(p.ShowCount, true),
			Filter: model.FilterPolicy{
				Enable:   p.Filter.Enable,
				Mode:     model.FilterMode(p.Filter.Mode),
				Scope:    model.FilterScope(p.Filter.Scope),
				Keywords: append([]string(nil), p.Filter.Keywords...),
			},
		},
	}
}

// Redacted returns a copy of c with secrets masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.URL != "" {
		out.Database.URL = redacted
	}
	out.Groups = make([]Group, len(c.Groups))
	for i, g := range c.Groups {
		if g.BotToken != "" {
			g.BotToken = redacted
		}
		out.Groups[i] = g
	}
	return out
}

// ModelGroups returns every configured group in domain form.
func (c *Config) ModelGroups() []model.Group {
	groups := make([]model.Group, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, g.Model())
	}
	return groups
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
