package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/teamrelay/internal/routing"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	State        StateConfig        `json:"state" yaml:"state"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
	Repositories []RepositoryConfig `json:"repositories" yaml:"repositories"`
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Activity     ActivityConfig     `json:"activity" yaml:"activity"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type StateConfig struct {
	// Path of the session state file. Empty uses the per-user default.
	Path string `json:"path" yaml:"path"`
}

type RuntimeConfig struct {
	// Type selects the agent runtime. Only "stub" ships with this module.
	Type string `json:"type" yaml:"type"`
	// StubDelay is the pause between stub runtime messages.
	StubDelay Duration `json:"stub_delay" yaml:"stub_delay"`
	// MaxConcurrent bounds the number of live runs.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

type RepositoryConfig struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Path     string            `json:"path" yaml:"path"`
	Rules    []routing.Rule    `json:"rules" yaml:"rules"`
	Defaults routing.Defaults  `json:"defaults" yaml:"defaults"`
	Models   map[string]string `json:"models,omitempty" yaml:"models,omitempty"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack" yaml:"slack"`
	Discord DiscordGatewayConfig `json:"discord" yaml:"discord"`
	Feed    FeedGatewayConfig    `json:"feed" yaml:"feed"`
}

type SlackGatewayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
	Username  string `json:"username" yaml:"username"`
	IconEmoji string `json:"icon_emoji" yaml:"icon_emoji"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

type FeedGatewayConfig struct {
	// Size is the number of activities kept per session.
	Size int `json:"size" yaml:"size"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
	// StreamMaxLen caps each issue stream approximately.
	StreamMaxLen int64 `json:"stream_max_len" yaml:"stream_max_len"`
}

// ActivityConfig tunes the gateway circuit breakers.
type ActivityConfig struct {
	BreakerMaxFailures uint32   `json:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerTimeout     Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
	BreakerInterval    Duration `json:"breaker_interval" yaml:"breaker_interval"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(resolved), &cfg)
	default:
		err = json.Unmarshal([]byte(resolved), &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Runtime.Type == "" {
		c.Runtime.Type = "stub"
	}
	if c.Runtime.MaxConcurrent == 0 {
		c.Runtime.MaxConcurrent = 10
	}
	for i := range c.Repositories {
		if c.Repositories[i].Defaults.Pattern == "" {
			c.Repositories[i].Defaults.Pattern = routing.PatternSingle
		}
		for _, rule := range c.Repositories[i].Rules {
			for k, cx := range rule.Match.Complexity {
				if canon, ok := routing.ParseComplexity(string(cx)); ok {
					rule.Match.Complexity[k] = canon
				}
			}
		}
	}
}

// Validate checks routing rules, repository ids and enabled gateways.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Repositories) == 0 {
		errs = append(errs, errors.New("at least one repository is required"))
	}
	if c.Runtime.Type != "stub" {
		errs = append(errs, fmt.Errorf("runtime %q is not supported", c.Runtime.Type))
	}

	seen := make(map[string]bool)
	for i, r := range c.Repositories {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("repositories[%d]: id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("repositories[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true

		if !r.Defaults.Pattern.Valid() {
			errs = append(errs, fmt.Errorf("repository %s: unknown default pattern %q", r.ID, r.Defaults.Pattern))
		}
		for j, rule := range r.Rules {
			if !rule.Pattern.Valid() {
				errs = append(errs, fmt.Errorf("repository %s rule %d: unknown pattern %q", r.ID, j, rule.Pattern))
			}
			switch rule.Procedure {
			case "", routing.ProcedureFullDevelopment, routing.ProcedureDebugger, routing.ProcedureOrchestrator:
			default:
				errs = append(errs, fmt.Errorf("repository %s rule %d: unknown procedure %q", r.ID, j, rule.Procedure))
			}
			for _, cx := range rule.Match.Complexity {
				if _, ok := routing.ParseComplexity(string(cx)); !ok {
					errs = append(errs, fmt.Errorf("repository %s rule %d: unknown complexity %q", r.ID, j, cx))
				}
			}
		}
	}

	if c.Gateway.Slack.Enabled && (c.Gateway.Slack.BotToken == "" || c.Gateway.Slack.ChannelID == "") {
		errs = append(errs, errors.New("gateway.slack: bot_token and channel_id are required"))
	}
	if c.Gateway.Discord.Enabled && (c.Gateway.Discord.BotToken == "" || c.Gateway.Discord.ChannelID == "") {
		errs = append(errs, errors.New("gateway.discord: bot_token and channel_id are required"))
	}
	return errors.Join(errs...)
}
