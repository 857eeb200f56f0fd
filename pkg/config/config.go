// Package config loads the bot's YAML configuration: identities and
// quotas, pacing, blacklist, platform selectors and storage locations.
// Defaults are applied on load; Validate catches what defaults cannot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PeterMinsch/gem-approval/pkg/bot/coordinator"
	"github.com/PeterMinsch/gem-approval/pkg/bot/extraction"
	"github.com/PeterMinsch/gem-approval/pkg/bot/governor"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// IdentityConfig describes one posting identity and its daily budget.
type IdentityConfig struct {
	Name       string `yaml:"name"`
	DailyQuota int    `yaml:"daily_quota"`
}

// GovernorConfig tunes admission pacing and the circuit breaker.
type GovernorConfig struct {
	MinActionInterval Duration `yaml:"min_action_interval"`
	CircuitThreshold  int      `yaml:"circuit_threshold"`
	CircuitCooldown   Duration `yaml:"circuit_cooldown"`
}

// QueueConfig tunes retry behavior for failed posting attempts.
type QueueConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// LoopConfig tunes the orchestrator's scan and drain loops.
type LoopConfig struct {
	ScanInterval    Duration `yaml:"scan_interval"`
	ClaimWait       Duration `yaml:"claim_wait"`
	DenialWait      Duration `yaml:"denial_wait"`
	ExecuteTimeout  Duration `yaml:"execute_timeout"`
	NavigateTimeout Duration `yaml:"navigate_timeout"`
}

// SelectorConfig holds the per-site selector sets.
type SelectorConfig struct {
	Feed extraction.Selectors      `yaml:"feed"`
	Post coordinator.PostSelectors `yaml:"post"`
}

// ComposerConfig selects and tunes draft generation. When Model is set
// and an API key is available the model-backed composer is used,
// otherwise the template composer.
type ComposerConfig struct {
	Model           string   `yaml:"model"`
	SystemPrompt    string   `yaml:"system_prompt"`
	MaxPromptTokens int      `yaml:"max_prompt_tokens"`
	Templates       []string `yaml:"templates"`
}

// Config is the root configuration document.
type Config struct {
	FeedURL          string `yaml:"feed_url"`
	Headless         bool   `yaml:"headless"`
	StorageDir       string `yaml:"storage_dir"`
	StorageStatePath string `yaml:"storage_state_path"`

	Identities []IdentityConfig `yaml:"identities"`
	Blacklist  []string         `yaml:"blacklist"`

	Governor GovernorConfig `yaml:"governor"`
	Queue    QueueConfig    `yaml:"queue"`
	Loops    LoopConfig     `yaml:"loops"`

	Selectors SelectorConfig `yaml:"selectors"`
	Composer  ComposerConfig `yaml:"composer"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StorageDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StorageDir = filepath.Join(home, ".gembot")
		} else {
			c.StorageDir = ".gembot"
		}
	}
	if c.Governor.CircuitThreshold <= 0 {
		c.Governor.CircuitThreshold = governor.DefaultFailureThreshold
	}
	if c.Governor.CircuitCooldown <= 0 {
		c.Governor.CircuitCooldown = Duration(governor.DefaultCooldown)
	}
	if c.Governor.MinActionInterval <= 0 {
		c.Governor.MinActionInterval = Duration(governor.DefaultMinActionInterval)
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = Duration(30 * time.Second)
	}
	if c.Queue.BackoffCap <= 0 {
		c.Queue.BackoffCap = Duration(15 * time.Minute)
	}
	for i := range c.Identities {
		if c.Identities[i].DailyQuota <= 0 {
			c.Identities[i].DailyQuota = 20
		}
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.FeedURL == "" {
		return fmt.Errorf("feed_url is required")
	}
	if len(c.Identities) == 0 {
		return fmt.Errorf("at least one identity is required")
	}
	names := make(map[string]bool, len(c.Identities))
	for _, id := range c.Identities {
		if id.Name == "" {
			return fmt.Errorf("identity name must not be empty")
		}
		if names[id.Name] {
			return fmt.Errorf("duplicate identity %q", id.Name)
		}
		names[id.Name] = true
	}
	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		return fmt.Errorf("queue backoff_cap must be >= backoff_base")
	}
	return nil
}

// Slots converts the identity list to governor slot configs.
func (c *Config) Slots() []governor.SlotConfig {
	slots := make([]governor.SlotConfig, 0, len(c.Identities))
	for _, id := range c.Identities {
		slots = append(slots, governor.SlotConfig{Name: id.Name, DailyQuota: id.DailyQuota})
	}
	return slots
}

// PostTimings builds the posting step bounds, starting from the
// defaults and overriding the navigate bound when configured.
func (c *Config) PostTimings() coordinator.PostTimings {
	timings := coordinator.DefaultPostTimings()
	if c.Loops.NavigateTimeout > 0 {
		timings.Navigate = c.Loops.NavigateTimeout.Std()
	}
	return timings
}
