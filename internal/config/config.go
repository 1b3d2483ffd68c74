// Package config provides configuration management for the codex-auto-switch
// gateway. It loads the plugin JSON configuration file, applies environment
// variable overrides, and merges the optional YAML tuning file that adjusts
// selector weights, backoff timings, and tracker parameters.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Strategy names accepted by the selector.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

// Config represents the plugin configuration, loaded from
// <home>/.opencode/codex-switch-config.json with environment overrides.
type Config struct {
	// CodexMode enables the Codex transformation profile: vendor system
	// instructions are injected and the host agent's prompt is stripped.
	CodexMode bool `json:"codexMode"`

	// Strategy selects the account selection policy: sticky, round-robin,
	// or hybrid.
	Strategy string `json:"strategy"`

	// Debug enables debug-level logging.
	Debug bool `json:"debug"`

	// RequestLogging enables per-request JSON dumps. Set only via the
	// ENABLE_PLUGIN_REQUEST_LOGGING environment variable.
	RequestLogging bool `json:"-"`

	// Tuning carries the advanced knobs from the optional YAML tuning file.
	Tuning Tuning `json:"-"`
}

// Tuning holds the advanced parameters read from
// <home>/.opencode/codex-switch.yaml. Zero values fall back to defaults.
type Tuning struct {
	// MaxRetries is the rotation budget per request.
	MaxRetries int `yaml:"max-retries"`

	// Selector adjusts hybrid selection scoring.
	Selector SelectorTuning `yaml:"selector"`

	// Health adjusts the wellness tracker.
	Health HealthTuning `yaml:"health"`

	// Bucket adjusts the per-account admission bucket.
	Bucket BucketTuning `yaml:"bucket"`

	// Backoff overrides penalty timings, in seconds.
	Backoff BackoffTuning `yaml:"backoff"`
}

// SelectorTuning adjusts the hybrid strategy weights.
type SelectorTuning struct {
	MinHealthScore  float64 `yaml:"min-health-score"`
	HealthWeight    float64 `yaml:"health-weight"`
	TokenWeight     float64 `yaml:"token-weight"`
	FreshnessWeight float64 `yaml:"freshness-weight"`
	StickinessBonus float64 `yaml:"stickiness-bonus"`
	SwitchThreshold float64 `yaml:"switch-threshold"`
}

// HealthTuning adjusts the wellness score parameters.
type HealthTuning struct {
	Initial             float64 `yaml:"initial"`
	MaxScore            float64 `yaml:"max-score"`
	MinUsable           float64 `yaml:"min-usable"`
	SuccessReward       float64 `yaml:"success-reward"`
	RateLimitPenalty    float64 `yaml:"rate-limit-penalty"`
	FailurePenalty      float64 `yaml:"failure-penalty"`
	RecoveryRatePerHour float64 `yaml:"recovery-rate-per-hour"`
}

// BucketTuning adjusts the client-side admission bucket.
type BucketTuning struct {
	MaxTokens             float64 `yaml:"max-tokens"`
	InitialTokens         float64 `yaml:"initial-tokens"`
	RegenerationPerMinute float64 `yaml:"regeneration-per-minute"`
}

// BackoffTuning overrides penalty backoff timings, in seconds.
type BackoffTuning struct {
	UsageLimit []int `yaml:"usage-limit"`
	RateLimit  int   `yaml:"rate-limit"`
	ServerErr  int   `yaml:"server-error"`
	Unknown    int   `yaml:"unknown"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CodexMode: true,
		Strategy:  StrategyHybrid,
	}
}

// Load reads the plugin configuration file, the optional tuning file, and
// applies environment overrides. A missing or unreadable configuration file
// yields the defaults; configuration problems never fail the gateway.
func Load() *Config {
	cfg := Default()

	if data, err := os.ReadFile(PluginConfigPath()); err == nil {
		var fileCfg Config
		if err = json.Unmarshal(data, &fileCfg); err != nil {
			log.Warnf("config: failed to parse %s: %v", PluginConfigPath(), err)
		} else {
			cfg.CodexMode = fileCfg.CodexMode
			if fileCfg.Strategy != "" {
				cfg.Strategy = fileCfg.Strategy
			}
			cfg.Debug = fileCfg.Debug
		}
	}

	if data, err := os.ReadFile(TuningPath()); err == nil {
		if err = yaml.Unmarshal(data, &cfg.Tuning); err != nil {
			log.Warnf("config: failed to parse %s: %v", TuningPath(), err)
		}
	}

	switch os.Getenv("CODEX_MODE") {
	case "1":
		cfg.CodexMode = true
	case "0":
		cfg.CodexMode = false
	}
	if os.Getenv("DEBUG_CODEX_SWITCH") == "1" {
		cfg.Debug = true
	}
	if os.Getenv("ENABLE_PLUGIN_REQUEST_LOGGING") == "1" {
		cfg.RequestLogging = true
	}

	switch cfg.Strategy {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid:
	default:
		log.Warnf("config: unknown strategy %q, using %s", cfg.Strategy, StrategyHybrid)
		cfg.Strategy = StrategyHybrid
	}

	return cfg
}

// ConfigDir resolves the storage directory for the account set:
// $OPENCODE_CONFIG_DIR if set, else $XDG_CONFIG_HOME/opencode, else
// ~/.config/opencode.
func ConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("OPENCODE_CONFIG_DIR")); dir != "" {
		return dir
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "opencode")
	}
	return filepath.Join(home, ".config", "opencode")
}

// PluginConfigPath returns the plugin configuration file location.
func PluginConfigPath() string {
	return filepath.Join(opencodeHome(), "codex-switch-config.json")
}

// TuningPath returns the optional YAML tuning file location.
func TuningPath() string {
	return filepath.Join(opencodeHome(), "codex-switch.yaml")
}

// LogDir returns the directory for gateway logs and request dumps.
func LogDir() string {
	return filepath.Join(opencodeHome(), "logs", "codex-auto-switch")
}

func opencodeHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opencode"
	}
	return filepath.Join(home, ".opencode")
}
