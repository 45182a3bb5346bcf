package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

// PolicyConfig holds user-configurable policy engine settings.
type PolicyConfig struct {
	SensitiveTimeoutSecs         int  `yaml:"sensitive_timeout_secs"`
	NormalTimeoutSecs            int  `yaml:"normal_timeout_secs"`
	LockoutThreshold             int  `yaml:"lockout_threshold"`
	LockoutWindowSecs            int  `yaml:"lockout_window_secs"`
	LockoutDurationSecs          int  `yaml:"lockout_duration_secs"`
	CollaboratorTimeoutSecs      int  `yaml:"collaborator_timeout_secs"`
	FailClosedOnAuditUnavailable *bool `yaml:"fail_closed_on_audit_unavailable"`
}

// SensitiveTimeout returns the sensitive-tier session timeout.
func (c *PolicyConfig) SensitiveTimeout() time.Duration {
	return time.Duration(c.SensitiveTimeoutSecs) * time.Second
}

// NormalTimeout returns the normal-tier session timeout.
func (c *PolicyConfig) NormalTimeout() time.Duration {
	return time.Duration(c.NormalTimeoutSecs) * time.Second
}

// LockoutWindow returns the failure counting window.
func (c *PolicyConfig) LockoutWindow() time.Duration {
	return time.Duration(c.LockoutWindowSecs) * time.Second
}

// LockoutDuration returns the lock duration applied at the threshold.
func (c *PolicyConfig) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutDurationSecs) * time.Second
}

// CollaboratorTimeout returns the deadline for collaborator calls.
func (c *PolicyConfig) CollaboratorTimeout() time.Duration {
	return time.Duration(c.CollaboratorTimeoutSecs) * time.Second
}

// FailClosed reports whether audit unavailability denies the request even
// for read-class actions. Sensitive actions always fail closed.
func (c *PolicyConfig) FailClosed() bool {
	return c.FailClosedOnAuditUnavailable == nil || *c.FailClosedOnAuditUnavailable
}

// AuditConfig holds user-configurable audit log settings.
type AuditConfig struct {
	// ChainKeyHex is the keyed-hash key for the audit chain, 32 bytes hex.
	// Generated and persisted on first run when empty.
	ChainKeyHex string `yaml:"chain_key"`
}

// Config holds all application configuration.
type Config struct {
	WorkingDirectory string       `yaml:"working_directory"`
	Port             int          `yaml:"port"`
	LogLevel         string       `yaml:"log_level"`
	Policy           PolicyConfig `yaml:"policy"`
	Audit            AuditConfig  `yaml:"audit"`
}

// ApplyDefaults fills zero-valued fields with constant defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = GetConfigDir()
	}
	if cfg.Port == 0 {
		cfg.Port = constants.DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = constants.DefaultLogLevel
	}

	if cfg.Policy.SensitiveTimeoutSecs == 0 {
		cfg.Policy.SensitiveTimeoutSecs = int(constants.SensitiveSessionTimeout.Seconds())
	}
	if cfg.Policy.NormalTimeoutSecs == 0 {
		cfg.Policy.NormalTimeoutSecs = int(constants.NormalSessionTimeout.Seconds())
	}
	if cfg.Policy.LockoutThreshold == 0 {
		cfg.Policy.LockoutThreshold = constants.LockoutThreshold
	}
	if cfg.Policy.LockoutWindowSecs == 0 {
		cfg.Policy.LockoutWindowSecs = int(constants.LockoutWindow.Seconds())
	}
	if cfg.Policy.LockoutDurationSecs == 0 {
		cfg.Policy.LockoutDurationSecs = int(constants.LockoutDuration.Seconds())
	}
	if cfg.Policy.CollaboratorTimeoutSecs == 0 {
		cfg.Policy.CollaboratorTimeoutSecs = int(constants.CollaboratorTimeout.Seconds())
	}
}

// validate checks that all configurable values are within acceptable ranges.
func (cfg *Config) validate() error {
	var errs []string

	if cfg.WorkingDirectory == "" {
		errs = append(errs, "working_directory must not be empty")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if cfg.Policy.SensitiveTimeoutSecs < 1 {
		errs = append(errs, "policy.sensitive_timeout_secs must be >= 1")
	}
	if cfg.Policy.NormalTimeoutSecs < cfg.Policy.SensitiveTimeoutSecs {
		errs = append(errs, "policy.normal_timeout_secs must be >= policy.sensitive_timeout_secs")
	}
	if cfg.Policy.LockoutThreshold < 1 {
		errs = append(errs, "policy.lockout_threshold must be >= 1")
	}
	if cfg.Policy.LockoutWindowSecs < 1 {
		errs = append(errs, "policy.lockout_window_secs must be >= 1")
	}
	if cfg.Policy.LockoutDurationSecs < 1 {
		errs = append(errs, "policy.lockout_duration_secs must be >= 1")
	}
	if cfg.Policy.CollaboratorTimeoutSecs < 1 {
		errs = append(errs, "policy.collaborator_timeout_secs must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LogEffectiveValues logs all effective configuration values at startup.
func (cfg *Config) LogEffectiveValues(log *logger.Logger) {
	log.Info("config: working_directory=%s", cfg.WorkingDirectory)
	log.Info("config: port=%d", cfg.Port)
	log.Info("config: log_level=%s", cfg.LogLevel)
	log.Info("config: policy.sensitive_timeout_secs=%d", cfg.Policy.SensitiveTimeoutSecs)
	log.Info("config: policy.normal_timeout_secs=%d", cfg.Policy.NormalTimeoutSecs)
	log.Info("config: policy.lockout_threshold=%d", cfg.Policy.LockoutThreshold)
	log.Info("config: policy.lockout_window_secs=%d", cfg.Policy.LockoutWindowSecs)
	log.Info("config: policy.lockout_duration_secs=%d", cfg.Policy.LockoutDurationSecs)
	log.Info("config: policy.collaborator_timeout_secs=%d", cfg.Policy.CollaboratorTimeoutSecs)
	log.Info("config: policy.fail_closed_on_audit_unavailable=%t", cfg.Policy.FailClosed())
}

func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, constants.ConfigDir)
}

func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), constants.ConfigFile)
}

func EnsureConfigDir() error {
	return os.MkdirAll(GetConfigDir(), constants.DirPermissions)
}

// Load reads the config file, creating it with defaults when missing.
func Load() (*Config, error) {
	if err := EnsureConfigDir(); err != nil {
		return nil, err
	}

	configPath := GetConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &Config{}
		cfg.ApplyDefaults()
		if err := Save(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config file.
func Save(cfg *Config) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(GetConfigPath(), data, constants.FilePermissions)
}
