// Package config holds the XrayIPGuard configuration tree and its defaults.
package config

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
)

type Config struct {
	Panel  PanelConfig  `mapstructure:"panel"`
	Limits LimitsConfig `mapstructure:"limits"`
	Users  UsersConfig  `mapstructure:"users"`
	// ExceptUsers is the legacy flat whitelist key. It is merged with
	// users.except at lookup time.
	ExceptUsers     []string         `mapstructure:"except_users"`
	Timing          TimingConfig     `mapstructure:"timing"`
	Settings        SettingsConfig   `mapstructure:"settings"`
	CDNInbounds     []string         `mapstructure:"cdn_inbounds"`
	CDNUseXFF       bool             `mapstructure:"cdn_use_xff"`
	DisableMethod   string           `mapstructure:"disable_method"`
	DisabledGroupID int              `mapstructure:"disabled_group_id"`
	Punishment      PunishmentConfig `mapstructure:"punishment"`
	API             APIConfig        `mapstructure:"api"`
	Storage         StorageConfig    `mapstructure:"storage"`
	Log             LogConfig        `mapstructure:"log"`
}

type PanelConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Domain   string `mapstructure:"domain"`
}

type LimitsConfig struct {
	General int            `mapstructure:"general"`
	Special map[string]int `mapstructure:"special"`
}

type UsersConfig struct {
	Except []string `mapstructure:"except"`
}

type TimingConfig struct {
	// CheckInterval is the evaluator period in seconds.
	CheckInterval int `mapstructure:"check_interval"`
	// TimeToActiveUsers is the default re-enable delay in seconds for
	// disabled users without an explicit enable time.
	TimeToActiveUsers int `mapstructure:"time_to_active_users"`
}

type SettingsConfig struct {
	// CountryCode is an ISO-2 country filter for observed IPs. "None" or
	// empty disables the filter.
	CountryCode string `mapstructure:"country_code"`
}

type PunishmentConfig struct {
	// Enabled is a pointer so an explicit `enabled: false` survives the
	// defaults merge. Use IsEnabled for reads.
	Enabled     *bool  `mapstructure:"enabled"`
	WindowHours int    `mapstructure:"window_hours"`
	Steps       []Step `mapstructure:"steps"`
	// InstantDisableScore is the trust score at or below which the
	// monitoring window is skipped and the user is disabled immediately.
	InstantDisableScore int `mapstructure:"instant_disable_score"`
}

// IsEnabled reports whether step escalation is on. Unset means enabled.
func (p PunishmentConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Step is one rung of the escalation ladder. Duration is in minutes;
// zero means unlimited for disable steps and is ignored for warnings.
type Step struct {
	Type     string `mapstructure:"type"`
	Duration int    `mapstructure:"duration"`
}

type APIConfig struct {
	IPInfoToken       string `mapstructure:"ipinfo_token"`
	UseFallbackISPAPI bool   `mapstructure:"use_fallback_isp_api"`
}

type StorageConfig struct {
	// DataDir holds the durable JSON files (disabled users, violation
	// history, warning snapshots, group backups).
	DataDir string `mapstructure:"data_dir"`
	// Redis enables a shared second cache tier for country-code lookups.
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Network  string `mapstructure:"network"`
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Expiry is the cache entry lifetime in seconds.
	Expiry int `mapstructure:"expiry"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

const (
	DisableMethodStatus = "status"
	DisableMethodGroup  = "group"

	StepWarning = "warning"
	StepDisable = "disable"
	StepRevoke  = "revoke"
)

// Default returns the built-in configuration. Operator values are merged
// on top of it with ApplyDefaults.
func Default() *Config {
	return &Config{
		Limits: LimitsConfig{General: 2},
		Timing: TimingConfig{
			CheckInterval:     60,
			TimeToActiveUsers: 1800,
		},
		Settings:      SettingsConfig{CountryCode: "None"},
		DisableMethod: DisableMethodStatus,
		Punishment: PunishmentConfig{
			Enabled:     boolPtr(true),
			WindowHours: 24,
			Steps: []Step{
				{Type: StepWarning, Duration: 0},
				{Type: StepDisable, Duration: 10},
				{Type: StepDisable, Duration: 30},
				{Type: StepDisable, Duration: 60},
				{Type: StepDisable, Duration: 0},
			},
			InstantDisableScore: -60,
		},
		Storage: StorageConfig{
			DataDir: ".",
			Redis: RedisConfig{
				Network: "tcp",
				Addr:    "localhost:6379",
				Expiry:  3600,
			},
		},
		Log: LogConfig{Level: "info"},
	}
}

func boolPtr(b bool) *bool { return &b }

// ApplyDefaults fills unset fields of cfg from Default. Pointer fields
// are not dereferenced during the merge, so an operator-set
// `punishment.enabled: false` survives with the rest defaulted.
func ApplyDefaults(cfg *Config) error {
	return mergo.Merge(cfg, Default(), mergo.WithoutDereference)
}

// Validate rejects configurations that the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Panel.Username == "" || c.Panel.Password == "" || c.Panel.Domain == "" {
		return fmt.Errorf("panel credentials are incomplete: username, password and domain are required")
	}
	if c.Limits.General < 1 {
		return fmt.Errorf("limits.general must be >= 1, got %d", c.Limits.General)
	}
	for u, n := range c.Limits.Special {
		if n < 1 {
			return fmt.Errorf("limits.special.%s must be >= 1, got %d", u, n)
		}
	}
	if c.Timing.CheckInterval < 30 {
		return fmt.Errorf("timing.check_interval must be >= 30 seconds, got %d", c.Timing.CheckInterval)
	}
	if c.Timing.TimeToActiveUsers < 60 {
		return fmt.Errorf("timing.time_to_active_users must be >= 60 seconds, got %d", c.Timing.TimeToActiveUsers)
	}
	switch c.DisableMethod {
	case DisableMethodStatus:
	case DisableMethodGroup:
		if c.DisabledGroupID == 0 {
			return fmt.Errorf("disabled_group_id is required when disable_method is %q", DisableMethodGroup)
		}
	default:
		return fmt.Errorf("disable_method must be %q or %q, got %q", DisableMethodStatus, DisableMethodGroup, c.DisableMethod)
	}
	if c.Punishment.WindowHours < 1 || c.Punishment.WindowHours > 720 {
		return fmt.Errorf("punishment.window_hours must be within 1..720, got %d", c.Punishment.WindowHours)
	}
	if len(c.Punishment.Steps) == 0 {
		return fmt.Errorf("punishment.steps must not be empty")
	}
	for i, s := range c.Punishment.Steps {
		switch s.Type {
		case StepWarning, StepDisable, StepRevoke:
		default:
			return fmt.Errorf("punishment.steps[%d]: unknown step type %q", i, s.Type)
		}
		if s.Duration < 0 {
			return fmt.Errorf("punishment.steps[%d]: duration must be >= 0", i)
		}
	}
	return nil
}

// LimitFor returns the effective IP limit for a user.
func (c *Config) LimitFor(username string) int {
	if n, ok := c.Limits.Special[username]; ok {
		return n
	}
	return c.Limits.General
}

// ExceptSet merges users.except with the legacy except_users key into one
// whitelist lookup set.
func (c *Config) ExceptSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Users.Except)+len(c.ExceptUsers))
	for _, u := range c.Users.Except {
		set[u] = struct{}{}
	}
	for _, u := range c.ExceptUsers {
		set[u] = struct{}{}
	}
	return set
}

// CountryFilter returns the configured ISO-2 code, or "" when the geo
// filter is off.
func (c *Config) CountryFilter() string {
	cc := strings.TrimSpace(c.Settings.CountryCode)
	if cc == "" || strings.EqualFold(cc, "none") || strings.EqualFold(cc, "null") {
		return ""
	}
	return strings.ToUpper(cc)
}
