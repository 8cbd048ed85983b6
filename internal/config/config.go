// Package config loads the braincore configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Provider auth modes. A "mixed" provider uses OAuth when a profile is
// connected and falls back to manual keys; an "oauth" provider never uses
// manual keys.
const (
	AuthModeManual = "manual"
	AuthModeOAuth  = "oauth"
	AuthModeMixed  = "mixed"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ProviderConfig describes one upstream model provider.
type ProviderConfig struct {
	ID           string `yaml:"id"`
	BaseURL      string `yaml:"base_url"`
	AuthMode     string `yaml:"auth_mode"`
	DefaultModel string `yaml:"default_model"`
	Timeout      string `yaml:"timeout"`
}

// TimeoutDuration parses the provider timeout, zero when unset.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	if p.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// OAuthConfig holds the authorization-code+PKCE endpoints for the one
// OAuth-capable provider namespace.
type OAuthConfig struct {
	Provider     string   `yaml:"provider" env:"BRAINCORE_OAUTH_PROVIDER"`
	ClientID     string   `yaml:"client_id" env:"BRAINCORE_OAUTH_CLIENT_ID"`
	AuthURL      string   `yaml:"auth_url" env:"BRAINCORE_OAUTH_AUTH_URL"`
	TokenURL     string   `yaml:"token_url" env:"BRAINCORE_OAUTH_TOKEN_URL"`
	Scopes       []string `yaml:"scopes"`
	CallbackPort int      `yaml:"callback_port" env:"BRAINCORE_OAUTH_CALLBACK_PORT"`
}

// BrainConfig bounds the agentic tool-calling loop.
type BrainConfig struct {
	MaxTurnsPerNode      int `yaml:"max_turns_per_node" env:"BRAINCORE_MAX_TURNS_PER_NODE"`
	FailSafeMaxToolCalls int `yaml:"fail_safe_max_tool_calls" env:"BRAINCORE_FAIL_SAFE_MAX_TOOL_CALLS"`
	DecisionMaxAttempts  int `yaml:"decision_max_attempts" env:"BRAINCORE_DECISION_MAX_ATTEMPTS"`
}

// Config is the full process configuration.
type Config struct {
	ListenAddr          string           `yaml:"listen_addr" env:"BRAINCORE_LISTEN_ADDR"`
	DBPath              string           `yaml:"db_path" env:"BRAINCORE_DB_PATH"`
	CipherPassphrase    string           `yaml:"cipher_passphrase" env:"BRAINCORE_CIPHER_PASSPHRASE"`
	CooldownMinutes     int              `yaml:"cooldown_minutes" env:"BRAINCORE_COOLDOWN_MINUTES"`
	FallbackMaxAttempts int              `yaml:"fallback_max_attempts" env:"BRAINCORE_FALLBACK_MAX_ATTEMPTS"`
	OAuth               OAuthConfig      `yaml:"oauth"`
	Brain               BrainConfig      `yaml:"brain"`
	Providers           []ProviderConfig `yaml:"providers"`
}

// Defaults returns a config with every knob at its documented default.
func Defaults() *Config {
	return &Config{
		ListenAddr:          ":8086",
		DBPath:              "braincore.db",
		CooldownMinutes:     5,
		FallbackMaxAttempts: 3,
		OAuth: OAuthConfig{
			Provider:     "openai",
			CallbackPort: 8765,
			Scopes:       []string{"openid", "profile", "email", "offline_access"},
		},
		Brain: BrainConfig{
			MaxTurnsPerNode:      60,
			FailSafeMaxToolCalls: 200,
			DecisionMaxAttempts:  3,
		},
	}
}

// Load reads YAML from path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for _, p := range c.Providers {
		if !providerIDRegexp.MatchString(p.ID) {
			return fmt.Errorf("invalid provider id %q", p.ID)
		}
		switch p.AuthMode {
		case AuthModeManual, AuthModeOAuth, AuthModeMixed, "":
		default:
			return fmt.Errorf("provider %q: unknown auth_mode %q", p.ID, p.AuthMode)
		}
	}
	if c.FallbackMaxAttempts < 1 {
		return fmt.Errorf("fallback_max_attempts must be >= 1")
	}
	if c.Brain.MaxTurnsPerNode < 1 || c.Brain.FailSafeMaxToolCalls < 1 {
		return fmt.Errorf("brain limits must be >= 1")
	}
	return nil
}

// Provider returns the config entry for one provider id, nil when absent.
func (c *Config) Provider(id string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

// AuthModeFor resolves a provider's auth mode, defaulting to manual.
func (c *Config) AuthModeFor(id string) string {
	p := c.Provider(id)
	if p == nil || p.AuthMode == "" {
		return AuthModeManual
	}
	return p.AuthMode
}
