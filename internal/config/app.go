package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"adoconnect/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir       = "adoconnect"
	configFileName      = "config.yaml"
	connectionsFileName = "connections.json"
	credentialsDirName  = "credentials"
)

// OAuthFlow selects the interactive OAuth protocol. The two flows are
// mutually exclusive; a failure in one never falls back to the other.
type OAuthFlow string

const (
	OAuthFlowAuthCode   OAuthFlow = "auth-code"
	OAuthFlowDeviceCode OAuthFlow = "device-code"
)

// Well-known Entra ID values for Azure DevOps.
const (
	DefaultEntraTenant   = "organizations"
	DefaultEntraClientID = "c6c01810-2fff-45f0-861b-2ba02ae00ddc"
)

// AppConfig is the top-level configuration structure for adoconnect.
type AppConfig struct {
	Policy          PolicyConfig      `yaml:"policy"`
	OAuth           OAuthConfig       `yaml:"oauth"`
	Refresh         RefreshConfig     `yaml:"refresh"`
	Credentials     CredentialsConfig `yaml:"credentials"`
	Metrics         MetricsConfig     `yaml:"metrics"`
	ConnectionsFile string            `yaml:"connectionsFile,omitempty"`
}

// PolicyConfig holds the retry and timeout policy of the connection engine.
type PolicyConfig struct {
	MaxRetryCount            int           `yaml:"maxRetryCount"`
	RefreshBackoffMinutes    int           `yaml:"refreshBackoffMinutes"`
	MaxRefreshBackoffMinutes int           `yaml:"maxRefreshBackoffMinutes"`
	StepTimeout              time.Duration `yaml:"stepTimeout"`
	InteractiveTimeout       time.Duration `yaml:"interactiveTimeout"`
}

// OAuthConfig configures the Entra ID sign-in.
type OAuthConfig struct {
	Flow         OAuthFlow `yaml:"flow"`
	TenantID     string    `yaml:"tenantId"`
	ClientID     string    `yaml:"clientId"`
	CallbackPort int       `yaml:"callbackPort"` // 0 picks an ephemeral port
	OpenBrowser  bool      `yaml:"openBrowser"`
}

// RefreshConfig configures the token refresh scheduler.
type RefreshConfig struct {
	MinimumInterval time.Duration `yaml:"minimumInterval"`
}

// CredentialsConfig selects the credential store backend.
type CredentialsConfig struct {
	Backend      string `yaml:"backend"` // "file" or "memory"
	Directory    string `yaml:"directory,omitempty"`
	AgeIdentity  string `yaml:"ageIdentity,omitempty"`  // path to an age identity file; enables encryption at rest
	AgeRecipient string `yaml:"ageRecipient,omitempty"` // defaults to the identity's recipient
}

// MetricsConfig configures the Prometheus endpoint of the serve command.
type MetricsConfig struct {
	ListenAddress string `yaml:"listenAddress,omitempty"`
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() AppConfig {
	return AppConfig{
		Policy: PolicyConfig{
			MaxRetryCount:            3,
			RefreshBackoffMinutes:    5,
			MaxRefreshBackoffMinutes: 60,
			StepTimeout:              30 * time.Second,
			InteractiveTimeout:       5 * time.Minute,
		},
		OAuth: OAuthConfig{
			Flow:        OAuthFlowAuthCode,
			TenantID:    DefaultEntraTenant,
			ClientID:    DefaultEntraClientID,
			OpenBrowser: true,
		},
		Refresh: RefreshConfig{
			MinimumInterval: 60 * time.Second,
		},
		Credentials: CredentialsConfig{
			Backend: "file",
		},
	}
}

// osUserConfigDir is a package variable so tests can redirect it.
var osUserConfigDir = os.UserConfigDir

// DefaultConfigDir returns $XDG_CONFIG_HOME/adoconnect (or the platform equivalent).
func DefaultConfigDir() (string, error) {
	dir, err := osUserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(dir, userConfigDir), nil
}

// LoadConfig loads config.yaml from configDir, starting from the defaults.
// A missing file is not an error. Relative paths inside the file and unset
// paths are resolved against configDir.
func LoadConfig(configDir string) (AppConfig, error) {
	cfg := GetDefaultConfig()
	configFilePath := filepath.Join(configDir, configFileName)

	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		logging.Error("ConfigLoader", err, "Error loading config.yaml from %s", configFilePath)
		return AppConfig{}, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	cfg.resolvePaths(configDir)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) resolvePaths(configDir string) {
	resolve := func(p, def string) string {
		if p == "" {
			return filepath.Join(configDir, def)
		}
		if !filepath.IsAbs(p) {
			return filepath.Join(configDir, p)
		}
		return p
	}
	c.ConnectionsFile = resolve(c.ConnectionsFile, connectionsFileName)
	c.Credentials.Directory = resolve(c.Credentials.Directory, credentialsDirName)
	if c.Credentials.AgeIdentity != "" && !filepath.IsAbs(c.Credentials.AgeIdentity) {
		c.Credentials.AgeIdentity = filepath.Join(configDir, c.Credentials.AgeIdentity)
	}
}

// Validate checks value ranges of the application configuration.
func (c AppConfig) Validate() error {
	var errs ValidationErrors

	if c.Policy.MaxRetryCount < 0 {
		errs.Add("policy.maxRetryCount", "must not be negative", c.Policy.MaxRetryCount)
	}
	if c.Policy.RefreshBackoffMinutes <= 0 {
		errs.Add("policy.refreshBackoffMinutes", "must be positive", c.Policy.RefreshBackoffMinutes)
	}
	if c.Policy.MaxRefreshBackoffMinutes < c.Policy.RefreshBackoffMinutes {
		errs.Add("policy.maxRefreshBackoffMinutes", "must be at least refreshBackoffMinutes", c.Policy.MaxRefreshBackoffMinutes)
	}
	if c.Policy.StepTimeout <= 0 {
		errs.Add("policy.stepTimeout", "must be positive", c.Policy.StepTimeout)
	}
	if c.Policy.InteractiveTimeout <= 0 {
		errs.Add("policy.interactiveTimeout", "must be positive", c.Policy.InteractiveTimeout)
	}
	errs.OneOf("oauth.flow", string(c.OAuth.Flow), string(OAuthFlowAuthCode), string(OAuthFlowDeviceCode))
	if c.OAuth.CallbackPort < 0 || c.OAuth.CallbackPort > 65535 {
		errs.Add("oauth.callbackPort", "must be between 0 and 65535", c.OAuth.CallbackPort)
	}
	if c.Refresh.MinimumInterval <= 0 {
		errs.Add("refresh.minimumInterval", "must be positive", c.Refresh.MinimumInterval)
	}
	errs.OneOf("credentials.backend", c.Credentials.Backend, "file", "memory")

	if errs.HasErrors() {
		return FormatValidationError("config", "", errs)
	}
	return nil
}
