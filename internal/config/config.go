// Package config loads the qpiv YAML configuration. Secrets are never
// stored in the file: the file names the environment variables that hold
// them, and those may be loaded from a dotenv file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/remiblancher/qpiv/internal/issuance"
	"github.com/remiblancher/qpiv/internal/token"
	"github.com/remiblancher/qpiv/pkg/piv"
)

// Default environment variable names for secrets.
const (
	DefaultPinEnv           = "QPIV_PIN"
	DefaultManagementKeyEnv = "QPIV_MANAGEMENT_KEY"
)

// Config is the root of the configuration file.
type Config struct {
	Token    TokenConfig    `yaml:"token"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Audit    AuditConfig    `yaml:"audit"`
	Journal  JournalConfig  `yaml:"journal"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// TokenConfig selects and unlocks the token.
type TokenConfig struct {
	// Backend is "piv" (PC/SC) or "pkcs11".
	Backend string `yaml:"backend"`

	// Reader is a substring of the PC/SC reader name.
	Reader string `yaml:"reader"`

	PKCS11 PKCS11Settings `yaml:"pkcs11"`

	// PinEnv is the name of the environment variable containing the PIN.
	PinEnv string `yaml:"pin_env"`

	// ManagementKeyEnv is the name of the environment variable containing
	// the hex management key. Unset means the factory default key.
	ManagementKeyEnv string `yaml:"management_key_env"`

	OpenRetries uint `yaml:"open_retries"`
}

// PKCS11Settings holds PKCS#11 backend settings.
type PKCS11Settings struct {
	// Lib is the path to the PIV PKCS#11 library (e.g. libykcs11.so).
	Lib string `yaml:"lib"`

	// Token identifies the token by label. Empty picks the first token.
	Token string `yaml:"token"`
}

// TimeoutsConfig bounds token waits.
type TimeoutsConfig struct {
	// Sign bounds PIN entry and touch confirmation.
	Sign     time.Duration `yaml:"sign"`
	Generate time.Duration `yaml:"generate"`
}

// DefaultsConfig holds issuance defaults used when a request omits them.
type DefaultsConfig struct {
	Algorithm    string `yaml:"algorithm"`
	Slot         string `yaml:"slot"`
	ValidityDays int    `yaml:"validity_days"`
	PinPolicy    string `yaml:"pin_policy"`
	TouchPolicy  string `yaml:"touch_policy"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Log string `yaml:"log"`
}

// JournalConfig configures the issuance journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig configures technical logging.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		Token: TokenConfig{
			Backend:          string(token.BackendPIV),
			PinEnv:           DefaultPinEnv,
			ManagementKeyEnv: DefaultManagementKeyEnv,
			OpenRetries:      token.DefaultOpenRetries,
		},
		Timeouts: TimeoutsConfig{
			Sign:     token.DefaultSignTimeout,
			Generate: token.DefaultGenerateTimeout,
		},
		Defaults: DefaultsConfig{
			Algorithm:    piv.EccP256.String(),
			Slot:         piv.SlotAuthentication.String(),
			ValidityDays: 365,
			PinPolicy:    piv.PinPolicyDefault.String(),
			TouchPolicy:  piv.TouchPolicyDefault.String(),
		},
		Journal: JournalConfig{Path: "qpiv.db"},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8443",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads secrets from a dotenv file without overriding
// variables already set.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch token.Backend(c.Token.Backend) {
	case token.BackendPIV:
	case token.BackendPKCS11:
		if c.Token.PKCS11.Lib == "" {
			return fmt.Errorf("token.pkcs11.lib is required for the pkcs11 backend")
		}
	default:
		return fmt.Errorf("unsupported token backend: %q (use 'piv' or 'pkcs11')", c.Token.Backend)
	}
	if c.Token.PinEnv == "" {
		return fmt.Errorf("token.pin_env is required (the PIN must come from the environment)")
	}
	if c.Timeouts.Sign < 0 || c.Timeouts.Generate < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if _, err := c.Defaults.SigningAlgorithm(); err != nil {
		return fmt.Errorf("defaults.algorithm: %w", err)
	}
	if _, err := c.Defaults.SlotID(); err != nil {
		return fmt.Errorf("defaults.slot: %w", err)
	}
	if _, err := c.Defaults.Policies(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if _, err := issuance.ValidityDays(c.Defaults.ValidityDays); err != nil {
		return fmt.Errorf("defaults.validity_days: %w", err)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// SigningAlgorithm returns the default algorithm.
func (d DefaultsConfig) SigningAlgorithm() (piv.SigningAlgorithm, error) {
	return piv.ParseSigningAlgorithm(d.Algorithm)
}

// SlotID returns the default slot.
func (d DefaultsConfig) SlotID() (piv.SlotID, error) {
	return piv.ParseSlotID(d.Slot)
}

// Policies holds the default key policies.
type Policies struct {
	Pin   piv.PinPolicy
	Touch piv.TouchPolicy
}

// Policies returns the default key policies.
func (d DefaultsConfig) Policies() (Policies, error) {
	var p Policies
	var err error
	if d.PinPolicy != "" {
		if p.Pin, err = piv.ParsePinPolicy(d.PinPolicy); err != nil {
			return Policies{}, err
		}
	}
	if d.TouchPolicy != "" {
		if p.Touch, err = piv.ParseTouchPolicy(d.TouchPolicy); err != nil {
			return Policies{}, err
		}
	}
	return p, nil
}

// Validity returns the default certificate lifetime.
func (d DefaultsConfig) Validity() time.Duration {
	return time.Duration(d.ValidityDays) * 24 * time.Hour
}

// PIN returns the PIN from the configured environment variable. An empty
// PIN is allowed: keys that need one then fail with piv.ErrPinRequired.
func (c *Config) PIN() string {
	return os.Getenv(c.Token.PinEnv)
}

// ManagementKey returns the management key from the configured environment
// variable, or the factory default when unset.
func (c *Config) ManagementKey() ([]byte, error) {
	var raw string
	if c.Token.ManagementKeyEnv != "" {
		raw = os.Getenv(c.Token.ManagementKeyEnv)
	}
	key, err := token.ParseManagementKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Token.ManagementKeyEnv, err)
	}
	return key, nil
}

// TokenConfig converts the configuration for token.Open, resolving
// secrets from the environment.
func (c *Config) TokenConfig(log zerolog.Logger) (token.Config, error) {
	mgmt, err := c.ManagementKey()
	if err != nil {
		return token.Config{}, err
	}
	return token.Config{
		Backend:         token.Backend(c.Token.Backend),
		Reader:          c.Token.Reader,
		Module:          c.Token.PKCS11.Lib,
		TokenLabel:      c.Token.PKCS11.Token,
		PIN:             c.PIN(),
		ManagementKey:   mgmt,
		OpenRetries:     c.Token.OpenRetries,
		SignTimeout:     c.Timeouts.Sign,
		GenerateTimeout: c.Timeouts.Generate,
		Logger:          log,
	}, nil
}
