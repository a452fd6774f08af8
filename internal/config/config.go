// Package config loads the proxy's runtime configuration from environment
// variables (and, if present, a YAML file), applying the defaults documented
// in the service's operator-facing configuration surface.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	DataDir          string        `mapstructure:"data_dir"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	AdminBasePath    string        `mapstructure:"admin_base_path"`
	CredentialSecret string        `mapstructure:"credential_secret"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
}

// devCredentialSecret is used only when CREDENTIAL_SECRET is unset. Callers
// must log a warning in that case; this package does not log.
const devCredentialSecret = "dev-insecure-credential-secret-change-me"

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("probe_interval", "3600s")
	v.SetDefault("probe_timeout", "10s")
	v.SetDefault("admin_base_path", "/api")
	v.SetDefault("credential_secret", devCredentialSecret)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

func bindEnv(v *viper.Viper) {
	// Each key is exposed as the literal environment variable name rather
	// than the usual SERVER_LISTEN_ADDR-style prefix, matching the names
	// documented for operators.
	_ = v.BindEnv("listen_addr", "LISTEN_ADDR")
	_ = v.BindEnv("data_dir", "DATA_DIR")
	_ = v.BindEnv("probe_interval", "PROBE_INTERVAL")
	_ = v.BindEnv("probe_timeout", "PROBE_TIMEOUT")
	_ = v.BindEnv("admin_base_path", "ADMIN_BASE_PATH")
	_ = v.BindEnv("credential_secret", "CREDENTIAL_SECRET")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("log_format", "LOG_FORMAT")
}

// Load builds a Config from, in increasing priority: built-in defaults, a
// YAML file at configPath (ignored if it does not exist), then environment
// variables. configPath may be empty to skip the file lookup entirely.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	bindEnv(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UsesDevSecret reports whether c is still using the built-in development
// credential secret, so the caller can log a startup warning.
func (c *Config) UsesDevSecret() bool {
	return c.CredentialSecret == devCredentialSecret
}

// templateConfig mirrors Config's fields with yaml tags, for emitting a
// commentable on-disk starting point; Config itself uses mapstructure tags
// for viper and has no yaml tags of its own.
type templateConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	DataDir          string `yaml:"data_dir"`
	ProbeInterval    string `yaml:"probe_interval"`
	ProbeTimeout     string `yaml:"probe_timeout"`
	AdminBasePath    string `yaml:"admin_base_path"`
	CredentialSecret string `yaml:"credential_secret"`
	LogLevel         string `yaml:"log_level"`
	LogFormat        string `yaml:"log_format"`
}

// GenerateTemplate writes a YAML config file at path populated with the
// built-in defaults, for an operator to copy and edit. Unlike Load (which
// reads via viper so env vars can override file values), this writes with
// gopkg.in/yaml.v3 directly, matching the teacher's own Save(path, config).
func GenerateTemplate(path string) error {
	tc := templateConfig{
		ListenAddr:       ":8000",
		DataDir:          "./data",
		ProbeInterval:    "3600s",
		ProbeTimeout:     "10s",
		AdminBasePath:    "/api",
		CredentialSecret: devCredentialSecret,
		LogLevel:         "info",
		LogFormat:        "json",
	}
	data, err := yaml.Marshal(tc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
