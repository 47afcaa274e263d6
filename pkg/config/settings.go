package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DKCTL_LOG_LEVEL.
const EnvPrefix = "DKCTL"

var validate = validator.New()

// SetDefaults registers the default settings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database", "dkctl.db")
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.strict_host_key_checking", true)
	v.SetDefault("ssh.agent_binary", "dkctl")
	v.SetDefault("ssh.connect_timeout", 30*time.Second)
	v.SetDefault("ssh.keepalive_interval", 30*time.Second)
	v.SetDefault("ssh.keepalive_retries", 3)
	v.SetDefault("rollout.step_timeout", 5*time.Minute)
	v.SetDefault("rollout.max_parallel", 0)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.buffer_size", 1000)
}

// NewViper returns a viper instance with defaults and DKCTL_ environment
// overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadSettings reads the settings file at path into v and validates the
// result. Without a path, dkctl.yaml is searched for in the working
// directory and $HOME/.dkctl; a missing file leaves the defaults.
func LoadSettings(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dkctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.dkctl")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}
