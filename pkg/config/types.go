package config

import (
	"fmt"
	"time"
)

// Settings are the process settings of dkctl.
type Settings struct {
	// Database is the SQLite file for rollout history, events and audit.
	Database string `mapstructure:"database" validate:"required"`

	// Topology is the domain topology file.
	Topology string `mapstructure:"topology"`

	// Plans is a directory of rollout plan documents, JSON or CUE.
	Plans string `mapstructure:"plans"`

	// TransformRules is a file of extra transformer rules.
	TransformRules string `mapstructure:"transform_rules"`

	// Policies is a directory of Rego authorization policies.
	Policies string `mapstructure:"policies"`

	// Environment names the deployment, e.g. "production". Policies see it
	// as input.context.environment.
	Environment string `mapstructure:"environment"`

	Log     LogSettings     `mapstructure:"log"`
	Metrics MetricsSettings `mapstructure:"metrics"`
	Tracing TracingSettings `mapstructure:"tracing"`
	SSH     SSHSettings     `mapstructure:"ssh"`
	Rollout RolloutSettings `mapstructure:"rollout"`
	Events  EventSettings   `mapstructure:"events"`
}

// LogSettings configures zerolog output.
type LogSettings struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// TracingSettings configures OpenTelemetry export.
type TracingSettings struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter" validate:"oneof=stdout otlp"`
	Endpoint   string  `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
}

// SSHSettings are the defaults for reaching hosts whose topology entry does
// not override them.
type SSHSettings struct {
	User                  string        `mapstructure:"user"`
	KeyPath               string        `mapstructure:"key_path"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	StrictHostKeyChecking bool          `mapstructure:"strict_host_key_checking"`
	AgentBinary           string        `mapstructure:"agent_binary"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`

	// JumpHost is a bastion, [user@]host[:port], every host is reached
	// through unless its topology entry names its own.
	JumpHost    string `mapstructure:"jump_host"`
	JumpKeyPath string `mapstructure:"jump_key_path"`

	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"gte=0"`
	KeepAliveRetries  int           `mapstructure:"keepalive_retries" validate:"gte=0"`
}

// RolloutSettings tune the rollout executor.
type RolloutSettings struct {
	StepTimeout time.Duration `mapstructure:"step_timeout" validate:"gte=0"`
	MaxParallel int           `mapstructure:"max_parallel" validate:"gte=0"`
}

// EventSettings configure the event publisher.
type EventSettings struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size" validate:"gte=0"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File == "" {
		return e.Message
	}
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}
