package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/domainkernel/domainkernel/pkg/config"
	"github.com/domainkernel/domainkernel/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// settings are loaded before any subcommand runs.
	settings *config.Settings

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dkctl",
		Short: "dkctl - application server domain management",
		Long: `dkctl manages a domain of application servers.

A domain controller holds the domain model and rolls operations out to the
managed servers of each server group. Every managed server runs its own
management kernel:
  - a resource tree with one registration per resource type
  - a capability registry resolving service requirements
  - a staged operation pipeline with rollback
  - model version transformers for servers on older releases`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadSettings()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRolloutCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

func loadSettings() error {
	s, err := config.LoadSettings(config.NewViper(), configPath)
	if err != nil {
		return err
	}
	if verbose {
		s.Log.Level = "debug"
	}
	settings = s

	level, err := zerolog.ParseLevel(s.Log.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	if s.Log.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

// newTelemetry builds telemetry for service from the settings. Logs always
// go to stderr.
func newTelemetry(service string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = service
	cfg.ServiceVersion = buildVersion
	cfg.Environment = settings.Environment

	cfg.Logging.Level = settings.Log.Level
	if settings.Log.JSON {
		cfg.Logging.Format = "json"
	}

	cfg.Tracing.Enabled = settings.Tracing.Enabled
	cfg.Tracing.Exporter = settings.Tracing.Exporter
	cfg.Tracing.Endpoint = settings.Tracing.Endpoint
	cfg.Tracing.Insecure = settings.Tracing.Insecure
	cfg.Tracing.SamplingRate = settings.Tracing.SampleRate

	cfg.Metrics.Enabled = settings.Metrics.Enabled
	cfg.Metrics.ListenAddress = settings.Metrics.Addr

	cfg.Events.Enabled = settings.Events.Enabled
	cfg.Events.BufferSize = settings.Events.BufferSize
	cfg.Events.EnableAsync = settings.Events.BufferSize > 0

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.Metrics.StartMetricsServer(func(err error) {
		log.Error().Err(err).Msg("metrics server failed")
	}); err != nil {
		return nil, err
	}
	return tel, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
