package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/policy"
	"github.com/domainkernel/domainkernel/pkg/server"
	"github.com/domainkernel/domainkernel/pkg/subsystems"
)

// DefaultDomainListen is where a domain controller accepts sessions.
const DefaultDomainListen = "127.0.0.1:9990"

type serveOptions struct {
	stdio       bool
	domain      bool
	name        string
	host        string
	listen      string
	subsystems  []string
	metricsAddr string
}

func newServeCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a managed server or the domain controller",
		Long: `Run a management agent.

Without --domain the agent is one managed server: it owns a resource tree and
applies the operation batches sent to it. The domain controller starts it
over SSH with --stdio, or it listens on --listen for servers whose topology
entry carries an agent address.

With --domain the agent is the domain controller. Batches sent to it update
the domain model and are rolled out to the affected server groups. Session
metadata may name a stored rollout plan, carry a plan document or select the
server groups.`,
		Example: `  # Serve one managed server over stdio (as started by the controller)
  dkctl serve --stdio --name server-one --host primary

  # Serve a managed server on a TCP port
  dkctl serve --name server-two --host primary --listen :9991

  # Run the domain controller
  dkctl serve --domain --listen 127.0.0.1:9990`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.metricsAddr != "" {
				settings.Metrics.Enabled = true
				settings.Metrics.Addr = opts.metricsAddr
			} else if opts.stdio {
				// Several servers share a host; only an explicit address is served.
				settings.Metrics.Enabled = false
			}
			if opts.domain {
				return serveDomain(cmd.Context(), opts)
			}
			return serveServer(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.stdio, "stdio", false, "serve one session over stdin and stdout")
	cmd.Flags().BoolVar(&opts.domain, "domain", false, "run the domain controller")
	cmd.Flags().StringVar(&opts.name, "name", "", "managed server name")
	cmd.Flags().StringVar(&opts.host, "host", "", "host the server runs under")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "TCP address to accept sessions on")
	cmd.Flags().StringSliceVar(&opts.subsystems, "subsystems", nil, "subsystems to install (default all)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.MarkFlagsMutuallyExclusive("stdio", "domain")
	cmd.MarkFlagsMutuallyExclusive("stdio", "listen")

	return cmd
}

func serveServer(ctx context.Context, opts serveOptions) error {
	if opts.name == "" {
		return fmt.Errorf("--name is required for a managed server")
	}
	if !opts.stdio && opts.listen == "" {
		return fmt.Errorf("either --stdio or --listen is required")
	}
	subs, err := subsystems.Select(opts.subsystems)
	if err != nil {
		return err
	}

	tel, err := newTelemetry("dkctl-server")
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tel.Shutdown)
	logger := tel.Logger.Zerolog().With().Str("server", opts.name).Logger()

	policies, err := policy.NewEngine(logger, policy.Options{
		Context: policy.Context{Process: string(engine.ProcessServer), Environment: settings.Environment},
		Events:  tel.Events,
	})
	if err != nil {
		return err
	}
	if settings.Policies != "" {
		if err := policies.LoadPolicies(ctx, []string{settings.Policies}); err != nil {
			return err
		}
	}

	p := pipeline.NewController(pipeline.Options{
		ProcessType: engine.ProcessServer,
		Authorizer:  policies,
		Logger:      logger,
		Metrics:     tel.Metrics,
		Tracer:      tel.Tracer,
		Events:      tel.Events,
	})
	if err := subsystems.Register(p, subs...); err != nil {
		return err
	}

	agent, err := server.NewAgent(server.Options{
		Name:          opts.name,
		Host:          opts.host,
		Executor:      p,
		ModelVersions: subsystems.Versions(subs...),
		Logger:        logger,
		Metrics:       tel.Metrics,
		Tracer:        tel.Tracer,
	})
	if err != nil {
		return err
	}

	logger.Info().Strs("subsystems", subsystems.Names(subs...)).Bool("stdio", opts.stdio).Msg("Starting managed server")
	if opts.stdio {
		return agent.ServeStdio(ctx)
	}
	return agent.ListenAndServe(ctx, opts.listen)
}

func serveDomain(ctx context.Context, opts serveOptions) error {
	listen := opts.listen
	if listen == "" {
		listen = DefaultDomainListen
	}
	name := opts.name
	if name == "" {
		name = "domain-controller"
	}

	k, err := newDomainKernel(ctx, true)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(k.Close)

	agent, err := server.NewAgent(server.Options{
		Name:          name,
		Host:          opts.host,
		Executor:      k.controller,
		ModelVersions: subsystems.Versions(subsystems.All()...),
		Logger:        k.logger,
		Metrics:       k.telemetry.Metrics,
		Tracer:        k.telemetry.Tracer,
	})
	if err != nil {
		return err
	}

	k.logger.Info().
		Int("servers", len(k.topology.Servers())).
		Strs("groups", k.topology.ServerGroups()).
		Strs("plans", k.controller.Plans()).
		Msg("Starting domain controller")
	return agent.ListenAndServe(ctx, listen)
}

// shutdownTelemetry runs a shutdown function with a fresh deadline, since the
// command context is usually cancelled by then.
func shutdownTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
