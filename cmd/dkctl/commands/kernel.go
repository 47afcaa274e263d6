package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/config"
	"github.com/domainkernel/domainkernel/pkg/domain"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/policy"
	"github.com/domainkernel/domainkernel/pkg/stores"
	"github.com/domainkernel/domainkernel/pkg/telemetry"
	"github.com/domainkernel/domainkernel/pkg/transports/ssh"
)

// domainKernel is a domain controller together with the store, transports
// and watchers it was built from.
type domainKernel struct {
	controller *domain.Controller
	topology   *domain.Topology
	store      *stores.SQLiteStore
	policies   *policy.Engine
	dispatcher *domain.RemoteDispatcher
	sshDialer  *ssh.AgentDialer
	telemetry  *telemetry.Telemetry
	logger     zerolog.Logger

	stops []func() error
}

// agentDialer reaches servers with an agent address over TCP and starts
// the agent over SSH for all others.
type agentDialer struct {
	tcp domain.TCPDialer
	ssh *ssh.AgentDialer
}

func (d agentDialer) Dial(ctx context.Context, server domain.Server) (io.ReadWriteCloser, error) {
	if server.Agent != "" {
		return d.tcp.Dial(ctx, server)
	}
	return d.ssh.Dial(ctx, server)
}

// sshBaseConfig returns the SSH settings hosts fall back to.
func sshBaseConfig(s config.SSHSettings) (ssh.Config, error) {
	cfg := *ssh.DefaultConfig("", s.User)
	if s.KeyPath != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = s.KeyPath
	} else {
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	if s.KnownHosts != "" {
		cfg.KnownHostsPath = s.KnownHosts
	}
	cfg.StrictHostKeyChecking = s.StrictHostKeyChecking
	if s.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = s.ConnectTimeout
	}
	cfg.KeepAliveInterval = s.KeepAliveInterval
	if s.KeepAliveRetries > 0 {
		cfg.KeepAliveRetries = s.KeepAliveRetries
	}
	if s.JumpHost != "" {
		jump, err := ssh.ParseJumpHost(s.JumpHost, s.User, s.JumpKeyPath)
		if err != nil {
			return cfg, fmt.Errorf("ssh.jump_host: %w", err)
		}
		cfg.Jump = jump
	}
	return cfg, nil
}

// newDomainKernel builds a domain controller from the settings. With watch
// set the topology file and the policy directory are reloaded on change
// until ctx ends.
func newDomainKernel(ctx context.Context, watch bool) (_ *domainKernel, err error) {
	tel, err := newTelemetry("dkctl-domain")
	if err != nil {
		return nil, err
	}
	k := &domainKernel{telemetry: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			_ = k.Close(context.Background())
		}
	}()

	k.topology = domain.NewTopology()
	if settings.Topology != "" {
		if k.topology, err = config.LoadTopology(settings.Topology); err != nil {
			return nil, err
		}
	}

	if k.store, err = stores.NewSQLiteStore(stores.Config{Path: settings.Database}); err != nil {
		return nil, err
	}
	if err = k.store.Init(ctx); err != nil {
		return nil, err
	}
	tel.Events.Subscribe(k.store.EventSink(), nil)

	k.policies, err = policy.NewEngine(k.logger, policy.Options{
		Context: policy.Context{Process: string(engine.ProcessDomain), Environment: settings.Environment},
		Events:  tel.Events,
	})
	if err != nil {
		return nil, err
	}
	if settings.Policies != "" {
		if err = k.policies.LoadPolicies(ctx, []string{settings.Policies}); err != nil {
			return nil, err
		}
	}

	sshBase, err := sshBaseConfig(settings.SSH)
	if err != nil {
		return nil, err
	}
	k.sshDialer = ssh.NewAgentDialer(k.topology, sshBase, settings.SSH.AgentBinary)
	k.dispatcher = domain.NewRemoteDispatcher(domain.RemoteOptions{
		Topology: k.topology,
		Dialer: agentDialer{
			tcp: domain.TCPDialer{Timeout: settings.SSH.ConnectTimeout},
			ssh: k.sshDialer,
		},
		Logger:  k.logger,
		Metrics: tel.Metrics,
	})

	k.controller, err = domain.NewController(domain.Options{
		Topology:    k.topology,
		Dispatcher:  k.dispatcher,
		Recorder:    k.store,
		Authorizer:  k.policies,
		Persister:   k.store,
		StepTimeout: settings.Rollout.StepTimeout,
		MaxParallel: settings.Rollout.MaxParallel,
		Logger:      k.logger,
		Metrics:     tel.Metrics,
		Tracer:      tel.Tracer,
		Events:      tel.Events,
	})
	if err != nil {
		return nil, err
	}

	if settings.TransformRules != "" {
		if err = config.LoadRules(settings.TransformRules, k.controller.Transformer()); err != nil {
			return nil, err
		}
	}
	if err = k.controller.EnsureProfiles(ctx); err != nil {
		return nil, err
	}
	if settings.Plans != "" {
		if err = k.storePlans(ctx); err != nil {
			return nil, err
		}
	}

	if watch {
		if err = k.watch(ctx); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *domainKernel) storePlans(ctx context.Context) error {
	plans, err := config.NewPlanLoader().LoadPlanDir(settings.Plans)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := k.controller.StorePlan(ctx, name, plans[name]); err != nil {
			return fmt.Errorf("plan %s: %w", name, err)
		}
	}
	k.logger.Debug().Strs("plans", names).Msg("Stored rollout plans")
	return nil
}

func (k *domainKernel) watch(ctx context.Context) error {
	if settings.Topology != "" {
		w := config.NewTopologyWatcher(settings.Topology, k.topology, k.logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
		k.stops = append(k.stops, w.Stop)
	}
	if settings.Policies != "" {
		l, err := k.policies.WatchPolicies(ctx, []string{settings.Policies})
		if err != nil {
			return err
		}
		k.stops = append(k.stops, l.Stop)
	}
	return nil
}

// Close stops the watchers, closes every session and flushes telemetry.
func (k *domainKernel) Close(ctx context.Context) error {
	var errs []error
	for _, stop := range k.stops {
		errs = append(errs, stop())
	}
	if k.dispatcher != nil {
		errs = append(errs, k.dispatcher.Close())
	}
	if k.sshDialer != nil {
		errs = append(errs, k.sshDialer.Close())
	}
	// Events drain into the store, so the store closes last.
	errs = append(errs, k.telemetry.Shutdown(ctx))
	if k.store != nil {
		errs = append(errs, k.store.Close())
	}
	return errors.Join(errs...)
}
