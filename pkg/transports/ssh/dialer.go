package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/domainkernel/domainkernel/pkg/domain"
)

// DefaultAgentBinary is the command started on a host to serve one server.
const DefaultAgentBinary = "dkctl"

// AgentDialer starts managed-server agents over SSH. It keeps one connection
// per host and opens a session per server.
type AgentDialer struct {
	topology *domain.Topology
	base     Config
	binary   string
	connect  func(ctx context.Context, cfg *Config) (Transport, error)

	// dials shares one connection attempt among the servers of a host.
	dials singleflight.Group

	mu      sync.Mutex
	clients map[string]Transport
}

// NewAgentDialer creates a dialer. base supplies the settings a host entry
// does not carry: authentication, known hosts, timeouts, keep-alives and the
// default jump host. binary is the agent executable on the hosts and
// defaults to DefaultAgentBinary.
func NewAgentDialer(topology *domain.Topology, base Config, binary string) *AgentDialer {
	if binary == "" {
		binary = DefaultAgentBinary
	}
	return &AgentDialer{
		topology: topology,
		base:     base,
		binary:   binary,
		connect:  connectHost,
		clients:  make(map[string]Transport),
	}
}

func connectHost(ctx context.Context, cfg *Config) (Transport, error) {
	c, err := NewSSHClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Dial implements domain.Dialer.
func (d *AgentDialer) Dial(ctx context.Context, server domain.Server) (io.ReadWriteCloser, error) {
	client, err := d.client(ctx, server.Host)
	if err != nil {
		return nil, err
	}
	conn, err := client.StartAgent(ctx, AgentCommand(d.binary, server))
	if err != nil {
		// The connection may have died since it was last used.
		d.forget(server.Host, client)
		return nil, err
	}
	return conn, nil
}

// AgentCommand returns the command line that serves server over stdio.
func AgentCommand(binary string, server domain.Server) string {
	return strings.Join([]string{
		binary, "serve", "--stdio",
		"--name", shellQuote(server.Name),
		"--host", shellQuote(server.Host),
	}, " ")
}

// HostConfig builds the SSH settings for a topology host on top of base. A
// jump host on the host entry replaces the one in base and inherits its user
// and key.
func HostConfig(base Config, host domain.Host) (*Config, error) {
	cfg := base
	cfg.Host = host.Address
	if host.Port > 0 {
		cfg.Port = host.Port
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if host.User != "" {
		cfg.User = host.User
	}
	if host.KeyPath != "" {
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = host.KeyPath
	}
	if host.Jump != "" {
		user, keyPath := cfg.User, ""
		if base.Jump != nil {
			user, keyPath = base.Jump.User, base.Jump.KeyPath
		}
		jump, err := ParseJumpHost(host.Jump, user, keyPath)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", host.Name, err)
		}
		cfg.Jump = jump
	}
	return &cfg, nil
}

// client returns the connection to hostName, dialing it when there is none.
// Hosts are dialed independently of each other.
func (d *AgentDialer) client(ctx context.Context, hostName string) (Transport, error) {
	d.mu.Lock()
	c, ok := d.clients[hostName]
	d.mu.Unlock()
	if ok && c.IsConnected() {
		return c, nil
	}

	v, err, _ := d.dials.Do(hostName, func() (interface{}, error) {
		d.mu.Lock()
		c, ok := d.clients[hostName]
		d.mu.Unlock()
		if ok && c.IsConnected() {
			return c, nil
		}

		host, ok := d.topology.Host(hostName)
		if !ok {
			return nil, fmt.Errorf("host %q is not in the topology", hostName)
		}
		cfg, err := HostConfig(d.base, host)
		if err != nil {
			return nil, err
		}
		c, err = d.connect(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", hostName, err)
		}

		d.mu.Lock()
		d.clients[hostName] = c
		d.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Transport), nil
}

func (d *AgentDialer) forget(hostName string, client Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clients[hostName] == client {
		delete(d.clients, hostName)
		_ = client.Disconnect()
	}
}

// Close disconnects from every host.
func (d *AgentDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, c := range d.clients {
		if err := c.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", name, err))
		}
	}
	d.clients = make(map[string]Transport)
	return errors.Join(errs...)
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
