package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over one SSH connection. Every agent runs
// on its own session of that connection.
type SSHClient struct {
	config *Config

	connMu   sync.RWMutex
	client   *ssh.Client
	jump     *ssh.Client
	stopKeep chan struct{}
}

// NewSSHClient creates a client for the host config describes.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes the connection. An existing connection that still
// answers a keep-alive is kept.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	targetConfig, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	address := c.config.Address()
	if c.config.Jump == nil {
		client, err := dial(ctx, nil, address, targetConfig)
		if err != nil {
			return &TransportError{Op: "connect", Err: err, IsTemporary: true}
		}
		c.connected(client, nil)
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}

	jumpConfig, err := c.config.jumpClientConfig()
	if err != nil {
		return &TransportError{Op: "jump", Err: err, IsAuthError: true}
	}
	jumpAddress := c.config.Jump.Address()
	log.Debug().Str("jump", jumpAddress).Msg("connecting to jump host")

	jump, err := dial(ctx, nil, jumpAddress, jumpConfig)
	if err != nil {
		return &TransportError{Op: "jump", Err: err, IsTemporary: true}
	}
	client, err := dial(ctx, jump, address, targetConfig)
	if err != nil {
		_ = jump.Close()
		return &TransportError{Op: "connect", Err: fmt.Errorf("via %s: %w", jumpAddress, err), IsTemporary: true}
	}
	c.connected(client, jump)
	log.Info().Str("address", address).Str("jump", jumpAddress).Msg("SSH connection established via jump host")
	return nil
}

// dial opens a connection to address, tunnelled through via when set, and
// runs the SSH handshake on it. Cancelling ctx aborts the handshake.
func dial(ctx context.Context, via *ssh.Client, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		stop()
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	client := ssh.NewClient(ncc, chans, reqs)
	if !stop() {
		_ = client.Close()
		return nil, ctx.Err()
	}
	return client, nil
}

// connected records a new connection. Must be called with connMu held.
func (c *SSHClient) connected(client, jump *ssh.Client) {
	c.client = client
	c.jump = jump
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(client, c.stopKeep)
	}
}

// Disconnect closes the connection and the jump host connection under it.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.jump != nil {
		_ = c.jump.Close()
	}
	c.client, c.jump = nil, nil
	return err
}

// IsConnected reports whether the client holds a connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// keepAlive pings the server until stop is closed. After too many failed
// pings in a row it closes the connection so the next use reconnects.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			failures = 0
			continue
		}
		failures++
		log.Warn().Err(err).Int("failures", failures).Str("host", c.config.Host).Msg("keep-alive failed")
		if failures < max(c.config.KeepAliveRetries, 1) {
			continue
		}

		c.connMu.Lock()
		if c.client == client {
			log.Error().Str("host", c.config.Host).Msg("connection lost, closing it")
			_ = c.closeLocked()
		}
		c.connMu.Unlock()
		return
	}
}

// newSession opens a session on the current connection.
func (c *SSHClient) newSession(op string) (*ssh.Session, error) {
	c.connMu.RLock()
	client := c.client
	c.connMu.RUnlock()

	if client == nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("not connected")}
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          op,
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	return session, nil
}
