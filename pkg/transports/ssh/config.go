package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how a connection authenticates.
type AuthMethod string

const (
	// AuthMethodKey authenticates with a private key file.
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent authenticates with the keys of the running ssh-agent.
	AuthMethodAgent AuthMethod = "agent"
)

// JumpHost is a bastion the connection to a host is tunnelled through.
type JumpHost struct {
	Host string
	Port int
	User string

	// KeyPath authenticates to the bastion. Empty uses the ssh-agent.
	KeyPath string
}

// Address returns host:port of the bastion.
func (j *JumpHost) Address() string {
	return net.JoinHostPort(j.Host, strconv.Itoa(j.Port))
}

// ParseJumpHost parses a [user@]host[:port] bastion. A missing user is
// defaultUser and a missing port is 22.
func ParseJumpHost(spec, defaultUser, keyPath string) (*JumpHost, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty jump host")
	}
	j := &JumpHost{User: defaultUser, Port: 22, KeyPath: keyPath}
	if at := strings.LastIndex(spec, "@"); at >= 0 {
		j.User, spec = spec[:at], spec[at+1:]
	}
	j.Host = spec
	if host, port, err := net.SplitHostPort(spec); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid jump host port %q", port)
		}
		j.Host, j.Port = host, p
	}
	if j.Host == "" || j.User == "" {
		return nil, fmt.Errorf("jump host %q needs a user and a host", spec)
	}
	return j, nil
}

// Config holds the settings for reaching one host controller machine.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod     AuthMethod
	PrivateKeyPath string

	// KnownHostsPath is only consulted with StrictHostKeyChecking. Without it
	// any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	// ConnectionTimeout bounds dialing and the SSH handshake, through the
	// jump host included.
	ConnectionTimeout time.Duration

	// KeepAliveInterval of zero disables keep-alives. After KeepAliveRetries
	// failed keep-alives in a row the connection is closed.
	KeepAliveInterval time.Duration
	KeepAliveRetries  int

	// Jump is optional.
	Jump *JumpHost
}

// DefaultConfig returns the settings for host with key authentication and
// the user's known_hosts file.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveRetries:      3,
	}
}

// Validate checks the settings before any dial.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key: %w", err)
		}
	case AuthMethodAgent:
	default:
		return fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.KeepAliveInterval < 0 || c.KeepAliveRetries < 0 {
		return fmt.Errorf("keep-alive settings must not be negative")
	}

	if j := c.Jump; j != nil {
		if j.Host == "" || j.User == "" {
			return fmt.Errorf("jump host needs a host and a user")
		}
		if j.Port <= 0 || j.Port > 65535 {
			return fmt.Errorf("invalid jump host port: %d", j.Port)
		}
	}
	return nil
}

// Address returns host:port of the target.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// clientConfig builds the x/crypto settings for the target.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	return c.buildClientConfig(c.User, c.AuthMethod, c.PrivateKeyPath)
}

// jumpClientConfig builds the x/crypto settings for the bastion. It shares
// host key verification with the target.
func (c *Config) jumpClientConfig() (*ssh.ClientConfig, error) {
	method := AuthMethodAgent
	if c.Jump.KeyPath != "" {
		method = AuthMethodKey
	}
	return c.buildClientConfig(c.Jump.User, method, c.Jump.KeyPath)
}

func (c *Config) buildClientConfig(user string, method AuthMethod, keyPath string) (*ssh.ClientConfig, error) {
	auth, err := authMethod(method, keyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func authMethod(method AuthMethod, keyPath string) (ssh.AuthMethod, error) {
	switch method {
	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
		}
		return ssh.PublicKeys(signer), nil

	case AuthMethodAgent:
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
	}
	return nil, fmt.Errorf("unsupported auth method: %q", method)
}
