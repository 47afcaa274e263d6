package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// writeTestKey writes a fresh ED25519 private key in OpenSSH format.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Address() != "example.com:22" {
		t.Errorf("expected address 'example.com:22', got '%s'", config.Address())
	}
	if config.AuthMethod != AuthMethodKey || !config.StrictHostKeyChecking {
		t.Errorf("expected strict key authentication, got %+v", config)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.KeepAliveInterval != 0 || config.KeepAliveRetries != 3 {
		t.Errorf("expected keep-alive off with 3 retries, got %v x %d", config.KeepAliveInterval, config.KeepAliveRetries)
	}
	if config.Jump != nil {
		t.Errorf("expected no jump host, got %+v", config.Jump)
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	valid := func() *Config {
		c := DefaultConfig("example.com", "testuser")
		c.PrivateKeyPath = keyPath
		return c
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid key config", modify: func(*Config) {}},
		{name: "valid agent config", modify: func(c *Config) {
			c.AuthMethod = AuthMethodAgent
			c.PrivateKeyPath = ""
		}},
		{name: "valid jump host", modify: func(c *Config) {
			c.Jump = &JumpHost{Host: "bastion", Port: 22, User: "ops"}
		}},
		{name: "missing host", modify: func(c *Config) { c.Host = "" }, wantErr: true},
		{name: "invalid port", modify: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "missing user", modify: func(c *Config) { c.User = "" }, wantErr: true},
		{name: "missing key path", modify: func(c *Config) { c.PrivateKeyPath = "" }, wantErr: true},
		{name: "key file not found", modify: func(c *Config) {
			c.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
		}, wantErr: true},
		{name: "password auth", modify: func(c *Config) { c.AuthMethod = "password" }, wantErr: true},
		{name: "zero connection timeout", modify: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: true},
		{name: "negative keep-alive", modify: func(c *Config) { c.KeepAliveInterval = -time.Second }, wantErr: true},
		{name: "jump host without user", modify: func(c *Config) {
			c.Jump = &JumpHost{Host: "bastion", Port: 22}
		}, wantErr: true},
		{name: "jump host with bad port", modify: func(c *Config) {
			c.Jump = &JumpHost{Host: "bastion", User: "ops"}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseJumpHost(t *testing.T) {
	tests := []struct {
		spec    string
		want    JumpHost
		wantErr bool
	}{
		{spec: "bastion", want: JumpHost{Host: "bastion", Port: 22, User: "root"}},
		{spec: "ops@bastion", want: JumpHost{Host: "bastion", Port: 22, User: "ops"}},
		{spec: "ops@10.0.0.9:2200", want: JumpHost{Host: "10.0.0.9", Port: 2200, User: "ops"}},
		{spec: "[fd00::1]:2222", want: JumpHost{Host: "fd00::1", Port: 2222, User: "root"}},
		{spec: "", wantErr: true},
		{spec: "bastion:0", wantErr: true},
		{spec: "bastion:ssh", wantErr: true},
		{spec: "ops@", wantErr: true},
		{spec: "@bastion", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseJumpHost(tt.spec, "root", "")
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseJumpHost() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseJumpHost() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestClientConfig(t *testing.T) {
	keyPath := writeTestKey(t)

	t.Run("key authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.clientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "testuser" || len(clientConfig.Auth) != 1 {
			t.Errorf("unexpected client config: user %s, %d auth methods", clientConfig.User, len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("unparsable key", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad_key")
		if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = bad

		if _, err := config.clientConfig(); err == nil {
			t.Error("expected an error for an unparsable key")
		}
	})

	t.Run("agent authentication without an agent", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "")
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodAgent

		if _, err := config.clientConfig(); err == nil {
			t.Error("expected error for agent auth without SSH_AUTH_SOCK, got nil")
		}
	})

	t.Run("missing known_hosts with strict checking", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.clientConfig(); err == nil {
			t.Error("expected an error for a missing known_hosts file")
		}
	})

	t.Run("jump host uses its own key and user", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false
		config.Jump = &JumpHost{Host: "bastion", Port: 22, User: "ops", KeyPath: keyPath}

		clientConfig, err := config.jumpClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "ops" {
			t.Errorf("expected jump user 'ops', got '%s'", clientConfig.User)
		}
	})
}
