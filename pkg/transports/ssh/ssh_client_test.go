package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal SSH server accepting any public key. It runs
// exec requests through agent and forwards direct-tcpip channels, so it can
// stand in for a jump host.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}

	// agent serves a channel whose exec command starts with "dkctl serve".
	agent func(command string, ch ssh.Channel)

	mu        sync.Mutex
	conns     []*ssh.ServerConn
	forwarded []string
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == "" {
				return nil, fmt.Errorf("no user")
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(channel, requests)
		case "direct-tcpip":
			go s.forward(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

// forward connects a direct-tcpip channel to its target.
func (s *testSSHServer) forward(newChannel ssh.NewChannel) {
	var target struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &target); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	address := net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port)))
	conn, err := net.Dial("tcp", address)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	channel, requests, err := newChannel.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	s.mu.Lock()
	s.forwarded = append(s.forwarded, address)
	s.mu.Unlock()

	go func() {
		_, _ = io.Copy(conn, channel)
		conn.Close()
	}()
	_, _ = io.Copy(channel, conn)
	channel.Close()
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		command := string(req.Payload[4:]) // Skip the length prefix
		if req.WantReply {
			req.Reply(true, nil)
		}
		if s.agent != nil && strings.HasPrefix(command, "dkctl serve") {
			s.agent(command, channel)
		}
		channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
		return
	}
}

// dropConnections closes every accepted connection from the server side.
func (s *testSSHServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testSSHServer) forwards() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.forwarded...)
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()
	s.dropConnections()
}

// testConfig returns settings that reach server with a fresh key.
func testConfig(t *testing.T, server *testSSHServer) *Config {
	t.Helper()
	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewSSHClient(testConfig(t, server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	// A live connection is reused.
	before := client.client
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if client.client != before {
		t.Error("expected the live connection to be kept")
	}
}

func TestSSHClientConnectViaJumpHost(t *testing.T) {
	target := newTestSSHServer(t)
	jump := newTestSSHServer(t)

	config := testConfig(t, target)
	jumpHost, jumpPort := parseAddress(jump.addr)
	config.Jump = &JumpHost{Host: jumpHost, Port: jumpPort, User: "ops", KeyPath: config.PrivateKeyPath}

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect via jump host: %v", err)
	}
	defer client.Disconnect()

	if got := jump.forwards(); len(got) != 1 || got[0] != target.addr {
		t.Errorf("jump host forwarded %v, want [%s]", got, target.addr)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if client.jump != nil {
		t.Error("expected the jump host connection to be closed")
	}
}

func TestSSHClientConnectErrors(t *testing.T) {
	t.Run("unreachable host", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := listener.Addr().String()
		listener.Close()

		host, port := parseAddress(addr)
		config := DefaultConfig(host, "testuser")
		config.Port = port
		config.PrivateKeyPath = writeTestKey(t)
		config.StrictHostKeyChecking = false

		client, err := NewSSHClient(config)
		if err != nil {
			t.Fatal(err)
		}
		err = client.Connect(context.Background())
		var transportErr *TransportError
		if !errors.As(err, &transportErr) || !transportErr.Temporary() {
			t.Errorf("expected a temporary transport error, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		server := newTestSSHServer(t)
		client, err := NewSSHClient(testConfig(t, server))
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := client.Connect(ctx); err == nil {
			client.Disconnect()
			t.Fatal("expected an error for a cancelled context")
		}
		if client.IsConnected() {
			t.Error("client must not be connected")
		}
	})

	t.Run("unreachable jump host", func(t *testing.T) {
		target := newTestSSHServer(t)
		config := testConfig(t, target)
		config.Jump = &JumpHost{Host: "127.0.0.1", Port: 1, User: "ops", KeyPath: config.PrivateKeyPath}

		client, err := NewSSHClient(config)
		if err != nil {
			t.Fatal(err)
		}
		err = client.Connect(context.Background())
		var transportErr *TransportError
		if !errors.As(err, &transportErr) || transportErr.Op != "jump" {
			t.Errorf("expected a jump error, got %v", err)
		}
	})
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewSSHClient(testConfig(t, server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect before connect failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestSSHClientKeepAliveDropsDeadConnection(t *testing.T) {
	server := newTestSSHServer(t)

	config := testConfig(t, server)
	config.KeepAliveInterval = 20 * time.Millisecond
	config.KeepAliveRetries = 1

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	// Keep-alives on a healthy connection leave it alone.
	time.Sleep(100 * time.Millisecond)
	if !client.IsConnected() {
		t.Fatal("healthy connection was closed")
	}

	server.dropConnections()
	deadline := time.Now().Add(2 * time.Second)
	for client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("dead connection was not closed by keep-alive")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}
