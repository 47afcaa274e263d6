package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/protocol"
	"github.com/domainkernel/domainkernel/pkg/telemetry"
)

// DefaultHandshakeTimeout bounds the wait for an agent's HELLO.
const DefaultHandshakeTimeout = 10 * time.Second

func unreachable(server engine.ServerRef, err error) *engine.EngineError {
	return engine.NewTransientError(fmt.Sprintf("server %s is unreachable", server.ID()), err).
		WithCode(engine.ErrCodeDispatchFailed).
		WithDetail("server", server.ID())
}

// LocalDispatcher dispatches to executors running in this process. It backs
// embedded domains and tests.
type LocalDispatcher struct {
	mu        sync.RWMutex
	executors map[string]engine.OperationExecutor
}

// NewLocalDispatcher creates an empty dispatcher.
func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{executors: make(map[string]engine.OperationExecutor)}
}

// Add binds a server ID to an executor.
func (d *LocalDispatcher) Add(serverID string, exec engine.OperationExecutor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[serverID] = exec
}

// Remove unbinds a server. Later dispatches to it fail as unreachable.
func (d *LocalDispatcher) Remove(serverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.executors, serverID)
}

// Dispatch implements engine.ServerDispatcher.
func (d *LocalDispatcher) Dispatch(ctx context.Context, server engine.ServerRef, ops []engine.Operation) (*engine.OperationResult, error) {
	d.mu.RLock()
	exec, ok := d.executors[server.ID()]
	d.mu.RUnlock()
	if !ok {
		return nil, unreachable(server, nil)
	}
	result, err := exec.ExecuteBatch(ctx, ops)
	if result != nil {
		return result, nil
	}
	return nil, err
}

// Dialer opens a connection to a server's agent.
type Dialer interface {
	Dial(ctx context.Context, server Server) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, server Server) (io.ReadWriteCloser, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, server Server) (io.ReadWriteCloser, error) {
	return f(ctx, server)
}

// TCPDialer connects to agents listening on Server.Agent.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, server Server) (io.ReadWriteCloser, error) {
	if server.Agent == "" {
		return nil, fmt.Errorf("server %s has no agent address", server.ID())
	}
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", server.Agent)
}

// RemoteOptions configures a RemoteDispatcher.
type RemoteOptions struct {
	Topology *Topology
	Dialer   Dialer

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// RemoteDispatcher dispatches to managed-server agents over the wire
// protocol, keeping one session per server. A session that fails is dropped
// and redialed on the next dispatch.
type RemoteDispatcher struct {
	topology         *Topology
	dialer           Dialer
	handshakeTimeout time.Duration
	logger           zerolog.Logger
	metrics          *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*protocol.Client
}

// NewRemoteDispatcher creates a dispatcher.
func NewRemoteDispatcher(opts RemoteOptions) *RemoteDispatcher {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = TCPDialer{Timeout: opts.HandshakeTimeout}
	}
	return &RemoteDispatcher{
		topology:         opts.Topology,
		dialer:           opts.Dialer,
		handshakeTimeout: opts.HandshakeTimeout,
		logger:           opts.Logger.With().Str("component", "dispatcher").Logger(),
		metrics:          opts.Metrics,
		sessions:         make(map[string]*protocol.Client),
	}
}

// Dispatch implements engine.ServerDispatcher.
func (d *RemoteDispatcher) Dispatch(ctx context.Context, server engine.ServerRef, ops []engine.Operation) (*engine.OperationResult, error) {
	start := time.Now()
	client, err := d.session(ctx, server)
	if err != nil {
		d.metrics.RecordDispatch("unreachable", time.Since(start))
		return nil, unreachable(server, err)
	}

	result, err := client.Execute(ctx, ops)
	if err != nil {
		if client.Closed() {
			d.drop(server.ID(), client)
		}
		d.metrics.RecordDispatch("error", time.Since(start))
		if ctx.Err() != nil {
			return nil, err
		}
		var engErr *engine.EngineError
		if errors.As(err, &engErr) {
			return nil, engErr.WithDetail("server", server.ID())
		}
		return nil, unreachable(server, err)
	}
	d.metrics.RecordDispatch(string(result.Outcome), time.Since(start))
	return result, nil
}

// Connect opens sessions to servers that have none, so their reported model
// versions are known before operations are transformed for them. Servers
// that cannot be reached are logged and left for Dispatch to report.
func (d *RemoteDispatcher) Connect(ctx context.Context, servers []engine.ServerRef) {
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s engine.ServerRef) {
			defer wg.Done()
			if _, err := d.session(ctx, s); err != nil {
				d.logger.Warn().Err(err).Str("server", s.ID()).Msg("Server is unreachable")
			}
		}(s)
	}
	wg.Wait()
}

func (d *RemoteDispatcher) session(ctx context.Context, ref engine.ServerRef) (*protocol.Client, error) {
	id := ref.ID()
	d.mu.Lock()
	if c, ok := d.sessions[id]; ok && !c.Closed() {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	server, ok := d.topology.Server(id)
	if !ok {
		return nil, fmt.Errorf("server %s is not in the topology", id)
	}
	conn, err := d.dialer.Dial(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial agent: %w", err)
	}
	client := protocol.NewClient(conn)
	hello, err := client.Handshake(ctx, d.handshakeTimeout)
	if err != nil {
		return nil, err
	}
	if hello.Server != server.Name {
		_ = client.Close()
		return nil, fmt.Errorf("agent announced server %q, expected %q", hello.Server, server.Name)
	}
	if len(hello.ModelVersions) > 0 {
		d.topology.SetModelVersions(id, hello.ModelVersions)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.sessions[id]; ok && !existing.Closed() {
		_ = client.Close()
		return existing, nil
	}
	d.sessions[id] = client
	d.logger.Debug().Str("server", id).Int("pid", hello.PID).Msg("Session established")
	return client, nil
}

func (d *RemoteDispatcher) drop(id string, client *protocol.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[id] == client {
		delete(d.sessions, id)
	}
}

// Close ends every session.
func (d *RemoteDispatcher) Close() error {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*protocol.Client)
	d.mu.Unlock()

	var firstErr error
	for id, c := range sessions {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close session to %s: %w", id, err)
		}
	}
	return firstErr
}
