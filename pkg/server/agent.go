// Package server runs the managed-server agent: it owns a server's
// operation pipeline and serves operation batches sent by the domain
// controller over the wire protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/protocol"
	"github.com/domainkernel/domainkernel/pkg/telemetry"
)

// DefaultRequestTimeout bounds a request that carries no timeout of its own.
const DefaultRequestTimeout = 5 * time.Minute

// Options configures an Agent.
type Options struct {
	// Name is the server name announced in HELLO.
	Name string

	// Host is the host controller the server runs under.
	Host string

	// Executor applies the batches, normally a pipeline.Controller.
	Executor engine.OperationExecutor

	// ModelVersions are the subsystem model versions this server runs.
	ModelVersions map[string]string

	// RequestTimeout applies to requests without a timeout. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Agent serves protocol sessions for one managed server. Sessions are
// independent; the executor serializes conflicting batches.
type Agent struct {
	name     string
	host     string
	executor engine.OperationExecutor
	versions map[string]string
	timeout  time.Duration

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu       sync.Mutex
	sessions int
	requests int
}

// NewAgent creates an agent.
func NewAgent(opts Options) (*Agent, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	versions := make(map[string]string, len(opts.ModelVersions))
	for k, v := range opts.ModelVersions {
		versions[k] = v
	}
	return &Agent{
		name:     opts.Name,
		host:     opts.Host,
		executor: opts.Executor,
		versions: versions,
		timeout:  opts.RequestTimeout,
		logger:   opts.Logger.With().Str("component", "agent").Str("server", opts.Name).Logger(),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}, nil
}

// Hello returns the HELLO message this agent announces.
func (a *Agent) Hello() *protocol.HelloMessage {
	versions := make(map[string]string, len(a.versions))
	for k, v := range a.versions {
		versions[k] = v
	}
	return &protocol.HelloMessage{
		Protocol:      protocol.Version,
		Server:        a.name,
		Host:          a.host,
		PID:           os.Getpid(),
		ModelVersions: versions,
	}
}

// Stats returns the number of sessions and requests served so far.
func (a *Agent) Stats() (sessions, requests int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions, a.requests
}

// Serve runs one session on rw until the peer sends BYE, the stream ends or
// ctx is done. When rw is an io.Closer it is closed when ctx is done.
func (a *Agent) Serve(ctx context.Context, rw io.ReadWriter) error {
	s := &session{
		agent:   a,
		encoder: protocol.NewEncoder(rw),
		decoder: protocol.NewDecoder(rw),
	}

	a.mu.Lock()
	a.sessions++
	id := a.sessions
	a.mu.Unlock()
	s.logger = a.logger.With().Int("session", id).Logger()

	if c, ok := rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	if err := s.encoder.EncodeHello(a.Hello()); err != nil {
		return fmt.Errorf("failed to send HELLO: %w", err)
	}
	s.logger.Debug().Msg("Session opened")

	reason, err := s.loop(ctx)
	if err != nil && ctx.Err() != nil {
		reason, err = "cancelled", nil
	}
	s.logger.Debug().Str("reason", reason).Int("requests", s.requests).Msg("Session closed")
	return err
}

// ServeStdio runs one session over the process's standard streams, as used
// when the controller starts the agent through SSH.
func (a *Agent) ServeStdio(ctx context.Context) error {
	return a.Serve(ctx, stdio{})
}

// ListenAndServe accepts TCP sessions on addr until ctx is done.
func (a *Agent) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener accepts sessions on ln until ctx is done. Each connection is
// served on its own goroutine.
func (a *Agent) ServeListener(ctx context.Context, ln net.Listener) error {
	a.logger.Info().Str("address", ln.Addr().String()).Msg("Agent listening")
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := a.Serve(ctx, conn); err != nil {
				a.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Session failed")
			}
		}()
	}
}

type session struct {
	agent    *Agent
	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	logger   zerolog.Logger
	requests int
}

func (s *session) loop(ctx context.Context) (string, error) {
	for {
		msg, err := s.decoder.Decode()
		if errors.Is(err, io.EOF) {
			return "stream closed", nil
		}
		if err != nil {
			_ = s.encoder.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.CodeBadRequest,
				Message: err.Error(),
			})
			return "error", fmt.Errorf("failed to read request: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeOperation:
			if err := s.handleOperation(ctx, msg); err != nil {
				return "error", err
			}
		case protocol.MessageTypeBye:
			return "bye", nil
		default:
			err := s.encoder.EncodeError(&protocol.ErrorMessage{
				Code:    protocol.CodeBadRequest,
				Message: fmt.Sprintf("unexpected message type: %s", msg.Type),
			})
			if err != nil {
				return "error", err
			}
		}
	}
}

func (s *session) handleOperation(ctx context.Context, msg *protocol.Message) error {
	var req protocol.OperationMessage
	if err := protocol.ParseData(msg.Data, &req); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: err.Error()})
	}
	if err := req.Validate(); err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			RequestID: req.ID,
			Code:      protocol.CodeBadRequest,
			Message:   err.Error(),
		})
	}

	s.requests++
	s.agent.mu.Lock()
	s.agent.requests++
	s.agent.mu.Unlock()

	timeout := s.agent.timeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reqCtx = protocol.WithMetadata(reqCtx, req.Metadata)
	reqCtx, span := s.agent.tracer.Start(reqCtx, "agent.request",
		attribute.String("request.id", req.ID),
		attribute.Int("request.operations", len(req.Operations)),
	)

	start := time.Now()
	result, err := s.agent.executor.ExecuteBatch(reqCtx, req.Operations)
	if result == nil {
		result = &engine.OperationResult{Outcome: engine.OutcomeFailed}
		if err != nil {
			result.Failure = engine.AsEngineError(err)
		}
	}
	duration := time.Since(start)
	telemetry.EndSpan(span, result.Err())
	s.agent.metrics.RecordOperation("request", string(result.Outcome), duration)

	s.logger.Debug().
		Str("request_id", req.ID).
		Int("operations", len(req.Operations)).
		Str("outcome", string(result.Outcome)).
		Dur("duration", duration).
		Msg("Request served")

	return s.encoder.EncodeResult(&protocol.ResultMessage{RequestID: req.ID, Result: result})
}

// stdio joins the standard streams into one io.ReadWriter.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
