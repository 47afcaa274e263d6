package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// ErrClosed is returned by a client whose session has ended.
var ErrClosed = errors.New("protocol session is closed")

// Client is the controller side of one agent session. Requests are
// serialized; the protocol has one request in flight at a time.
type Client struct {
	conn    io.ReadWriteCloser
	encoder *Encoder
	decoder *Decoder
	hello   *HelloMessage

	mu       sync.Mutex
	closed   bool
	requests int
}

// NewClient wraps an established connection to an agent.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn:    conn,
		encoder: NewEncoder(conn),
		decoder: NewDecoder(conn),
	}
}

// Handshake waits for the agent's HELLO.
func (c *Client) Handshake(ctx context.Context, timeout time.Duration) (*HelloMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	helloCh := make(chan *HelloMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		hello, err := c.decoder.DecodeHello()
		if err != nil {
			errCh <- err
			return
		}
		helloCh <- hello
	}()

	select {
	case <-ctx.Done():
		c.abort()
		return nil, fmt.Errorf("timeout waiting for HELLO: %w", ctx.Err())
	case err := <-errCh:
		c.abort()
		return nil, fmt.Errorf("failed to receive HELLO: %w", err)
	case hello := <-helloCh:
		c.hello = hello
		return hello, nil
	}
}

// Hello returns the HELLO received during the handshake.
func (c *Client) Hello() *HelloMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Execute sends ops as one batch and waits for the answer. An answered
// failure is returned as a result; ERROR messages and transport problems
// are returned as errors. A cancelled context ends the session.
func (c *Client) Execute(ctx context.Context, ops []engine.Operation) (*engine.OperationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	req := &OperationMessage{
		ID:         uuid.NewString(),
		Operations: ops,
		Metadata:   MetadataFromContext(ctx),
	}
	if deadline, ok := ctx.Deadline(); ok {
		if secs := int(time.Until(deadline).Seconds()); secs > 0 {
			req.Timeout = secs
		}
	}
	if err := c.encoder.EncodeOperation(req); err != nil {
		c.abort()
		return nil, fmt.Errorf("failed to send operation: %w", err)
	}
	c.requests++

	type reply struct {
		result *engine.OperationResult
		err    error
	}
	replyCh := make(chan reply, 1)
	go func() {
		result, err := c.await(req.ID)
		replyCh <- reply{result, err}
	}()

	select {
	case <-ctx.Done():
		c.abort()
		return nil, ctx.Err()
	case r := <-replyCh:
		if r.err != nil {
			var engErr *engine.EngineError
			if !errors.As(r.err, &engErr) {
				c.abort()
			}
		}
		return r.result, r.err
	}
}

func (c *Client) await(id string) (*engine.OperationResult, error) {
	msg, err := c.decoder.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch msg.Type {
	case MessageTypeResult:
		var res ResultMessage
		if err := ParseData(msg.Data, &res); err != nil {
			return nil, fmt.Errorf("failed to parse result: %w", err)
		}
		if res.RequestID != id {
			return nil, fmt.Errorf("request ID mismatch: expected %s, got %s", id, res.RequestID)
		}
		if res.Result == nil {
			return nil, fmt.Errorf("result for %s is empty", id)
		}
		return res.Result, nil

	case MessageTypeError:
		var errMsg ErrorMessage
		if err := ParseData(msg.Data, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to parse error: %w", err)
		}
		if errMsg.RequestID != "" && errMsg.RequestID != id {
			return nil, fmt.Errorf("request ID mismatch: expected %s, got %s", id, errMsg.RequestID)
		}
		return nil, errMsg.Err()

	case MessageTypeBye:
		return nil, fmt.Errorf("agent closed the session")

	default:
		return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

// abort drops the connection without a BYE. Callers hold c.mu.
func (c *Client) abort() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

// Closed reports whether the session has ended.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends BYE and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if err := c.encoder.EncodeBye(&ByeMessage{Reason: "client closed", Requests: c.requests}); err != nil {
		errs = append(errs, fmt.Errorf("failed to send BYE: %w", err))
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(errs...)
}
