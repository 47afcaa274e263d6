// Package ssh reaches host controller machines over SSH. Its main use is
// starting a managed server's agent in stdio mode and carrying the agent
// protocol over the session's standard streams.
package ssh

import (
	"context"
	"io"
)

// Transport is a connection to one host that agents are started over.
type Transport interface {
	// Connect dials the host, through its jump host when one is set.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Started agents end with it.
	Disconnect() error

	// IsConnected reports whether the connection is usable.
	IsConnected() bool

	// StartAgent runs command on the remote host and returns its standard
	// streams as one connection. Closing the connection ends the command.
	StartAgent(ctx context.Context, command string) (io.ReadWriteCloser, error)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed: connect, jump or agent.
	Op string

	Err error

	// IsTemporary indicates the operation may succeed if retried.
	IsTemporary bool

	// IsAuthError indicates the credentials were rejected or unusable.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed if retried.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
