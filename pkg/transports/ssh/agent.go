package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// StartAgent starts command on the remote host and joins its stdin and
// stdout into one connection. Anything the command writes to stderr is
// logged.
func (c *SSHClient) StartAgent(ctx context.Context, command string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "agent", Err: err, IsTemporary: true}
	}
	session, err := c.newSession("agent")
	if err != nil {
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "agent", Err: fmt.Errorf("failed to create stdin pipe: %w", err), IsTemporary: true}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "agent", Err: fmt.Errorf("failed to create stdout pipe: %w", err), IsTemporary: true}
	}
	session.Stderr = &stderrLogger{host: c.config.Host}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, &TransportError{Op: "agent", Err: fmt.Errorf("failed to start %q: %w", command, err), IsTemporary: true}
	}

	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("agent started")
	return &agentConn{session: session, stdin: stdin, stdout: stdout}, nil
}

// agentConn is a remote agent's standard streams.
type agentConn struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (a *agentConn) Read(p []byte) (int, error)  { return a.stdout.Read(p) }
func (a *agentConn) Write(p []byte) (int, error) { return a.stdin.Write(p) }

// Close ends the agent's input and closes the session.
func (a *agentConn) Close() error {
	var errs []error
	for _, err := range []error{a.stdin.Close(), a.session.Close()} {
		if err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stderrLogger logs a remote command's stderr line by line.
type stderrLogger struct {
	host string
	buf  bytes.Buffer
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		if line = strings.TrimSpace(line); line != "" {
			log.Debug().Str("host", l.host).Str("stderr", line).Msg("agent output")
		}
	}
}
