// Package protocol defines the JSON-lines protocol spoken between the domain
// controller and managed-server agents.
//
// The agent speaks first with HELLO. The controller then sends OP requests,
// each answered by exactly one RESULT or ERROR, and ends the session with BYE.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// Version is the protocol version announced in HELLO.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeHello is sent by the agent when the session opens.
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeOperation carries an operation batch from the controller.
	MessageTypeOperation MessageType = "OP"
	// MessageTypeResult carries the outcome of a batch.
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError reports a request the agent could not process.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeBye closes the session.
	MessageTypeBye MessageType = "BYE"
)

// Error codes carried by ERROR messages.
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeUnavailable = "UNAVAILABLE"
	CodeVersion     = "PROTOCOL_VERSION"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloMessage identifies the agent and the model versions it runs.
type HelloMessage struct {
	Protocol      string            `json:"protocol"`
	Server        string            `json:"server"`
	Host          string            `json:"host,omitempty"`
	PID           int               `json:"pid"`
	ModelVersions map[string]string `json:"model-versions,omitempty"`
}

// OperationMessage asks the agent to apply a batch atomically.
type OperationMessage struct {
	ID         string             `json:"id"`
	Operations []engine.Operation `json:"operations"`
	Timeout    int                `json:"timeout,omitempty"` // seconds
	Metadata   map[string]string  `json:"metadata,omitempty"`
}

// ResultMessage answers an OP. An answered failure is a result too.
type ResultMessage struct {
	RequestID string                  `json:"request_id"`
	Result    *engine.OperationResult `json:"result"`
}

// ErrorMessage answers a request the agent could not run at all.
type ErrorMessage struct {
	RequestID string            `json:"request_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// ByeMessage is sent by either side before closing.
type ByeMessage struct {
	Reason   string `json:"reason"`
	Requests int    `json:"requests"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeHello, MessageTypeOperation, MessageTypeResult,
		MessageTypeError, MessageTypeBye:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the operation message is valid.
func (m *OperationMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	if len(m.Operations) == 0 {
		return fmt.Errorf("at least one operation is required")
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	for i, op := range m.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks if the hello message is valid.
func (m *HelloMessage) Validate() error {
	if m.Protocol != Version {
		return fmt.Errorf("unsupported protocol version %q, want %q", m.Protocol, Version)
	}
	if m.Server == "" {
		return fmt.Errorf("server name is required")
	}
	return nil
}

// Err converts the message to a kernel error.
func (m *ErrorMessage) Err() *engine.EngineError {
	var e *engine.EngineError
	if m.Retryable {
		e = engine.NewTransientError(m.Message, nil)
	} else {
		e = engine.NewPermanentError(m.Message, nil)
	}
	e = e.WithCode(engine.ErrCodeDispatchFailed).WithDetail("protocol_code", m.Code)
	if m.RequestID != "" {
		e = e.WithDetail("request_id", m.RequestID)
	}
	return e
}
