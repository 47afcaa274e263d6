package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

func TestEncoder(t *testing.T) {
	addr := engine.NewAddress("subsystem", "mail", "mail-session", "default")

	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode hello message",
			msgType: MessageTypeHello,
			data: &HelloMessage{
				Protocol:      Version,
				Server:        "server-one",
				PID:           1234,
				ModelVersions: map[string]string{"mail": "4.0.0"},
			},
		},
		{
			name:    "encode operation message",
			msgType: MessageTypeOperation,
			data: &OperationMessage{
				ID:         "req-1",
				Operations: []engine.Operation{engine.NewAddOperation(addr, nil)},
			},
		},
		{
			name:    "encode result message",
			msgType: MessageTypeResult,
			data: &ResultMessage{
				RequestID: "req-1",
				Result:    &engine.OperationResult{Outcome: engine.OutcomeSuccess},
			},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				RequestID: "req-1",
				Code:      CodeBadRequest,
				Message:   "bad request",
			},
		},
		{
			name:    "encode bye message",
			msgType: MessageTypeBye,
			data:    &ByeMessage{Reason: "done", Requests: 3},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			line := buf.String()
			if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
				t.Fatalf("expected exactly one newline-terminated line, got %q", line)
			}

			var msg Message
			if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil {
				t.Fatalf("output is not a JSON message: %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("type = %s, want %s", msg.Type, tt.msgType)
			}
			if msg.Timestamp.IsZero() {
				t.Error("timestamp not set")
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MessageType
		wantErr bool
		wantEOF bool
	}{
		{
			name:  "hello",
			input: `{"type":"HELLO","timestamp":"2024-01-01T00:00:00Z","data":{"protocol":"1","server":"s1"}}` + "\n",
			want:  MessageTypeHello,
		},
		{
			name:  "bye without data",
			input: `{"type":"BYE","timestamp":"2024-01-01T00:00:00Z"}` + "\n",
			want:  MessageTypeBye,
		},
		{
			name:    "unknown type",
			input:   `{"type":"PING","timestamp":"2024-01-01T00:00:00Z"}` + "\n",
			wantErr: true,
		},
		{
			name:    "malformed json",
			input:   "{not json\n",
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   "\n",
			wantErr: true,
		},
		{
			name:    "end of stream",
			input:   "",
			wantErr: true,
			wantEOF: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input))
			msg, err := dec.Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantEOF && err != io.EOF {
				t.Errorf("Decode() error = %v, want io.EOF", err)
			}
			if !tt.wantErr && msg.Type != tt.want {
				t.Errorf("type = %s, want %s", msg.Type, tt.want)
			}
		})
	}
}

func TestDecodeHello(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeHello(&HelloMessage{Protocol: Version, Server: "s1", ModelVersions: map[string]string{"mail": "4.0.0"}}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeHello(&HelloMessage{Protocol: "0", Server: "s2"}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeBye(&ByeMessage{Reason: "done"}); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)
	hello, err := dec.DecodeHello()
	if err != nil {
		t.Fatalf("DecodeHello() error = %v", err)
	}
	if hello.Server != "s1" || hello.ModelVersions["mail"] != "4.0.0" {
		t.Errorf("unexpected hello: %+v", hello)
	}
	if _, err := dec.DecodeHello(); err == nil {
		t.Error("expected an error for an unsupported protocol version")
	}
	if _, err := dec.DecodeHello(); err == nil {
		t.Error("expected an error for a non-HELLO message")
	}
}

func TestEncodeOperation_Validates(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	tests := []struct {
		name string
		msg  *OperationMessage
	}{
		{"missing id", &OperationMessage{Operations: []engine.Operation{engine.NewRemoveOperation(engine.NewAddress("subsystem", "mail"))}}},
		{"no operations", &OperationMessage{ID: "r"}},
		{"negative timeout", &OperationMessage{ID: "r", Timeout: -1, Operations: []engine.Operation{engine.NewRemoveOperation(engine.NewAddress("subsystem", "mail"))}}},
		{"invalid operation", &OperationMessage{ID: "r", Operations: []engine.Operation{{Kind: "frobnicate"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := enc.EncodeOperation(tt.msg); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if buf.Len() != 0 {
		t.Errorf("invalid requests were written: %q", buf.String())
	}
}

func TestErrorMessage_Err(t *testing.T) {
	retry := (&ErrorMessage{RequestID: "r1", Code: CodeUnavailable, Message: "busy", Retryable: true}).Err()
	if !engine.IsTransient(retry) {
		t.Errorf("retryable error should be transient: %v", retry)
	}
	if !engine.HasCode(retry, engine.ErrCodeDispatchFailed) {
		t.Errorf("code = %s, want %s", engine.ErrorCode(retry), engine.ErrCodeDispatchFailed)
	}
	if retry.Details["request_id"] != "r1" {
		t.Errorf("request_id detail missing: %v", retry.Details)
	}

	perm := (&ErrorMessage{Code: CodeBadRequest, Message: "nope"}).Err()
	if !engine.IsPermanent(perm) {
		t.Errorf("non-retryable error should be permanent: %v", perm)
	}
}
