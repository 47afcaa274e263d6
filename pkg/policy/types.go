package policy

import (
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the operation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of s deny the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated for every operation.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with dkctl.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Address  string   `json:"address,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy for one
// operation.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is what policies see as `input`.
type Input struct {
	Operation OperationInput `json:"operation"`
	Context   Context        `json:"context"`
}

// OperationInput describes the operation under evaluation.
type OperationInput struct {
	ID         string                 `json:"id,omitempty"`
	Kind       string                 `json:"kind"`
	Name       string                 `json:"name,omitempty"`
	Address    string                 `json:"address"`
	Path       []PathElement          `json:"path"`
	Subsystem  string                 `json:"subsystem,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// PathElement is one key=value pair of the target address.
type PathElement struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Context describes where the operation runs.
type Context struct {
	// Process is "domain" or "server".
	Process string `json:"process,omitempty"`

	// Environment is the deployment environment, e.g. "production".
	Environment string `json:"environment,omitempty"`

	// User is the operator, when known.
	User string `json:"user,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for op.
func NewInput(op engine.Operation, ctx Context) *Input {
	in := &Input{
		Operation: OperationInput{
			ID:         op.ID,
			Kind:       string(op.Kind),
			Name:       op.Name,
			Address:    op.Address.String(),
			Path:       make([]PathElement, 0, len(op.Address)),
			Parameters: op.Parameters,
		},
		Context: ctx,
	}
	for _, el := range op.Address {
		in.Operation.Path = append(in.Operation.Path, PathElement{Key: el.Key, Value: el.Value})
	}
	if sub, _, ok := op.Address.Subsystem(); ok {
		in.Operation.Subsystem = sub
	}
	if in.Context.Timestamp.IsZero() {
		in.Context.Timestamp = time.Now()
	}
	return in
}
