package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed when the
	// caller retries. Examples: a server dispatch timing out, a dropped session.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the target refused work because it is busy.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict.
	// Examples: a subtree locked by another batch, a capability already provided.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid parameters, unknown resources, rejected transformations.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling. Each kernel error kind maps to one code.
const (
	ErrCodeValidation              = "VALIDATION_ERROR"
	ErrCodeNotFound                = "RESOURCE_NOT_FOUND"
	ErrCodeAlreadyExists           = "DUPLICATE_RESOURCE"
	ErrCodeCapabilityUnresolved    = "CAPABILITY_UNRESOLVED"
	ErrCodeCapabilityCycle         = "CAPABILITY_CYCLE"
	ErrCodeCapabilityConflict      = "CAPABILITY_CONFLICT"
	ErrCodeNotYetAvailable         = "NOT_YET_AVAILABLE"
	ErrCodePlanStructure           = "ROLLOUT_PLAN_STRUCTURE_ERROR"
	ErrCodeThresholdExceeded       = "SERVER_GROUP_FAILURE_THRESHOLD_EXCEEDED"
	ErrCodeTransformationRejected  = "TRANSFORMATION_REJECTED"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeLockConflict            = "LOCK_CONFLICT"
	ErrCodeTimeout                 = "TIMEOUT"
	ErrCodeCancelled               = "CANCELLED"
	ErrCodeInternal                = "INTERNAL_ERROR"
	ErrCodeDispatchFailed          = "DISPATCH_FAILED"
	ErrCodeServiceStartFailed      = "SERVICE_START_FAILED"
	ErrCodeOperationNotSupported   = "OPERATION_NOT_SUPPORTED"
	ErrCodeStageOrderViolation     = "STAGE_ORDER_VIOLATION"
	ErrCodeVerificationFailed      = "VERIFICATION_FAILED"
	ErrCodeInvalidFailureThreshold = "INVALID_FAILURE_THRESHOLD"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind.
	Code string `json:"code,omitempty"`

	// Address is the resource address the error relates to, if any.
	Address string `json:"address,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Address != "" && e.Operation != "":
		msg += fmt.Sprintf(" (address=%s, operation=%s)", e.Address, e.Operation)
	case e.Address != "":
		msg += fmt.Sprintf(" (address=%s)", e.Address)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewValidationError reports bad parameters or a schema violation.
func NewValidationError(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeValidation)
}

// NewNotFoundError reports an operation addressed to a resource that does not exist.
func NewNotFoundError(address Address) *EngineError {
	return NewPermanentError("resource not found", nil).
		WithCode(ErrCodeNotFound).
		WithAddress(address)
}

// NewDuplicateError reports an attempt to create a resource that already exists.
func NewDuplicateError(address Address) *EngineError {
	return NewPermanentError("duplicate resource", nil).
		WithCode(ErrCodeAlreadyExists).
		WithAddress(address)
}

// NewCapabilityUnresolvedError reports a requirement no provider satisfies.
func NewCapabilityUnresolvedError(capability, dependent string) *EngineError {
	return NewPermanentError(fmt.Sprintf("capability %q required by %q is not available", capability, dependent), nil).
		WithCode(ErrCodeCapabilityUnresolved).
		WithDetail("capability", capability).
		WithDetail("dependent", dependent)
}

// NewCapabilityCycleError reports a dependency cycle found while building the service graph.
func NewCapabilityCycleError(cycle string) *EngineError {
	return NewPermanentError("capability dependency cycle detected: "+cycle, nil).
		WithCode(ErrCodeCapabilityCycle).
		WithDetail("cycle", cycle)
}

// NewPlanStructureError reports a structurally invalid rollout plan.
func NewPlanStructureError(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodePlanStructure)
}

// NewThresholdExceededError reports a server group whose failures exceeded its tolerance.
func NewThresholdExceededError(group string, failed, total int) *EngineError {
	return NewPermanentError(fmt.Sprintf("server group %q failed on %d of %d servers", group, failed, total), nil).
		WithCode(ErrCodeThresholdExceeded).
		WithDetail("server-group", group).
		WithDetail("failed", failed).
		WithDetail("total", total)
}

// NewTransformationRejectedError reports an operation that cannot be represented for an older peer.
func NewTransformationRejectedError(address Address, attribute, version string) *EngineError {
	return NewPermanentError(fmt.Sprintf("attribute %q cannot be represented in model version %s", attribute, version), nil).
		WithCode(ErrCodeTransformationRejected).
		WithAddress(address).
		WithDetail("attribute", attribute).
		WithDetail("version", version)
}

// WithAddress adds resource address context to an error.
func (e *EngineError) WithAddress(address Address) *EngineError {
	e.Address = address.String()
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError returns err as an EngineError, wrapping foreign errors as
// permanent internal errors.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("internal error", err).WithCode(ErrCodeInternal)
}

// ErrorCode returns the code of the first EngineError in err's chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if a caller may retry the failed work.
// The kernel itself never retries.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsValidation reports a ValidationError.
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidation) }

// IsNotFound reports a ResourceNotFound error.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsDuplicate reports a DuplicateResource error.
func IsDuplicate(err error) bool { return HasCode(err, ErrCodeAlreadyExists) }

// IsCapabilityUnresolved reports a CapabilityUnresolved error.
func IsCapabilityUnresolved(err error) bool { return HasCode(err, ErrCodeCapabilityUnresolved) }

// IsCapabilityCycle reports a CapabilityCycle error.
func IsCapabilityCycle(err error) bool { return HasCode(err, ErrCodeCapabilityCycle) }

// IsPlanStructure reports a RolloutPlanStructureError.
func IsPlanStructure(err error) bool { return HasCode(err, ErrCodePlanStructure) }

// IsThresholdExceeded reports a ServerGroupFailureThresholdExceeded error.
func IsThresholdExceeded(err error) bool { return HasCode(err, ErrCodeThresholdExceeded) }

// IsTransformationRejected reports a TransformationRejected error.
func IsTransformationRejected(err error) bool { return HasCode(err, ErrCodeTransformationRejected) }
