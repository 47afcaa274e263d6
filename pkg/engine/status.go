package engine

import (
	"fmt"
)

// Stage is a phase of the operation pipeline. Stages execute in declaration order.
type Stage int

const (
	// StageModel validates parameters and mutates the resource tree.
	StageModel Stage = iota

	// StageRuntime reconciles services with the new tree state.
	StageRuntime

	// StageVerify is a read-only confirmation pass.
	StageVerify
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageModel, StageRuntime, StageVerify}

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageModel:
		return "MODEL"
	case StageRuntime:
		return "RUNTIME"
	case StageVerify:
		return "VERIFY"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// ServerOutcome is the result of dispatching an operation to one managed server.
type ServerOutcome string

const (
	// ServerSuccess indicates the server applied the operation.
	ServerSuccess ServerOutcome = "SUCCESS"

	// ServerFailed indicates the server rejected the operation, failed, or timed out.
	ServerFailed ServerOutcome = "FAILED"

	// ServerSkipped indicates the server was never contacted because its
	// group had already exceeded its failure tolerance.
	ServerSkipped ServerOutcome = "SKIPPED"

	// ServerRolledBack indicates the server applied the operation and later
	// applied its compensation.
	ServerRolledBack ServerOutcome = "ROLLED_BACK"
)

// GroupOutcome is the terminal outcome of one server group in a rollout.
type GroupOutcome string

const (
	// GroupSuccess indicates the group stayed within its failure tolerance.
	GroupSuccess GroupOutcome = "SUCCESS"

	// GroupFailed indicates the group exceeded its failure tolerance.
	GroupFailed GroupOutcome = "FAILED"

	// GroupRolledBack indicates the group succeeded and was later compensated.
	GroupRolledBack GroupOutcome = "ROLLED_BACK"
)

// Validate checks if the group outcome is valid.
func (o GroupOutcome) Validate() error {
	switch o {
	case GroupSuccess, GroupFailed, GroupRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid group outcome: %s", o)
	}
}

// PlanOutcome is the terminal outcome of a whole rollout.
type PlanOutcome string

const (
	// PlanSuccess indicates every group succeeded.
	PlanSuccess PlanOutcome = "SUCCESS"

	// PlanPartialFailure indicates a step failed and applied groups were left in place.
	PlanPartialFailure PlanOutcome = "PARTIAL_FAILURE"

	// PlanFailedAndRolledBack indicates a step failed and applied groups were compensated.
	PlanFailedAndRolledBack PlanOutcome = "FAILED_AND_ROLLED_BACK"
)

// Validate checks if the plan outcome is valid.
func (o PlanOutcome) Validate() error {
	switch o {
	case PlanSuccess, PlanPartialFailure, PlanFailedAndRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid plan outcome: %s", o)
	}
}

// IsFailure reports whether the plan did not fully succeed.
func (o PlanOutcome) IsFailure() bool {
	return o == PlanPartialFailure || o == PlanFailedAndRolledBack
}

// ProcessType distinguishes a managed server from a domain controller.
type ProcessType string

const (
	// ProcessServer runs subsystem services.
	ProcessServer ProcessType = "server"

	// ProcessDomain holds the domain model and never runs subsystem services.
	ProcessDomain ProcessType = "domain"
)

// RunsServices reports whether RUNTIME-stage service installation applies.
func (p ProcessType) RunsServices() bool {
	return p != ProcessDomain
}
