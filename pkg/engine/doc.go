// Package engine provides the shared vocabulary of the domain management kernel.
//
// # Overview
//
// The kernel manages a tree of configuration resources for a domain of
// application-server processes. A client submits an Operation; the operation
// pipeline validates it against the resource tree, the capability layer
// reconciles running services, and when the change targets server groups the
// rollout executor fans it out according to a rollout plan.
//
// This package holds only the types every other package speaks:
//
//   - Address and PathElement: resource addresses such as /subsystem=mail/mail-session=default
//   - Operation: an add, remove, write-attribute or custom intent with parameters
//   - OperationResult: the outcome of a batch, including its compensation
//   - Stage: MODEL, RUNTIME and VERIFY
//   - ServerRef, ServerResult, GroupResult, RolloutResult: rollout bookkeeping
//   - GroupOutcome and PlanOutcome: terminal rollout outcomes
//
// # Error Classification
//
// Every failure surfaced by the kernel is an *EngineError carrying a class and
// a code:
//
//   - Transient: a server dispatch timed out or a session dropped
//   - Throttled: the target refused work
//   - Conflict: a subtree lock or a capability is held by someone else
//   - Permanent: validation, missing resources, rejected transformations
//
// Codes identify the kind (ErrCodeValidation, ErrCodeNotFound,
// ErrCodeCapabilityCycle, ErrCodePlanStructure and so on) and have matching
// predicates:
//
//	if engine.IsNotFound(err) {
//	    // report to caller; the tree is unchanged
//	}
//
// The kernel never retries. IsRetryable only tells the caller whether a retry
// could succeed.
package engine
