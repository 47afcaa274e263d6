package engine

import (
	"context"
)

// OperationExecutor runs operations against a single process's resource tree.
type OperationExecutor interface {
	// Execute runs one operation as its own batch.
	Execute(ctx context.Context, op Operation) (*OperationResult, error)

	// ExecuteBatch runs several operations as one atomic batch.
	ExecuteBatch(ctx context.Context, ops []Operation) (*OperationResult, error)
}

// ServerDispatcher sends operations to managed servers.
type ServerDispatcher interface {
	// Dispatch applies ops as one batch on the server. A non-nil error means
	// the server could not be reached or did not answer; an answered failure
	// is reported through the result.
	Dispatch(ctx context.Context, server ServerRef, ops []Operation) (*OperationResult, error)
}

// Topology resolves server groups to their member servers.
type Topology interface {
	// ServerGroup returns the servers of a group in a stable order.
	ServerGroup(name string) ([]ServerRef, error)

	// ServerGroups returns the names of all known groups.
	ServerGroups() []string
}
