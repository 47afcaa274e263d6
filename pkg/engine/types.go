package engine

import (
	"sort"
	"time"
)

// ServerRef identifies a managed server process within the domain.
type ServerRef struct {
	// Name is the server name, unique per host.
	Name string `json:"name"`

	// Host is the host controller the server runs under.
	Host string `json:"host"`

	// Group is the server group the server belongs to.
	Group string `json:"group"`

	// ModelVersions maps subsystem names to the model version the server
	// runs. Subsystems not listed run the current version.
	ModelVersions map[string]string `json:"model-versions,omitempty"`
}

// ID returns the domain-wide server identifier.
func (s ServerRef) ID() string {
	return s.Host + "/" + s.Name
}

// ServerResult is the outcome of dispatching an operation to one server.
type ServerResult struct {
	// Server is the target server.
	Server ServerRef `json:"server"`

	// Outcome is the server-level outcome.
	Outcome ServerOutcome `json:"outcome"`

	// Failure describes why the server failed, if it did.
	Failure *EngineError `json:"failure,omitempty"`

	// Compensation undoes what the server applied, in order.
	Compensation []Operation `json:"compensation,omitempty"`

	// Duration is the round trip time of the dispatch.
	Duration time.Duration `json:"duration"`
}

// GroupResult is the outcome of one server group in a rollout.
type GroupResult struct {
	// Name is the server group name.
	Name string `json:"name"`

	// Step is the in-series step index the group ran in.
	Step int `json:"step"`

	// Outcome is the terminal group outcome.
	Outcome GroupOutcome `json:"outcome"`

	// Servers holds per-server results in dispatch order.
	Servers []ServerResult `json:"servers"`

	// Failed is the number of servers that failed.
	Failed int `json:"failed"`

	// Total is the number of servers in the group.
	Total int `json:"total"`

	// Failure is set when the group failed.
	Failure *EngineError `json:"failure,omitempty"`

	// Completion is the order in which the group resolved, starting at 1.
	Completion int `json:"completion"`

	// StartedAt is when dispatch began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the last server responded.
	CompletedAt time.Time `json:"completed_at"`
}

// RolloutResult is returned by a rollout call.
type RolloutResult struct {
	// ID is the unique identifier for this rollout.
	ID string `json:"id"`

	// OperationID is the distributed operation.
	OperationID string `json:"operation_id"`

	// Outcome is the terminal plan outcome.
	Outcome PlanOutcome `json:"outcome"`

	// Groups maps server group names to their results.
	Groups map[string]*GroupResult `json:"groups"`

	// Skipped lists groups never dispatched because an earlier step failed.
	Skipped []string `json:"skipped,omitempty"`

	// Failure describes the first failure, if any.
	Failure *EngineError `json:"failure,omitempty"`

	// StartedAt is when the rollout began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the rollout reached its terminal outcome.
	CompletedAt time.Time `json:"completed_at"`
}

// GroupNames returns the names of dispatched groups in completion order.
func (r *RolloutResult) GroupNames() []string {
	names := make([]string, 0, len(r.Groups))
	for name := range r.Groups {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.Groups[names[i]].Completion < r.Groups[names[j]].Completion
	})
	return names
}

// Duration returns how long the rollout ran.
func (r *RolloutResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
