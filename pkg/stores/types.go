package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/rollout"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// RolloutRecord is a finished rollout.
type RolloutRecord struct {
	ID          string             `json:"id"`
	OperationID string             `json:"operation_id"`
	Outcome     engine.PlanOutcome `json:"outcome"`
	Plan        string             `json:"plan"`    // JSON blob
	Skipped     string             `json:"skipped"` // JSON array
	Failure     *string            `json:"failure,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	CreatedAt   time.Time          `json:"created_at"`

	// Groups is filled by GetRollout in completion order.
	Groups []*GroupRecord `json:"groups,omitempty"`
}

// GroupRecord is the stored result of one server group.
type GroupRecord struct {
	ID          int64               `json:"id"`
	RolloutID   string              `json:"rollout_id"`
	Name        string              `json:"name"`
	Step        int                 `json:"step"`
	Completion  int                 `json:"completion"`
	Outcome     engine.GroupOutcome `json:"outcome"`
	Failed      int                 `json:"failed"`
	Total       int                 `json:"total"`
	Failure     *string             `json:"failure,omitempty"`
	Servers     string              `json:"servers"` // JSON blob
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

// ChangeRecord is one committed domain-model mutation.
type ChangeRecord struct {
	ID          int64            `json:"id"`
	OperationID string           `json:"operation_id"`
	Version     uint64           `json:"version"`
	Kind        model.ChangeKind `json:"kind"`
	Address     string           `json:"address"`
	Attribute   *string          `json:"attribute,omitempty"`
	Before      *string          `json:"before,omitempty"` // JSON value
	After       *string          `json:"after,omitempty"`  // JSON value
	Timestamp   time.Time        `json:"timestamp"`
}

// Event represents a stored lifecycle event.
type Event struct {
	ID          int64      `json:"id"`
	EventID     string     `json:"event_id"`
	Type        string     `json:"type"`
	Source      string     `json:"source"`
	OperationID *string    `json:"operation_id,omitempty"`
	RolloutID   *string    `json:"rollout_id,omitempty"`
	ServerGroup *string    `json:"server_group,omitempty"`
	Address     *string    `json:"address,omitempty"`
	Level       EventLevel `json:"level"`
	Message     string     `json:"message"`
	Details     *string    `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time  `json:"timestamp"`
}

// AuditEntry represents an audit log entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	OperationID *string
	RolloutID   *string
	Level       *EventLevel
}

// Store defines the interface for persistence operations
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transactions
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Rollouts
	RecordRollout(ctx context.Context, plan *rollout.Plan, result *engine.RolloutResult) error
	GetRollout(ctx context.Context, id string) (*RolloutRecord, error)
	ListRollouts(ctx context.Context, outcome *engine.PlanOutcome, limit, offset int) ([]*RolloutRecord, error)
	DeleteRollout(ctx context.Context, id string) error

	// Change journal
	PersistChanges(ctx context.Context, operationID string, changes []model.Change) error
	ListChanges(ctx context.Context, operationID *string, sinceVersion uint64, limit int) ([]*ChangeRecord, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)
}

// Result rebuilds the rollout result from the record and its groups.
func (r *RolloutRecord) Result() (*engine.RolloutResult, error) {
	result := &engine.RolloutResult{
		ID:          r.ID,
		OperationID: r.OperationID,
		Outcome:     r.Outcome,
		Groups:      make(map[string]*engine.GroupResult, len(r.Groups)),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if err := json.Unmarshal([]byte(r.Skipped), &result.Skipped); err != nil {
		return nil, fmt.Errorf("rollout %s: invalid skipped groups: %w", r.ID, err)
	}
	if r.Failure != nil {
		result.Failure = &engine.EngineError{}
		if err := json.Unmarshal([]byte(*r.Failure), result.Failure); err != nil {
			return nil, fmt.Errorf("rollout %s: invalid failure: %w", r.ID, err)
		}
	}
	for _, g := range r.Groups {
		group := &engine.GroupResult{
			Name:        g.Name,
			Step:        g.Step,
			Outcome:     g.Outcome,
			Failed:      g.Failed,
			Total:       g.Total,
			Completion:  g.Completion,
			StartedAt:   g.StartedAt,
			CompletedAt: g.CompletedAt,
		}
		if err := json.Unmarshal([]byte(g.Servers), &group.Servers); err != nil {
			return nil, fmt.Errorf("rollout %s: group %s: invalid servers: %w", r.ID, g.Name, err)
		}
		if g.Failure != nil {
			group.Failure = &engine.EngineError{}
			if err := json.Unmarshal([]byte(*g.Failure), group.Failure); err != nil {
				return nil, fmt.Errorf("rollout %s: group %s: invalid failure: %w", r.ID, g.Name, err)
			}
		}
		result.Groups[g.Name] = group
	}
	return result, nil
}

// RolloutPlan parses the stored plan.
func (r *RolloutRecord) RolloutPlan() (*rollout.Plan, error) {
	return rollout.ParseJSON([]byte(r.Plan))
}
