package subsystems

import (
	"context"
	"sort"
	"sync"

	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

// RecoveryRegistryCapability is provided by the transactions subsystem.
const RecoveryRegistryCapability = "org.wildfly.transactions.xa-resource-recovery-registry"

// Transactions is the transaction manager subsystem.
type Transactions struct{}

func (t *Transactions) Name() string { return "transactions" }

func (t *Transactions) Version() transform.ModelVersion { return transform.MustVersion("6.0.0") }

func (t *Transactions) Registrations() []*pipeline.Registration {
	return []*pipeline.Registration{{
		Pattern: subsystemAddress(t.Name()),
		Schema: model.NewSchema("transaction manager",
			model.AttributeDefinition{
				Name:    "default-timeout",
				Type:    model.TypeInt,
				Default: 300,
				Min:     model.Bound(0),
				Restart: model.RestartNone,
			},
			model.AttributeDefinition{
				Name:    "node-identifier",
				Type:    model.TypeString,
				Default: "1",
				Restart: model.RestartAllServices,
			},
		),
		Capabilities: []capability.Capability{
			capability.Static(RecoveryRegistryCapability, "RecoveryRegistry"),
		},
		Installers: func(engine.Address, map[string]interface{}) []*capability.Installer {
			return []*capability.Installer{{
				Capability: RecoveryRegistryCapability,
				Mode:       capability.ModeActive,
				Start: func(context.Context, capability.Dependencies) (interface{}, error) {
					return NewRecoveryRegistry(), nil
				},
			}}
		},
	}}
}

// RegisterTransformers is a no-op: every supported peer runs 6.0.0.
func (t *Transactions) RegisterTransformers(*transform.Registry) {}

// RecoveryRegistry tracks the XA resources that take part in recovery.
type RecoveryRegistry struct {
	mu        sync.Mutex
	resources map[string]struct{}
}

// NewRecoveryRegistry creates an empty registry.
func NewRecoveryRegistry() *RecoveryRegistry {
	return &RecoveryRegistry{resources: make(map[string]struct{})}
}

// Add registers a recovery participant.
func (r *RecoveryRegistry) Add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[name] = struct{}{}
}

// Remove drops a recovery participant.
func (r *RecoveryRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, name)
}

// Resources returns the registered participants, sorted.
func (r *RecoveryRegistry) Resources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.resources))
	for name := range r.resources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
