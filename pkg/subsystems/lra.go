package subsystems

import (
	"context"
	"fmt"

	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

// Capabilities provided by the LRA coordinator subsystem.
const (
	LRACoordinatorCapability = "org.wildfly.microprofile.lra.coordinator"
	LRARecoveryCapability    = "org.wildfly.microprofile.lra.recovery"
)

const (
	defaultLRAServer = "default-server"
	defaultLRAHost   = "default-host"
)

// LRACoordinator is the MicroProfile LRA coordinator subsystem.
type LRACoordinator struct{}

func (l *LRACoordinator) Name() string { return "microprofile-lra-coordinator" }

func (l *LRACoordinator) Version() transform.ModelVersion { return transform.MustVersion("1.0.0") }

func (l *LRACoordinator) Registrations() []*pipeline.Registration {
	return []*pipeline.Registration{{
		Pattern: subsystemAddress(l.Name()),
		Schema: model.NewSchema("LRA coordinator",
			model.AttributeDefinition{
				Name:        "server",
				Type:        model.TypeString,
				Default:     defaultLRAServer,
				Restart:     model.RestartAllServices,
				Description: "Undertow server the coordinator endpoint is deployed to",
			},
			model.AttributeDefinition{
				Name:        "host",
				Type:        model.TypeString,
				Default:     defaultLRAHost,
				Restart:     model.RestartAllServices,
				Description: "Undertow host the coordinator endpoint is deployed to",
			},
		),
		Capabilities: []capability.Capability{
			capability.Static(LRACoordinatorCapability, "Coordinator"),
			capability.Static(LRARecoveryCapability, "RecoveryService"),
		},
		Requirements: func(engine.Address, map[string]interface{}) []string {
			return []string{RecoveryRegistryCapability}
		},
		Installers: l.installers,
		Verify: func(oc *pipeline.OperationContext, op engine.Operation) error {
			if !oc.ProcessType().RunsServices() {
				return nil
			}
			if _, err := capability.ResolveAs[*Coordinator](oc.Capabilities(), LRACoordinatorCapability); err != nil {
				return engine.NewPermanentError("LRA coordinator did not start", err).
					WithCode(engine.ErrCodeVerificationFailed)
			}
			return nil
		},
	}}
}

func (l *LRACoordinator) installers(_ engine.Address, attrs map[string]interface{}) []*capability.Installer {
	server, _ := attrs["server"].(string)
	host, _ := attrs["host"].(string)
	return []*capability.Installer{
		{
			Capability: LRACoordinatorCapability,
			Requires:   []string{RecoveryRegistryCapability},
			Start: func(_ context.Context, deps capability.Dependencies) (interface{}, error) {
				registry, ok := deps.Get(RecoveryRegistryCapability).(*RecoveryRegistry)
				if !ok {
					return nil, fmt.Errorf("recovery registry is unavailable")
				}
				registry.Add(LRACoordinatorCapability)
				return &Coordinator{Server: server, Host: host, registry: registry}, nil
			},
			Stop: func(_ context.Context, value interface{}) error {
				if c, ok := value.(*Coordinator); ok {
					c.registry.Remove(LRACoordinatorCapability)
				}
				return nil
			},
		},
		{
			Capability: LRARecoveryCapability,
			Requires:   []string{LRACoordinatorCapability},
			Start: func(_ context.Context, deps capability.Dependencies) (interface{}, error) {
				return deps.Get(LRACoordinatorCapability), nil
			},
		},
	}
}

// RegisterTransformers is a no-op: 1.0.0 is the only model version.
func (l *LRACoordinator) RegisterTransformers(*transform.Registry) {}

// Coordinator is the running coordinator endpoint.
type Coordinator struct {
	Server string
	Host   string

	registry *RecoveryRegistry
}

// Endpoint returns the coordinator's path on its Undertow host.
func (c *Coordinator) Endpoint() string {
	return fmt.Sprintf("%s/%s/lra-coordinator", c.Server, c.Host)
}
