package capability

import (
	"context"
	"strings"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// Capability is a named contract a resource can provide and others can require.
type Capability struct {
	// Name is the dotted base name, e.g. org.wildfly.mail.session.
	Name string

	// Dynamic capabilities are parameterized by a scope such as a resource name.
	Dynamic bool

	// ServiceType documents the type of the value the capability's service
	// resolves to.
	ServiceType string
}

// Static declares a capability with a fixed name.
func Static(name, serviceType string) Capability {
	return Capability{Name: name, ServiceType: serviceType}
}

// Dynamic declares a capability parameterized by a scope.
func Dynamic(name, serviceType string) Capability {
	return Capability{Name: name, Dynamic: true, ServiceType: serviceType}
}

// Resolve returns the full capability name for a scope. Static capabilities
// ignore the scope.
func (c Capability) Resolve(scope string) string {
	return FullName(c.Name, c.Dynamic, scope)
}

// FullName joins a base name and a dynamic scope.
func FullName(base string, dynamic bool, scope string) string {
	if dynamic && scope != "" {
		return base + "." + scope
	}
	return base
}

// SplitName separates a full capability name into base and scope given the
// known base name.
func SplitName(full, base string) (string, bool) {
	if full == base {
		return "", true
	}
	if strings.HasPrefix(full, base+".") {
		return strings.TrimPrefix(full, base+"."), true
	}
	return "", false
}

// Handle is returned by Require and identifies one requirement edge.
type Handle struct {
	// Capability is the full name of the required capability.
	Capability string

	// Dependent names the requiring capability or resource.
	Dependent string
}

// ActivationMode controls when an installed service starts.
type ActivationMode string

const (
	// ModeActive starts the service as soon as its dependencies resolve.
	ModeActive ActivationMode = "ACTIVE"

	// ModePassive starts the service only while a running dependent needs it.
	ModePassive ActivationMode = "PASSIVE"

	// ModeOnDemand behaves like ModePassive.
	ModeOnDemand ActivationMode = "ON_DEMAND"
)

// Lazy reports whether services in this mode start only on demand.
func (m ActivationMode) Lazy() bool {
	return m == ModePassive || m == ModeOnDemand
}

// Dependencies gives a starting service the values of its required capabilities.
type Dependencies map[string]interface{}

// Get returns the value of a required capability.
func (d Dependencies) Get(name string) interface{} {
	return d[name]
}

// StartFunc brings a service up and returns the value dependents resolve to.
type StartFunc func(ctx context.Context, deps Dependencies) (interface{}, error)

// StopFunc tears a service down.
type StopFunc func(ctx context.Context, value interface{}) error

// Installer is a deferred factory for the service backing one capability.
type Installer struct {
	// Capability is the full name of the capability this service provides.
	Capability string

	// Requires lists the full names of required capabilities.
	Requires []string

	// Mode is the activation mode. Empty means ModeActive.
	Mode ActivationMode

	// Owner is the resource that installed the service.
	Owner engine.Address

	// Start and Stop are optional. A nil Start yields a nil value.
	Start StartFunc
	Stop  StopFunc
}

func (i *Installer) mode() ActivationMode {
	if i.Mode == "" {
		return ModeActive
	}
	return i.Mode
}

// ServiceState is the lifecycle state of an installed service.
type ServiceState string

const (
	StateDown ServiceState = "DOWN"
	StateUp   ServiceState = "UP"
)

// LifecycleKind distinguishes start and stop events.
type LifecycleKind string

const (
	LifecycleStarted LifecycleKind = "started"
	LifecycleStopped LifecycleKind = "stopped"
)

// LifecycleEvent reports a service state transition.
type LifecycleEvent struct {
	Kind    LifecycleKind
	Service string
	Mode    ActivationMode
}

// Observer receives lifecycle events synchronously, in transition order.
type Observer func(event LifecycleEvent)
