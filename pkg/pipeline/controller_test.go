package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/model"
)

const (
	recoveryCap    = "org.wildfly.transactions.xa-resource-recovery-registry"
	coordinatorCap = "org.wildfly.microprofile.lra.coordinator"
	mailSessionCap = "org.wildfly.mail.session"
)

type serviceLog struct {
	mu     sync.Mutex
	events []string
}

func (l *serviceLog) observe(e capability.LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, string(e.Kind)+":"+e.Service)
}

func (l *serviceLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *serviceLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

var (
	transactionsAddr = engine.NewAddress("subsystem", "transactions")
	lraAddr          = engine.NewAddress("subsystem", "microprofile-lra-coordinator")
	mailAddr         = engine.NewAddress("subsystem", "mail")
)

func sessionAddr(name string) engine.Address {
	return mailAddr.Append(engine.Elem("mail-session", name))
}

func simpleInstaller(name string, requires ...string) func(engine.Address, map[string]interface{}) []*capability.Installer {
	return func(engine.Address, map[string]interface{}) []*capability.Installer {
		return []*capability.Installer{{
			Capability: name,
			Requires:   requires,
			Start: func(context.Context, capability.Dependencies) (interface{}, error) {
				return name, nil
			},
		}}
	}
}

func newTestController(t *testing.T, processType engine.ProcessType) (*Controller, *serviceLog) {
	t.Helper()
	caps := capability.NewRegistry(zerolog.Nop())
	log := &serviceLog{}
	caps.SetObserver(log.observe)
	c := NewController(Options{ProcessType: processType, Capabilities: caps, Logger: zerolog.Nop()})

	regs := []*Registration{
		{
			Pattern:      transactionsAddr,
			Schema:       model.NewSchema("transactions"),
			Capabilities: []capability.Capability{capability.Static(recoveryCap, "RecoveryRegistry")},
			Installers:   simpleInstaller(recoveryCap),
		},
		{
			Pattern: lraAddr,
			Schema: model.NewSchema("lra coordinator",
				model.AttributeDefinition{Name: "server", Type: model.TypeString, Default: "default-server", Restart: model.RestartAllServices},
			),
			Capabilities: []capability.Capability{capability.Static(coordinatorCap, "Coordinator")},
			Requirements: func(engine.Address, map[string]interface{}) []string { return []string{recoveryCap} },
			Installers:   simpleInstaller(coordinatorCap, recoveryCap),
			Verify: func(oc *OperationContext, op engine.Operation) error {
				if !oc.ProcessType().RunsServices() {
					return nil
				}
				_, err := oc.Capabilities().ResolveName(coordinatorCap)
				return err
			},
		},
		{Pattern: mailAddr, Schema: model.NewSchema("mail")},
		{
			Pattern: mailAddr.Append(engine.Elem("mail-session", engine.Wildcard)),
			Schema: model.NewSchema("mail session",
				model.AttributeDefinition{Name: "jndi-name", Type: model.TypeString, Required: true},
				model.AttributeDefinition{Name: "debug", Type: model.TypeBoolean, Default: false, Restart: model.RestartResourceServices},
			),
			Capabilities: []capability.Capability{capability.Dynamic(mailSessionCap, "Session")},
			Installers: func(addr engine.Address, attrs map[string]interface{}) []*capability.Installer {
				name := capability.FullName(mailSessionCap, true, addr.Last().Value)
				jndi, _ := attrs["jndi-name"].(string)
				return []*capability.Installer{{
					Capability: name,
					Start: func(context.Context, capability.Dependencies) (interface{}, error) {
						if jndi == "java:/fail" {
							return nil, errors.New("session factory refused")
						}
						return jndi, nil
					},
				}}
			},
		},
	}
	for _, reg := range regs {
		if err := c.Register(reg); err != nil {
			t.Fatalf("Expected registration to succeed, got: %v", err)
		}
	}
	mustExecute(t, c, engine.NewAddOperation(mailAddr, nil))
	log.reset()
	return c, log
}

func mustExecute(t *testing.T, c *Controller, ops ...engine.Operation) *engine.OperationResult {
	t.Helper()
	result, err := c.ExecuteBatch(context.Background(), ops)
	if err != nil {
		t.Fatalf("Expected batch to succeed, got: %v", err)
	}
	return result
}

func addSession(name, jndi string) engine.Operation {
	return engine.NewAddOperation(sessionAddr(name), map[string]interface{}{"jndi-name": jndi})
}

func TestController_AddRemoveRoundTrip(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	before := c.Tree().Snapshot()

	mustExecute(t, c, addSession("default", "java:jboss/mail/Default"))
	added, err := c.Tree().ReadModel(sessionAddr("default"), true)
	if err != nil {
		t.Fatalf("Expected session to exist, got: %v", err)
	}
	if state, _ := c.Capabilities().State(mailSessionCap + ".default"); state != capability.StateUp {
		t.Errorf("Expected session service to be up, got %s", state)
	}

	mustExecute(t, c, engine.NewRemoveOperation(sessionAddr("default")))
	if !reflect.DeepEqual(before, c.Tree().Snapshot()) {
		t.Errorf("Expected remove to restore the pre-add tree")
	}
	if _, ok := c.Capabilities().State(mailSessionCap + ".default"); ok {
		t.Errorf("Expected session service to be removed")
	}

	mustExecute(t, c, addSession("default", "java:jboss/mail/Default"))
	again, _ := c.Tree().ReadModel(sessionAddr("default"), true)
	if !reflect.DeepEqual(added, again) {
		t.Errorf("Expected re-add to yield an identical resource, got %v vs %v", added, again)
	}
}

func TestController_DuplicateAddFails(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	mustExecute(t, c, addSession("default", "java:/a"))

	result, err := c.Execute(context.Background(), addSession("default", "java:/a"))
	if !engine.IsDuplicate(err) {
		t.Fatalf("Expected DuplicateResource, got: %v", err)
	}
	if result.Succeeded() || result.Failure.Operation != "add" {
		t.Errorf("Expected a failed add result, got %+v", result)
	}
}

func TestController_FailureRestoresTreeAndCapabilities(t *testing.T) {
	c, log := newTestController(t, engine.ProcessServer)
	treeBefore := c.Tree().Snapshot()
	capsBefore := c.Capabilities().Snapshot()

	result, err := c.ExecuteBatch(context.Background(), []engine.Operation{
		engine.NewAddOperation(transactionsAddr, nil),
		engine.NewAddOperation(lraAddr, nil),
		addSession("broken", "java:/fail"),
	})
	if !engine.HasCode(err, engine.ErrCodeServiceStartFailed) {
		t.Fatalf("Expected service start failure, got: %v", err)
	}
	if result.Outcome != engine.OutcomeFailed || result.Compensation != nil {
		t.Errorf("Expected failed result without compensation, got %+v", result)
	}

	if !reflect.DeepEqual(treeBefore, c.Tree().Snapshot()) {
		t.Errorf("Expected tree to be restored")
	}
	if !reflect.DeepEqual(capsBefore, c.Capabilities().Snapshot()) {
		t.Errorf("Expected capability graph to be restored, got %+v", c.Capabilities().Snapshot())
	}

	want := []string{
		"started:" + recoveryCap,
		"started:" + coordinatorCap,
		"stopped:" + coordinatorCap,
		"stopped:" + recoveryCap,
	}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected lifecycle %v, got %v", want, got)
	}
}

func TestController_ProviderStartsBeforeDependent(t *testing.T) {
	c, log := newTestController(t, engine.ProcessServer)

	// Dependent first in the batch; the provider still starts first.
	mustExecute(t, c,
		engine.NewAddOperation(lraAddr, nil),
		engine.NewAddOperation(transactionsAddr, nil),
	)
	want := []string{"started:" + recoveryCap, "started:" + coordinatorCap}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected start order %v, got %v", want, got)
	}
}

func TestController_RequireUnprovidedCapability(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	before := c.Tree().Snapshot()

	_, err := c.Execute(context.Background(), engine.NewAddOperation(lraAddr, nil))
	if !engine.IsValidation(err) {
		t.Fatalf("Expected ValidationError, got: %v", err)
	}
	if !reflect.DeepEqual(before, c.Tree().Snapshot()) {
		t.Errorf("Expected no state change")
	}
}

func TestController_WithdrawRequiredCapability(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	mustExecute(t, c, engine.NewAddOperation(transactionsAddr, nil), engine.NewAddOperation(lraAddr, nil))
	treeBefore := c.Tree().Snapshot()
	capsBefore := c.Capabilities().Snapshot()

	_, err := c.Execute(context.Background(), engine.NewRemoveOperation(transactionsAddr))
	if !engine.IsValidation(err) {
		t.Fatalf("Expected ValidationError, got: %v", err)
	}
	if !reflect.DeepEqual(treeBefore, c.Tree().Snapshot()) || !reflect.DeepEqual(capsBefore, c.Capabilities().Snapshot()) {
		t.Errorf("Expected failed remove to change nothing")
	}

	// Removing both in one batch is fine.
	mustExecute(t, c, engine.NewRemoveOperation(lraAddr), engine.NewRemoveOperation(transactionsAddr))
	if running := c.Capabilities().Running(); len(running) != 0 {
		t.Errorf("Expected no running services, got %v", running)
	}
}

func TestController_StageOrderViolation(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	pattern := engine.NewAddress("subsystem", "bad")
	err := c.Register(&Registration{
		Pattern: pattern,
		Schema:  model.NewSchema("bad"),
		Verify: func(oc *OperationContext, op engine.Operation) error {
			return oc.AddStep(engine.StageModel, op, func(*OperationContext, engine.Operation) error { return nil })
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	before := c.Tree().Snapshot()

	_, err = c.Execute(context.Background(), engine.NewAddOperation(pattern, nil))
	if !engine.HasCode(err, engine.ErrCodeStageOrderViolation) {
		t.Fatalf("Expected stage order violation, got: %v", err)
	}
	if !reflect.DeepEqual(before, c.Tree().Snapshot()) {
		t.Errorf("Expected VERIFY failure to roll back the add")
	}
}

func TestController_TreeIsReadOnlyAfterModel(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	pattern := engine.NewAddress("subsystem", "sneaky")
	_ = c.Register(&Registration{
		Pattern: pattern,
		Schema:  model.NewSchema("sneaky", model.AttributeDefinition{Name: "x", Type: model.TypeInt}),
		Verify: func(oc *OperationContext, op engine.Operation) error {
			_, err := oc.WriteAttribute(op.Address, "x", 1)
			return err
		},
	})

	_, err := c.Execute(context.Background(), engine.NewAddOperation(pattern, nil))
	if !engine.HasCode(err, engine.ErrCodeStageOrderViolation) {
		t.Fatalf("Expected a write in VERIFY to be refused, got: %v", err)
	}
}

func TestController_AllServicesMarksReloadRequired(t *testing.T) {
	c, log := newTestController(t, engine.ProcessServer)
	mustExecute(t, c, engine.NewAddOperation(transactionsAddr, nil), engine.NewAddOperation(lraAddr, nil))
	log.reset()

	result := mustExecute(t, c, engine.NewWriteAttributeOperation(lraAddr, "server", "other-server"))
	if !result.ReloadRequired {
		t.Errorf("Expected reload-required")
	}
	if got := log.snapshot(); len(got) != 0 {
		t.Errorf("Expected services untouched, got %v", got)
	}

	// Writing the same value again changes nothing.
	result = mustExecute(t, c, engine.NewWriteAttributeOperation(lraAddr, "server", "other-server"))
	if result.ReloadRequired {
		t.Errorf("Expected an unchanged value not to require reload")
	}
}

func TestController_ResourceServicesRestart(t *testing.T) {
	c, log := newTestController(t, engine.ProcessServer)
	mustExecute(t, c, addSession("default", "java:/mail"))
	log.reset()

	result := mustExecute(t, c, engine.NewWriteAttributeOperation(sessionAddr("default"), "debug", true))
	if result.ReloadRequired {
		t.Errorf("Expected no reload-required for a resource-services attribute")
	}
	svc := mailSessionCap + ".default"
	want := []string{"stopped:" + svc, "started:" + svc}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestController_DomainProcessSkipsRuntime(t *testing.T) {
	c, log := newTestController(t, engine.ProcessDomain)

	mustExecute(t, c, engine.NewAddOperation(transactionsAddr, nil), engine.NewAddOperation(lraAddr, nil))
	if got := log.snapshot(); len(got) != 0 {
		t.Errorf("Expected no services in a domain process, got %v", got)
	}
	if _, ok := c.Capabilities().Provider(recoveryCap); !ok {
		t.Errorf("Expected capabilities to be registered in a domain process")
	}
	result := mustExecute(t, c, engine.NewWriteAttributeOperation(lraAddr, "server", "x"))
	if result.ReloadRequired {
		t.Errorf("Expected a domain process never to need reload")
	}
}

func TestController_ReadOperations(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	mustExecute(t, c, addSession("a", "java:/a"), addSession("b", "java:/b"))

	result := mustExecute(t, c, engine.NewCustomOperation(mailAddr, engine.OpNameReadResource,
		map[string]interface{}{engine.ParamRecursive: true}))
	want := map[string]interface{}{
		"mail-session": map[string]interface{}{
			"a": map[string]interface{}{"jndi-name": "java:/a", "debug": false},
			"b": map[string]interface{}{"jndi-name": "java:/b", "debug": false},
		},
	}
	if !reflect.DeepEqual(result.Result, want) {
		t.Errorf("Expected %v, got %v", want, result.Result)
	}

	result = mustExecute(t, c, engine.NewCustomOperation(mailAddr, engine.OpNameReadResource, nil))
	shallow := result.Result.(map[string]interface{})["mail-session"].(map[string]interface{})
	if v, ok := shallow["a"]; !ok || v != nil {
		t.Errorf("Expected non-recursive read to list children without models, got %v", shallow)
	}

	result = mustExecute(t, c, engine.NewCustomOperation(sessionAddr("a"), engine.OpNameReadAttribute,
		map[string]interface{}{engine.ParamName: "debug", ParamIncludeDefaults: false}))
	if result.Result != nil {
		t.Errorf("Expected undefined debug without defaults, got %v", result.Result)
	}

	if _, err := c.Execute(context.Background(), engine.NewCustomOperation(sessionAddr("zz"), engine.OpNameReadResource, nil)); !engine.IsNotFound(err) {
		t.Errorf("Expected ResourceNotFound, got: %v", err)
	}
	if _, err := c.Execute(context.Background(), engine.NewCustomOperation(mailAddr, "reticulate", nil)); !engine.HasCode(err, engine.ErrCodeOperationNotSupported) {
		t.Errorf("Expected unsupported operation, got: %v", err)
	}
}

func TestController_CompensationUndoesBatch(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	mustExecute(t, c, addSession("a", "java:/a"))
	before := c.Tree().Snapshot()

	result := mustExecute(t, c,
		addSession("b", "java:/b"),
		engine.NewWriteAttributeOperation(sessionAddr("a"), "jndi-name", "java:/a2"),
		engine.NewWriteAttributeOperation(sessionAddr("a"), "debug", true),
		engine.NewRemoveOperation(sessionAddr("a")),
	)
	if len(result.Compensation) == 0 {
		t.Fatal("Expected compensation operations")
	}

	mustExecute(t, c, result.Compensation...)
	if !reflect.DeepEqual(before, c.Tree().Snapshot()) {
		t.Errorf("Expected compensation to restore %v, got %v", before, c.Tree().Snapshot())
	}
}

func TestController_ConcurrentDisjointBatches(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("s%d", i)
			if _, err := c.Execute(context.Background(), addSession(name, "java:/"+name)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Expected concurrent add to succeed, got: %v", err)
	}

	if got := len(c.Tree().Query(sessionAddr(engine.Wildcard))); got != n {
		t.Errorf("Expected %d sessions, got %d", n, got)
	}
	if c.locks.Held() != 0 {
		t.Errorf("Expected every lock released, %d held", c.locks.Held())
	}
}

type denyAll struct{}

func (denyAll) Authorize(_ context.Context, op engine.Operation) error {
	return engine.NewPermanentError("denied by policy", nil).WithCode(engine.ErrCodeUnauthorized).WithAddress(op.Address)
}

func TestController_AuthorizerDenies(t *testing.T) {
	c := NewController(Options{Authorizer: denyAll{}, Logger: zerolog.Nop()})
	_ = c.Register(&Registration{Pattern: mailAddr, Schema: model.NewSchema("mail")})

	result, err := c.Execute(context.Background(), engine.NewAddOperation(mailAddr, nil))
	if !engine.HasCode(err, engine.ErrCodeUnauthorized) {
		t.Fatalf("Expected Unauthorized, got: %v", err)
	}
	if result == nil || result.Err() != err {
		t.Errorf("Expected the result to carry the returned error")
	}
	if c.Tree().Exists(mailAddr) {
		t.Errorf("Expected nothing to be created")
	}
}

func TestController_CancelledContext(t *testing.T) {
	c, _ := newTestController(t, engine.ProcessServer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Execute(ctx, addSession("a", "java:/a"))
	if err == nil {
		t.Fatal("Expected a cancelled batch to fail")
	}
	if c.Tree().Exists(sessionAddr("a")) {
		t.Errorf("Expected nothing to be created")
	}
}
