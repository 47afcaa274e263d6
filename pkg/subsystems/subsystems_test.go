package subsystems

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/capability"
	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/transform"
)

var (
	transactionsAddr = engine.NewAddress("subsystem", "transactions")
	lraAddr          = engine.NewAddress("subsystem", "microprofile-lra-coordinator")
	mailAddr         = engine.NewAddress("subsystem", "mail")
	sessionAddr      = mailAddr.Append(engine.Elem("mail-session", "default"))
)

func newServer(t *testing.T, processType engine.ProcessType) *pipeline.Controller {
	t.Helper()
	c := pipeline.NewController(pipeline.Options{ProcessType: processType, Logger: zerolog.Nop()})
	if err := Register(c, All()...); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return c
}

func bootstrap() []engine.Operation {
	return []engine.Operation{
		engine.NewAddOperation(transactionsAddr, nil),
		engine.NewAddOperation(lraAddr, nil),
		engine.NewAddOperation(mailAddr, nil),
		engine.NewAddOperation(sessionAddr, map[string]interface{}{"jndi-name": "java:jboss/mail/Default"}),
	}
}

func TestSubsystems_StartServices(t *testing.T) {
	c := newServer(t, engine.ProcessServer)
	ctx := context.Background()

	if _, err := c.ExecuteBatch(ctx, bootstrap()); err != nil {
		t.Fatalf("ExecuteBatch() error = %v", err)
	}

	coord, err := capability.ResolveAs[*Coordinator](c.Capabilities(), LRACoordinatorCapability)
	if err != nil {
		t.Fatalf("coordinator did not resolve: %v", err)
	}
	if coord.Server != defaultLRAServer || coord.Host != defaultLRAHost {
		t.Errorf("coordinator = %+v, want defaults", coord)
	}
	if got := coord.Endpoint(); got != "default-server/default-host/lra-coordinator" {
		t.Errorf("Endpoint() = %s", got)
	}

	registry, err := capability.ResolveAs[*RecoveryRegistry](c.Capabilities(), RecoveryRegistryCapability)
	if err != nil {
		t.Fatalf("recovery registry did not resolve: %v", err)
	}
	if got := registry.Resources(); len(got) != 1 || got[0] != LRACoordinatorCapability {
		t.Errorf("recovery participants = %v", got)
	}

	session, err := capability.ResolveAs[*MailSession](c.Capabilities(), capability.FullName(MailSessionCapability, true, "default"))
	if err != nil {
		t.Fatalf("mail session did not resolve: %v", err)
	}
	if session.JNDIName != "java:jboss/mail/Default" || session.Debug {
		t.Errorf("session = %+v", session)
	}
}

func TestSubsystems_CoordinatorRequiresTransactions(t *testing.T) {
	c := newServer(t, engine.ProcessServer)

	_, err := c.Execute(context.Background(), engine.NewAddOperation(lraAddr, nil))
	if !engine.IsCapabilityUnresolved(err) {
		t.Fatalf("Execute() error = %v, want capability unresolved", err)
	}
	if c.Tree().Exists(lraAddr) {
		t.Error("failed add must not leave the resource behind")
	}
}

func TestSubsystems_AllServicesMarksReload(t *testing.T) {
	c := newServer(t, engine.ProcessServer)
	ctx := context.Background()
	if _, err := c.ExecuteBatch(ctx, bootstrap()); err != nil {
		t.Fatal(err)
	}

	result, err := c.Execute(ctx, engine.NewWriteAttributeOperation(lraAddr, "host", "other-host"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.ReloadRequired {
		t.Error("changing host should require a reload")
	}
	coord, err := capability.ResolveAs[*Coordinator](c.Capabilities(), LRACoordinatorCapability)
	if err != nil {
		t.Fatal(err)
	}
	if coord.Host != defaultLRAHost {
		t.Errorf("running coordinator host = %s, want it untouched until reload", coord.Host)
	}
}

func TestSubsystems_DomainProcessSkipsServices(t *testing.T) {
	c := newServer(t, engine.ProcessDomain)

	// The coordinator's recovery requirement still has to resolve in the model.
	if _, err := c.ExecuteBatch(context.Background(), bootstrap()); err != nil {
		t.Fatalf("ExecuteBatch() error = %v", err)
	}
	if running := c.Capabilities().Running(); len(running) != 0 {
		t.Errorf("domain process started services: %v", running)
	}
}

func TestMail_Transformers(t *testing.T) {
	mail := &Mail{}
	r := transform.NewRegistry(zerolog.Nop())
	RegisterTransformers(r, All()...)

	if got := r.Subsystems(); len(got) != 1 || got[0] != "mail" {
		t.Fatalf("Subsystems() = %v, want only mail", got)
	}

	op := engine.NewAddOperation(sessionAddr, map[string]interface{}{
		"jndi-name": "java:/mail",
		"test":      true,
	})
	out, err := r.TransformOperation(op, map[string]string{"mail": "4.0.0"})
	if err != nil {
		t.Fatalf("TransformOperation() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d operations, want 1", len(out))
	}
	if _, ok := out[0].Parameters["test"]; ok {
		t.Error("test should be discarded for 4.0.0")
	}
	if out[0].Parameters["jndi-name"] != "java:/mail" {
		t.Errorf("jndi-name lost: %v", out[0].Parameters)
	}

	current, err := r.TransformOperation(op, Versions(mail))
	if err != nil {
		t.Fatal(err)
	}
	if current[0].Parameters["test"] != true {
		t.Error("a current peer must receive the operation unchanged")
	}
}

func TestSelect(t *testing.T) {
	all, err := Select(nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("Select(nil) = %d, %v", len(all), err)
	}
	subs, err := Select([]string{"mail"})
	if err != nil || len(subs) != 1 || subs[0].Name() != "mail" {
		t.Fatalf("Select(mail) = %v, %v", subs, err)
	}
	if _, err := Select([]string{"jgroups"}); err == nil {
		t.Error("expected an error for an unknown subsystem")
	}
	if got := Names(All()...); len(got) != 3 || got[0] != "mail" {
		t.Errorf("Names() = %v", got)
	}
	if v := Versions(All()...); v["mail"] != "5.0.0" || v["transactions"] != "6.0.0" {
		t.Errorf("Versions() = %v", v)
	}
}
