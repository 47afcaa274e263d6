package capability

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

type lifecycleLog struct {
	events []string
}

func (l *lifecycleLog) observe(e LifecycleEvent) {
	l.events = append(l.events, string(e.Kind)+":"+e.Service)
}

func (l *lifecycleLog) reset() { l.events = nil }

func newTestRegistry(t *testing.T) (*Registry, *lifecycleLog) {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	log := &lifecycleLog{}
	r.SetObserver(log.observe)
	return r, log
}

func owner(name string) engine.Address {
	return engine.NewAddress("subsystem", name)
}

// provideAndInstall provides a capability and installs its service.
func provideAndInstall(t *testing.T, txn *Txn, name string, mode ActivationMode, requires ...string) {
	t.Helper()
	if err := txn.Provide(name, owner(name)); err != nil {
		t.Fatalf("Expected provide of %s to succeed, got: %v", name, err)
	}
	inst := &Installer{
		Capability: name,
		Requires:   requires,
		Mode:       mode,
		Owner:      owner(name),
		Start: func(ctx context.Context, deps Dependencies) (interface{}, error) {
			return name + "-value", nil
		},
	}
	if err := txn.Install(inst); err != nil {
		t.Fatalf("Expected install of %s to succeed, got: %v", name, err)
	}
}

func TestRegistry_StartOrderFollowsRequirements(t *testing.T) {
	r, log := newTestRegistry(t)
	ctx := context.Background()
	txn := r.Begin()

	// Installed in reverse of dependency order.
	provideAndInstall(t, txn, "c", ModeActive, "b")
	provideAndInstall(t, txn, "b", ModeActive, "a")
	provideAndInstall(t, txn, "a", ModeActive)

	if err := txn.Reconcile(ctx); err != nil {
		t.Fatalf("Expected reconcile to succeed, got: %v", err)
	}
	txn.Commit()

	want := []string{"started:a", "started:b", "started:c"}
	if !reflect.DeepEqual(log.events, want) {
		t.Errorf("Expected start order %v, got %v", want, log.events)
	}
	if got := r.Running(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Expected running [a b c], got %v", got)
	}
}

func TestRegistry_StopStopsDependentsFirst(t *testing.T) {
	r, log := newTestRegistry(t)
	ctx := context.Background()
	txn := r.Begin()
	provideAndInstall(t, txn, "a", ModeActive)
	provideAndInstall(t, txn, "b", ModeActive, "a")
	provideAndInstall(t, txn, "c", ModeActive, "b")
	if err := txn.Reconcile(ctx); err != nil {
		t.Fatalf("Expected reconcile to succeed, got: %v", err)
	}
	txn.Commit()
	log.reset()

	stop := r.Begin()
	stop.Stop(ctx, "a")
	stop.Commit()

	want := []string{"stopped:c", "stopped:b", "stopped:a"}
	if !reflect.DeepEqual(log.events, want) {
		t.Errorf("Expected stop order %v, got %v", want, log.events)
	}
	if len(r.Running()) != 0 {
		t.Errorf("Expected nothing running, got %v", r.Running())
	}
}

func TestRegistry_TiesBrokenByInstallOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	txn := r.Begin()
	for _, name := range []string{"x", "y", "z"} {
		provideAndInstall(t, txn, name, ModeActive)
	}
	provideAndInstall(t, txn, "w", ModeActive, "z")
	txn.Commit()

	want := []string{"x", "y", "z", "w"}
	if got := r.StartOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected start order %v, got %v", want, got)
	}
}

func TestRegistry_CycleRejectedAtInstall(t *testing.T) {
	r, _ := newTestRegistry(t)
	txn := r.Begin()
	provideAndInstall(t, txn, "a", ModeActive, "b")
	if err := txn.Provide("b", owner("b")); err != nil {
		t.Fatalf("Expected provide to succeed, got: %v", err)
	}

	err := txn.Install(&Installer{Capability: "b", Requires: []string{"a"}})
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !engine.IsCapabilityCycle(err) {
		t.Errorf("Expected CapabilityCycle, got: %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") && !strings.Contains(err.Error(), "b -> a -> b") {
		t.Errorf("Expected cycle path in message, got: %v", err)
	}
	if got := r.StartOrder(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Expected graph unchanged, got %v", got)
	}
}

func TestRegistry_PassiveServiceFollowsDependents(t *testing.T) {
	r, log := newTestRegistry(t)
	ctx := context.Background()
	txn := r.Begin()
	provideAndInstall(t, txn, "pool", ModePassive)
	provideAndInstall(t, txn, "d1", ModeActive, "pool")
	provideAndInstall(t, txn, "d2", ModeActive, "pool")
	if err := txn.Reconcile(ctx); err != nil {
		t.Fatalf("Expected reconcile to succeed, got: %v", err)
	}
	txn.Commit()

	want := []string{"started:pool", "started:d1", "started:d2"}
	if !reflect.DeepEqual(log.events, want) {
		t.Errorf("Expected %v, got %v", want, log.events)
	}

	stop := r.Begin()
	stop.Stop(ctx, "d1")
	if state, _ := r.State("pool"); state != StateUp {
		t.Errorf("Expected pool to stay up while d2 runs, got %s", state)
	}
	stop.Stop(ctx, "d2")
	stop.Commit()
	if state, _ := r.State("pool"); state != StateDown {
		t.Errorf("Expected pool to stop with its last dependent, got %s", state)
	}
}

func TestRegistry_PassiveServiceWithoutDependentsStaysDown(t *testing.T) {
	r, _ := newTestRegistry(t)
	txn := r.Begin()
	provideAndInstall(t, txn, "lazy", ModeOnDemand)
	if err := txn.Reconcile(context.Background()); err != nil {
		t.Fatalf("Expected reconcile to succeed, got: %v", err)
	}
	txn.Commit()

	if state, _ := r.State("lazy"); state != StateDown {
		t.Errorf("Expected on-demand service to stay down, got %s", state)
	}
}

func TestRegistry_ResolveDependencyValue(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	txn := r.Begin()
	provideAndInstall(t, txn, "registry", ModeActive)

	var seen interface{}
	if err := txn.Provide("consumer", owner("consumer")); err != nil {
		t.Fatal(err)
	}
	err := txn.Install(&Installer{
		Capability: "consumer",
		Requires:   []string{"registry"},
		Start: func(ctx context.Context, deps Dependencies) (interface{}, error) {
			seen = deps.Get("registry")
			return 42, nil
		},
	})
	if err != nil {
		t.Fatalf("Expected install to succeed, got: %v", err)
	}
	if err := txn.Reconcile(ctx); err != nil {
		t.Fatalf("Expected reconcile to succeed, got: %v", err)
	}
	txn.Commit()

	if seen != "registry-value" {
		t.Errorf("Expected dependency value registry-value, got %v", seen)
	}
	n, err := ResolveAs[int](r, "consumer")
	if err != nil || n != 42 {
		t.Errorf("Expected 42, got %v (%v)", n, err)
	}
	if _, err := ResolveAs[string](r, "consumer"); !engine.IsValidation(err) {
		t.Errorf("Expected type mismatch to be a validation error, got: %v", err)
	}
}

func TestRegistry_UnresolvedRequirement(t *testing.T) {
	r, _ := newTestRegistry(t)
	txn := r.Begin()

	if _, err := txn.Require("org.example.missing", "consumer"); !engine.IsValidation(err) {
		t.Errorf("Expected validation error for unprovided capability, got: %v", err)
	}
	if _, err := r.ResolveName("org.example.missing"); !engine.IsCapabilityUnresolved(err) {
		t.Errorf("Expected CapabilityUnresolved, got: %v", err)
	}
	txn.Rollback(context.Background())
}

func TestRegistry_ProvideConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	txn := r.Begin()
	if err := txn.Provide("shared", owner("one")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Provide("shared", owner("one")); err != nil {
		t.Errorf("Expected re-provide by same owner to be a no-op, got: %v", err)
	}
	err := txn.Provide("shared", owner("two"))
	if !engine.HasCode(err, engine.ErrCodeCapabilityConflict) {
		t.Errorf("Expected capability conflict, got: %v", err)
	}
	txn.Commit()
}

func TestRegistry_DependentsTrackRequirements(t *testing.T) {
	r, _ := newTestRegistry(t)
	txn := r.Begin()
	if err := txn.Provide("base", owner("base")); err != nil {
		t.Fatal(err)
	}
	h, err := txn.Require("base", "user")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Dependents("base"); !reflect.DeepEqual(got, []string{"user"}) {
		t.Errorf("Expected dependents [user], got %v", got)
	}
	txn.Release(h)
	if got := r.Dependents("base"); len(got) != 0 {
		t.Errorf("Expected no dependents after release, got %v", got)
	}
	if err := txn.Withdraw("base", owner("base")); err != nil {
		t.Errorf("Expected withdraw after release to succeed, got: %v", err)
	}
	txn.Commit()
	if _, ok := r.Provider("base"); ok {
		t.Error("Expected base to be withdrawn")
	}
}

func TestRegistry_StartFailureReported(t *testing.T) {
	r, log := newTestRegistry(t)
	txn := r.Begin()
	provideAndInstall(t, txn, "dep", ModePassive)
	if err := txn.Provide("broken", owner("broken")); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("port in use")
	err := txn.Install(&Installer{
		Capability: "broken",
		Requires:   []string{"dep"},
		Start: func(ctx context.Context, deps Dependencies) (interface{}, error) {
			return nil, boom
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	err = txn.Reconcile(context.Background())
	if !engine.HasCode(err, engine.ErrCodeServiceStartFailed) {
		t.Fatalf("Expected service start failure, got: %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected cause to be wrapped, got: %v", err)
	}
	if state, _ := r.State("dep"); state != StateDown {
		t.Errorf("Expected lazy dependency released after failed start, got %s", state)
	}
	want := []string{"started:dep", "stopped:dep"}
	if !reflect.DeepEqual(log.events, want) {
		t.Errorf("Expected %v, got %v", want, log.events)
	}
	txn.Rollback(context.Background())
}

func TestTxn_RollbackRestoresSnapshot(t *testing.T) {
	r, log := newTestRegistry(t)
	ctx := context.Background()

	base := r.Begin()
	provideAndInstall(t, base, "a", ModeActive)
	provideAndInstall(t, base, "p", ModePassive)
	if err := base.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	base.Commit()
	before := r.Snapshot()
	log.reset()

	txn := r.Begin()
	provideAndInstall(t, txn, "b", ModeActive, "a", "p")
	if _, err := txn.Require("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	txn.Stop(ctx, "a")
	txn.Uninstall(ctx, "a")
	txn.Rollback(ctx)

	after := r.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Expected registry restored after rollback\nbefore: %+v\nafter:  %+v", before, after)
	}
	if got := r.Running(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Expected only a running after rollback, got %v", got)
	}
	if _, err := txn.Require("a", "c"); !errors.Is(err, ErrTxnClosed) {
		t.Errorf("Expected closed transaction error, got: %v", err)
	}
}

func TestRegistry_ToDOT(t *testing.T) {
	r, _ := newTestRegistry(t)
	txn := r.Begin()
	provideAndInstall(t, txn, "a", ModeActive)
	provideAndInstall(t, txn, "b", ModeActive, "a")
	if err := txn.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	txn.Commit()

	dot := r.ToDOT()
	if !strings.Contains(dot, `"a" -> "b"`) {
		t.Errorf("Expected edge a -> b in DOT output:\n%s", dot)
	}
	if !strings.Contains(dot, "lightgreen") {
		t.Errorf("Expected running services to be highlighted:\n%s", dot)
	}
}
