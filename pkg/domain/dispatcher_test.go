package domain

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/engine"
	"github.com/domainkernel/domainkernel/pkg/pipeline"
	"github.com/domainkernel/domainkernel/pkg/server"
	"github.com/domainkernel/domainkernel/pkg/subsystems"
)

var mailAddr = engine.NewAddress("subsystem", "mail")

func newServerPipeline(t *testing.T) *pipeline.Controller {
	t.Helper()
	c := pipeline.NewController(pipeline.Options{Logger: zerolog.Nop()})
	if err := subsystems.Register(c, subsystems.All()...); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLocalDispatcher(t *testing.T) {
	d := NewLocalDispatcher()
	c := newServerPipeline(t)
	ref := engine.ServerRef{Name: "a", Host: "h1"}
	d.Add(ref.ID(), c)

	result, err := d.Dispatch(context.Background(), ref, []engine.Operation{engine.NewAddOperation(mailAddr, nil)})
	if err != nil || !result.Succeeded() {
		t.Fatalf("Dispatch() = %+v, %v", result, err)
	}

	// Failed batches come back as results, not errors.
	result, err = d.Dispatch(context.Background(), ref, []engine.Operation{engine.NewAddOperation(mailAddr, nil)})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !engine.IsDuplicate(result.Err()) {
		t.Errorf("expected a duplicate failure, got %v", result.Err())
	}

	d.Remove(ref.ID())
	_, err = d.Dispatch(context.Background(), ref, []engine.Operation{engine.NewAddOperation(mailAddr, nil)})
	if !engine.IsTransient(err) || engine.ErrorCode(err) != engine.ErrCodeDispatchFailed {
		t.Errorf("Dispatch() to a removed server = %v, want a transient dispatch failure", err)
	}
}

// agentDialer serves each dialed connection with an agent for the server.
type agentDialer struct {
	t        *testing.T
	versions map[string]string
	rename   string

	mu    sync.Mutex
	dials map[string]int
}

func (a *agentDialer) Dial(ctx context.Context, s Server) (io.ReadWriteCloser, error) {
	a.mu.Lock()
	if a.dials == nil {
		a.dials = make(map[string]int)
	}
	a.dials[s.ID()]++
	a.mu.Unlock()

	name := s.Name
	if a.rename != "" {
		name = a.rename
	}
	agent, err := server.NewAgent(server.Options{
		Name:          name,
		Host:          s.Host,
		Executor:      newServerPipeline(a.t),
		ModelVersions: a.versions,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		return nil, err
	}
	agentConn, conn := net.Pipe()
	go func() {
		_ = agent.Serve(context.Background(), agentConn)
		_ = agentConn.Close()
	}()
	return conn, nil
}

func (a *agentDialer) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials[id]
}

func TestRemoteDispatcher_Dispatch(t *testing.T) {
	topo := newTestTopology(t)
	dialer := &agentDialer{t: t, versions: map[string]string{"mail": "4.0.0"}}
	d := NewRemoteDispatcher(RemoteOptions{Topology: topo, Dialer: dialer, Logger: zerolog.Nop()})
	defer d.Close()

	s, _ := topo.Server("h1/a")
	ctx := context.Background()

	result, err := d.Dispatch(ctx, s.Ref(), []engine.Operation{engine.NewAddOperation(mailAddr, nil)})
	if err != nil || !result.Succeeded() {
		t.Fatalf("Dispatch() = %+v, %v", result, err)
	}
	result, err = d.Dispatch(ctx, s.Ref(), []engine.Operation{engine.NewAddOperation(mailAddr, nil)})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !engine.IsDuplicate(result.Err()) {
		t.Errorf("expected the second add to fail on the same server, got %v", result.Err())
	}
	if n := dialer.count("h1/a"); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}

	if got, _ := topo.Server("h1/a"); got.ModelVersions["mail"] != "4.0.0" {
		t.Errorf("versions from HELLO were not recorded: %v", got.ModelVersions)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dispatch(ctx, s.Ref(), []engine.Operation{engine.NewAddOperation(mailAddr, nil)}); err != nil {
		t.Fatalf("Dispatch() after Close() error = %v", err)
	}
	if n := dialer.count("h1/a"); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestRemoteDispatcher_Connect(t *testing.T) {
	topo := newTestTopology(t)
	dialer := &agentDialer{t: t, versions: map[string]string{"mail": "4.0.0"}}
	d := NewRemoteDispatcher(RemoteOptions{Topology: topo, Dialer: dialer, Logger: zerolog.Nop()})
	defer d.Close()

	refs, _ := topo.ServerGroup("main-group")
	d.Connect(context.Background(), refs)

	for _, ref := range refs {
		s, _ := topo.Server(ref.ID())
		if s.ModelVersions["mail"] != "4.0.0" {
			t.Errorf("%s versions = %v", ref.ID(), s.ModelVersions)
		}
		if dialer.count(ref.ID()) != 1 {
			t.Errorf("%s dialed %d times", ref.ID(), dialer.count(ref.ID()))
		}
	}
}

func TestRemoteDispatcher_Unreachable(t *testing.T) {
	topo := newTestTopology(t)
	ctx := context.Background()
	ops := []engine.Operation{engine.NewAddOperation(mailAddr, nil)}

	t.Run("wrong server", func(t *testing.T) {
		d := NewRemoteDispatcher(RemoteOptions{
			Topology: topo,
			Dialer:   &agentDialer{t: t, rename: "impostor"},
			Logger:   zerolog.Nop(),
		})
		defer d.Close()
		s, _ := topo.Server("h1/a")
		_, err := d.Dispatch(ctx, s.Ref(), ops)
		if !engine.IsTransient(err) || engine.ErrorCode(err) != engine.ErrCodeDispatchFailed {
			t.Errorf("Dispatch() = %v, want a transient dispatch failure", err)
		}
	})

	t.Run("not in topology", func(t *testing.T) {
		d := NewRemoteDispatcher(RemoteOptions{Topology: topo, Dialer: &agentDialer{t: t}, Logger: zerolog.Nop()})
		defer d.Close()
		_, err := d.Dispatch(ctx, engine.ServerRef{Name: "z", Host: "h9"}, ops)
		if engine.ErrorCode(err) != engine.ErrCodeDispatchFailed {
			t.Errorf("Dispatch() = %v, want a dispatch failure", err)
		}
	})

	t.Run("no agent address", func(t *testing.T) {
		d := NewRemoteDispatcher(RemoteOptions{Topology: topo, Logger: zerolog.Nop()})
		defer d.Close()
		s, _ := topo.Server("h1/a")
		if _, err := d.Dispatch(ctx, s.Ref(), ops); engine.ErrorCode(err) != engine.ErrCodeDispatchFailed {
			t.Errorf("Dispatch() = %v, want a dispatch failure", err)
		}
	})
}
