package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/domain"
)

const extraServer = `
  - name: server-three
    host: h1
    group: main-group
`

func TestTopologyWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "topology.yaml", topologyYAML)
	topo, err := LoadTopology(path)
	if err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	w := NewTopologyWatcher(path, topo, zerolog.Nop())
	w.OnReload = func(*domain.Topology) { reloads.Add(1) }

	// A broken file keeps the previous topology.
	writeFile(t, dir, "topology.yaml", "servers: [\n")
	w.Reload()
	if len(topo.Servers()) != 2 || reloads.Load() != 0 {
		t.Errorf("broken file changed the topology: %d servers", len(topo.Servers()))
	}

	writeFile(t, dir, "topology.yaml", topologyYAML)
	w.Reload()
	if reloads.Load() != 1 {
		t.Errorf("expected one reload, got %d", reloads.Load())
	}
}

func TestTopologyWatcher_WatchesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "topology.yaml", topologyYAML)
	topo, err := LoadTopology(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewTopologyWatcher(path, topo, zerolog.Nop())
	w.delay = 10 * time.Millisecond
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	// Unrelated files in the directory are ignored.
	writeFile(t, dir, "other.yaml", "hosts: []\n")

	// Append a server to the servers list, which comes first in the file.
	updated := "servers:" + extraServer + topologyYAML[len("\nservers:"):]
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := topo.Server("h1/server-three"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("topology was not reloaded after the file changed")
}
