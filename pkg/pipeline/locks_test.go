package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

func TestLockManager_OverlappingSubtreesWait(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	if err := m.Acquire(ctx, "a", []engine.Address{mailAddr}); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := m.Acquire(ctx, "b", []engine.Address{sessionAddr("default")}); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("Expected a lock inside a held subtree to wait")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release("a")
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the waiter to acquire after release")
	}
}

func TestLockManager_DisjointSubtreesProceed(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	if err := m.Acquire(ctx, "a", []engine.Address{sessionAddr("a")}); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(ctx, "b", []engine.Address{sessionAddr("b"), transactionsAddr}); err != nil {
		t.Fatalf("Expected disjoint lock to be granted, got: %v", err)
	}
	if m.Held() != 3 {
		t.Errorf("Expected 3 held locks, got %d", m.Held())
	}
}

func TestLockManager_AcquireTimesOut(t *testing.T) {
	m := NewLockManager()
	if err := m.Acquire(context.Background(), "a", []engine.Address{mailAddr}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, "b", []engine.Address{engine.RootAddress()})
	if !engine.HasCode(err, engine.ErrCodeLockConflict) || !engine.IsConflict(err) {
		t.Errorf("Expected a conflict-class lock error, got: %v", err)
	}
}

func TestLockManager_TryAcquire(t *testing.T) {
	m := NewLockManager()

	if !m.TryAcquire("a", mailAddr) {
		t.Fatal("Expected a free subtree to be granted")
	}
	if !m.TryAcquire("a", sessionAddr("x")) {
		t.Error("Expected a descendant of an owned lock to be granted")
	}
	if m.Held() != 1 {
		t.Errorf("Expected the descendant to reuse the ancestor lock, got %d held", m.Held())
	}
	if m.TryAcquire("b", sessionAddr("y")) {
		t.Error("Expected a lock inside another owner's subtree to be refused")
	}
	if !m.TryAcquire("b", transactionsAddr) {
		t.Error("Expected a disjoint subtree to be granted")
	}

	m.Release("a")
	if !m.TryAcquire("b", sessionAddr("y")) {
		t.Error("Expected the subtree to be free after release")
	}
}
