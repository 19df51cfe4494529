package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistryCancelUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 3; i++ {
		if r.Cancel("missing") {
			t.Fatal("expected Cancel to report nothing to cancel")
		}
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryCancelSignalsAndRemoves(t *testing.T) {
	r := NewRegistry()
	h := r.Register(context.Background(), "chat-1")

	if !r.Cancel("chat-1") {
		t.Fatal("expected Cancel to find the handle")
	}
	if !h.Signaled() {
		t.Fatal("expected handle to be signalled")
	}
	if !errors.Is(h.Cause(), ErrStopped) {
		t.Fatalf("expected ErrStopped cause, got %v", h.Cause())
	}
	if r.Active("chat-1") {
		t.Fatal("expected handle to be removed")
	}
	if r.Cancel("chat-1") {
		t.Fatal("expected second Cancel to be a no-op")
	}
}

func TestRegistryRegisterSupersedesPrevious(t *testing.T) {
	r := NewRegistry()
	first := r.Register(context.Background(), "chat-1")
	second := r.Register(context.Background(), "chat-1")

	if !first.Signaled() || !errors.Is(first.Cause(), ErrSuperseded) {
		t.Fatalf("expected first handle superseded, cause=%v", first.Cause())
	}
	if second.Signaled() {
		t.Fatal("new handle must not be signalled")
	}

	// A late release of the old turn keeps the new one registered.
	r.Release("chat-1", first)
	if !r.Active("chat-1") {
		t.Fatal("expected new handle to survive release of the old one")
	}

	r.Release("chat-1", second)
	r.Release("chat-1", second)
	if r.Active("chat-1") || r.Len() != 0 {
		t.Fatal("expected registry to be empty after release")
	}
	if second.Signaled() {
		t.Fatal("release must not mark the handle as signalled")
	}
	if second.Context().Err() == nil {
		t.Fatal("release must free the handle context")
	}
}

func TestRegistryHandleFollowsParent(t *testing.T) {
	r := NewRegistry()
	parent, cancel := context.WithCancel(context.Background())
	h := r.Register(parent, "chat-1")

	cancel()
	<-h.Context().Done()
	if h.Signaled() {
		t.Fatal("parent cancellation is not a client stop")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := r.Register(context.Background(), "chat-1")
			r.Release("chat-1", h)
		}()
		go func() {
			defer wg.Done()
			r.Cancel("chat-1")
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}
