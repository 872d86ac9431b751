package observer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/metastore"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestRunIndexesPutInstances(t *testing.T) {
	store := metastore.NewMemory()
	obs := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)
	// Give the watch goroutine a moment to register before committing.
	time.Sleep(10 * time.Millisecond)

	inst := instance.Instance{InstanceID: "inst-1", OwnerProxyID: "proxy-1", State: instance.StateRunning}
	buf, _ := json.Marshal(inst)
	store.Commit(context.Background(), nil, []metastore.Op{{Key: metastore.InstanceKey("inst-1"), Value: buf}})

	waitFor(t, time.Second, func() bool {
		_, ok := obs.Get("inst-1")
		return ok
	})

	got, ok := obs.Get("inst-1")
	if !ok || got.OwnerProxyID != "proxy-1" {
		t.Fatalf("expected to index the committed instance, got %+v ok=%v", got, ok)
	}
}

func TestLocalInstancesFiltersByOwner(t *testing.T) {
	store := metastore.NewMemory()
	obs := New(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)
	// Give the watch goroutine a moment to register before committing.
	time.Sleep(10 * time.Millisecond)

	mine, _ := json.Marshal(instance.Instance{InstanceID: "a", OwnerProxyID: "proxy-1"})
	theirs, _ := json.Marshal(instance.Instance{InstanceID: "b", OwnerProxyID: "proxy-2"})
	store.Commit(context.Background(), nil, []metastore.Op{{Key: metastore.InstanceKey("a"), Value: mine}})
	store.Commit(context.Background(), nil, []metastore.Op{{Key: metastore.InstanceKey("b"), Value: theirs}})

	waitFor(t, time.Second, func() bool {
		_, aOK := obs.Get("a")
		_, bOK := obs.Get("b")
		return aOK && bOK
	})

	local := obs.LocalInstances("proxy-1")
	if len(local) != 1 || local[0].InstanceID != "a" {
		t.Fatalf("expected only proxy-1's instance, got %+v", local)
	}
}

func TestRunRemovesDeletedInstances(t *testing.T) {
	store := metastore.NewMemory()
	obs := New(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go obs.Run(ctx)
	// Give the watch goroutine a moment to register before committing.
	time.Sleep(10 * time.Millisecond)

	buf, _ := json.Marshal(instance.Instance{InstanceID: "gone", OwnerProxyID: "proxy-1"})
	store.Commit(context.Background(), nil, []metastore.Op{{Key: metastore.InstanceKey("gone"), Value: buf}})
	waitFor(t, time.Second, func() bool {
		_, ok := obs.Get("gone")
		return ok
	})

	store.Delete(context.Background(), metastore.InstanceKey("gone"))
	waitFor(t, time.Second, func() bool {
		_, ok := obs.Get("gone")
		return !ok
	})
}
