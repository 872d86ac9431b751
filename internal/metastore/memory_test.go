package metastore

import (
	"context"
	"testing"
	"time"
)

func TestCommitPutThenGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res, err := m.Commit(ctx, nil, []Op{{Key: "/instance/a", Value: []byte("v1")}})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !res.Succeeded {
		t.Fatal("expected first put to succeed")
	}

	kv, ok, err := m.Get(ctx, "/instance/a")
	if err != nil || !ok {
		t.Fatalf("expected to find the key, ok=%v err=%v", ok, err)
	}
	if string(kv.Value) != "v1" {
		t.Fatalf("expected v1, got %s", kv.Value)
	}
}

func TestCommitCompareMismatchFailsWithoutApplying(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Commit(ctx, nil, []Op{{Key: "/instance/a", Value: []byte("v1")}})
	kv, _, _ := m.Get(ctx, "/instance/a")

	res, err := m.Commit(ctx, []Compare{{Key: "/instance/a", ExpectedModRevision: kv.ModRevision + 99}},
		[]Op{{Key: "/instance/a", Value: []byte("v2")}})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if res.Succeeded {
		t.Fatal("expected compare mismatch to fail the transaction")
	}

	after, _, _ := m.Get(ctx, "/instance/a")
	if string(after.Value) != "v1" {
		t.Fatalf("expected value to remain v1 after failed CAS, got %s", after.Value)
	}
}

func TestCommitCompareZeroAssertsAbsence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res, err := m.Commit(ctx, []Compare{{Key: "/instance/a", ExpectedModRevision: 0}}, []Op{{Key: "/instance/a", Value: []byte("v1")}})
	if err != nil || !res.Succeeded {
		t.Fatalf("expected first creation to succeed, err=%v succeeded=%v", err, res.Succeeded)
	}

	res2, err := m.Commit(ctx, []Compare{{Key: "/instance/a", ExpectedModRevision: 0}}, []Op{{Key: "/instance/a", Value: []byte("v2")}})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if res2.Succeeded {
		t.Fatal("expected the second absence-assertion to fail since the key now exists")
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Commit(ctx, nil, []Op{{Key: "/instance/a", Value: []byte("v1")}})

	if err := m.Delete(ctx, "/instance/a"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if _, ok, _ := m.Get(ctx, "/instance/a"); ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestWatchDeliversPrefixedEvents(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan WatchEvent, 4)
	go m.Watch(ctx, InstanceKeyPrefix, true, func(ev WatchEvent) { events <- ev })

	// Give the watch goroutine a moment to register before committing.
	time.Sleep(10 * time.Millisecond)
	m.Commit(context.Background(), nil, []Op{{Key: InstanceKey("x"), Value: []byte("v1")}})
	m.Commit(context.Background(), nil, []Op{{Key: RouteKey("x"), Value: []byte("ignored")}})

	select {
	case ev := <-events:
		if ev.Key != InstanceKey("x") {
			t.Fatalf("expected only the instance-prefixed key to be delivered, got %s", ev.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}

	select {
	case ev := <-events:
		t.Fatalf("did not expect a route-key event on an instance-prefix watch, got %s", ev.Key)
	case <-time.After(50 * time.Millisecond):
	}
}
