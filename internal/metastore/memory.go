package metastore

import (
	"context"
	"sync"
)

// Memory is an in-process MetaStore: all state lives behind a single mutex,
// and subscribers receive a broadcast on every committed change. It's the
// store used by unit tests and by single-node deployments that don't need
// cross-node durability.
type Memory struct {
	mu            sync.Mutex
	data          map[string]KV
	nextRevision  int64
	subscriptions map[chan WatchEvent]subscription
}

type subscription struct {
	key    string
	prefix bool
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:          map[string]KV{},
		subscriptions: map[chan WatchEvent]subscription{},
	}
}

func (m *Memory) Get(_ context.Context, key string) (KV, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.data[key]
	return kv, ok, nil
}

func (m *Memory) Commit(_ context.Context, compares []Compare, ops []Op) (TxnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range compares {
		kv, ok := m.data[c.Key]
		if c.ExpectedModRevision == 0 {
			if ok {
				return TxnResult{Succeeded: false}, nil
			}
			continue
		}
		if !ok || kv.ModRevision != c.ExpectedModRevision {
			return TxnResult{Succeeded: false}, nil
		}
	}

	result := TxnResult{Succeeded: true, ModRevisions: map[string]int64{}}
	var events []WatchEvent
	for _, op := range ops {
		m.nextRevision++
		if op.Delete {
			delete(m.data, op.Key)
			events = append(events, WatchEvent{Key: op.Key, ModRevision: m.nextRevision, Deleted: true})
			continue
		}
		m.data[op.Key] = KV{Key: op.Key, Value: op.Value, ModRevision: m.nextRevision}
		result.ModRevisions[op.Key] = m.nextRevision
		events = append(events, WatchEvent{Key: op.Key, Value: op.Value, ModRevision: m.nextRevision})
	}

	m.broadcastLocked(events)
	return result, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.nextRevision++
	m.broadcastLocked([]WatchEvent{{Key: key, ModRevision: m.nextRevision, Deleted: true}})
	return nil
}

func (m *Memory) broadcastLocked(events []WatchEvent) {
	for _, ev := range events {
		for c, sub := range m.subscriptions {
			if sub.prefix {
				if len(ev.Key) < len(sub.key) || ev.Key[:len(sub.key)] != sub.key {
					continue
				}
			} else if ev.Key != sub.key {
				continue
			}
			select {
			case c <- ev:
			default:
				// Slow watcher; drop rather than block the committing
				// writer.
			}
		}
	}
}

func (m *Memory) Watch(ctx context.Context, key string, prefix bool, cb func(WatchEvent)) error {
	c := make(chan WatchEvent, 16)
	m.mu.Lock()
	m.subscriptions[c] = subscription{key: key, prefix: prefix}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subscriptions, c)
		m.mu.Unlock()
	}()

	for {
		select {
		case ev := <-c:
			cb(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
