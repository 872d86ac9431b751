// Package observer watches the meta-store's instance-record keys and
// maintains the node-local instance index the controller and the abnormal
// processor consult, applying one watch event at a time to that index.
package observer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/metastore"
)

// Observer is the collaborator contract the controller and abnormal
// processor use to read a consistent, continuously-updated view of
// instances without each maintaining their own watch.
type Observer interface {
	// LocalInstances returns every instance this Observer has seen that is
	// owned by ownerProxyID.
	LocalInstances(ownerProxyID string) []instance.Instance

	// Get returns the last-seen record for instanceID.
	Get(instanceID string) (instance.Instance, bool)

	// Run starts the watch loop; it blocks until ctx is canceled.
	Run(ctx context.Context) error
}

// MetaObserver is the production Observer, backed by a MetaStore watch over
// the instance-record prefix.
type MetaObserver struct {
	store metastore.MetaStore

	mu      sync.RWMutex
	byID    map[string]instance.Instance
	onEvent func(id string, inst instance.Instance, modRev int64, deleted bool)
}

// New constructs a MetaObserver over store. Call Run to start watching.
func New(store metastore.MetaStore) *MetaObserver {
	return &MetaObserver{store: store, byID: map[string]instance.Instance{}}
}

func (o *MetaObserver) LocalInstances(ownerProxyID string) []instance.Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []instance.Instance
	for _, inst := range o.byID {
		if inst.OwnerProxyID == ownerProxyID {
			out = append(out, inst)
		}
	}
	return out
}

func (o *MetaObserver) Get(instanceID string) (instance.Instance, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	inst, ok := o.byID[instanceID]
	return inst, ok
}

// SetOnEvent registers a callback invoked for every instance-record watch
// event after the local index has been updated. Must be called before Run.
func (o *MetaObserver) SetOnEvent(fn func(id string, inst instance.Instance, modRev int64, deleted bool)) {
	o.onEvent = fn
}

func (o *MetaObserver) Run(ctx context.Context) error {
	log := logging.Named("observer")
	return o.store.Watch(ctx, metastore.InstanceKeyPrefix, true, func(ev metastore.WatchEvent) {
		id := ev.Key[len(metastore.InstanceKeyPrefix):]
		if ev.Deleted {
			o.mu.Lock()
			delete(o.byID, id)
			o.mu.Unlock()
			if o.onEvent != nil {
				o.onEvent(id, instance.Instance{InstanceID: id}, ev.ModRevision, true)
			}
			return
		}
		var inst instance.Instance
		if err := json.Unmarshal(ev.Value, &inst); err != nil {
			log.Warnw("observer: malformed instance record", "instance_id", id, "err", err)
			return
		}
		o.mu.Lock()
		o.byID[id] = inst
		o.mu.Unlock()
		if o.onEvent != nil {
			o.onEvent(id, inst, ev.ModRevision, false)
		}
	})
}
