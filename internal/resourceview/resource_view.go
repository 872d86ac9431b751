// Package resourceview is the in-memory allocation ledger collaborator:
// the controller records an instance's placement when it commits to a node
// and releases it when the instance reaches a terminal state or is torn
// down for a reschedule. The real capacity aggregation built on top of
// this ledger lives outside the control core; this package only owns the
// typed Add/Release surface the controller mutates it through.
package resourceview

import (
	"sync"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

// View is the collaborator contract for the allocation ledger.
type View interface {
	// Add records that instanceID now occupies res on nodeID. Re-adding an
	// instance replaces its previous allocation (a reschedule moves it).
	Add(instanceID, nodeID string, res instance.Resources)

	// Release drops instanceID's allocation. Releasing an unknown instance
	// is a no-op, so compensation paths can call it unconditionally.
	Release(instanceID string)
}

type allocation struct {
	nodeID string
	res    instance.Resources
}

// Ledger is the in-process View implementation.
type Ledger struct {
	mu         sync.Mutex
	byInstance map[string]allocation
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{byInstance: map[string]allocation{}}
}

func (l *Ledger) Add(instanceID, nodeID string, res instance.Resources) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byInstance[instanceID] = allocation{nodeID: nodeID, res: res}
}

func (l *Ledger) Release(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byInstance, instanceID)
}

// NodeUsage sums the resources currently allocated on nodeID.
func (l *Ledger) NodeUsage(nodeID string) instance.Resources {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total instance.Resources
	for _, a := range l.byInstance {
		if a.nodeID != nodeID {
			continue
		}
		total.CPUMilli += a.res.CPUMilli
		total.MemoryMB += a.res.MemoryMB
	}
	return total
}

// Holds reports whether instanceID currently has an allocation recorded.
func (l *Ledger) Holds(instanceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byInstance[instanceID]
	return ok
}
