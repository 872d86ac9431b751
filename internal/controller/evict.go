package controller

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/metrics"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
)

// Evict drives an instance through EVICTING -> EVICTED, used when upstream
// capacity management decides to reclaim the node out from under an
// instance rather than as a result of the instance's own failure. Unlike
// TryExitInstance, eviction never transitions through EXITING/EXITED:
// EVICTED is its own terminal state so callers can distinguish a voluntary
// exit from a capacity reclaim.
//
// Evict is idempotent: an absent or already-terminal instance reports
// success. A CREATING instance is waited to RUNNING (or a terminal state)
// before shutdown is requested; an EXITING instance's in-flight exit
// satisfies the eviction once it completes.
func (c *Controller) Evict(ctx context.Context, instanceID, reason string) error {
	entry, ok := c.cv.GetInstance(instanceID)
	if !ok {
		return nil
	}
	sm := entry.SM
	if sm.GetOwner() != c.cfg.OwnerProxyID {
		// A mirror of a peer-owned instance: nothing occupies this node, so
		// there is nothing to vacate here.
		return nil
	}
	log := logging.Named("controller").With("instance_id", instanceID)

	switch st := sm.GetInstanceState(); {
	case st.Terminal():
		return nil
	case st == instance.StateExiting:
		_, err := awaitStates(ctx, sm, instance.StateExited, instance.StateFatal)
		return err
	case st == instance.StateCreating:
		st, err := awaitStates(ctx, sm,
			instance.StateRunning, instance.StateExited, instance.StateEvicted, instance.StateFatal)
		if err != nil {
			return err
		}
		if st.Terminal() {
			return nil
		}
	}

	if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateEvicting, Msg: reason}); res.Err != nil {
		return res.Err
	}

	info := sm.GetInstanceInfo()
	if info.RuntimeAddress != "" {
		wc := c.workerFor(info.RuntimeAddress)
		if err := wc.Shutdown(ctx, int(c.cfg.DefaultKillGrace.Seconds())); err != nil {
			log.Warnw("runtime shutdown during eviction failed, proceeding anyway", "err", err)
		}
	}

	// The terminal-cleanup callback registered in Schedule fires from this
	// transition and handles subscriber notification plus control-view
	// teardown.
	if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateEvicted, Msg: reason}); res.Err != nil {
		return res.Err
	}
	metrics.IncInstancesEvicted()
	return nil
}

// awaitSeq distinguishes concurrent waiters' callback keys; re-registering
// an existing key is a no-op, so each waiter needs its own.
var awaitSeq atomic.Int64

// awaitStates blocks until sm enters one of states, returning the state
// reached, or ctx's error if it expires first. Returns immediately if sm is
// already in one of them.
func awaitStates(ctx context.Context, sm *statemachine.StateMachine, states ...instance.State) (instance.State, error) {
	ch := make(chan instance.Instance, 1)
	key := fmt.Sprintf("await_state_%d", awaitSeq.Add(1))
	sm.AddStateChangeCallback(states, func(snap instance.Instance) {
		select {
		case ch <- snap:
		default:
		}
	}, key)

	want := make(map[instance.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	// The state may have landed before the callback registration took
	// effect; the registration alone would then never fire.
	if cur := sm.GetInstanceState(); want[cur] {
		return cur, nil
	}

	select {
	case snap := <-ch:
		return snap.State, nil
	case <-ctx.Done():
		return sm.GetInstanceState(), ctx.Err()
	}
}
