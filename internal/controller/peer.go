package controller

import (
	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
)

// HandlePeerInstanceEvent mirrors a peer-owned instance's persisted record
// into the control view, so kill/subscribe routing on this node sees fresh
// status and ownership without a store read. Locally-owned records are
// skipped outright: this node's own actor is the authority for those, and
// echoing its own writes back into it would fight the pipeline. Wired into
// the observer's watch stream by cmd/functionproxy.
func (c *Controller) HandlePeerInstanceEvent(id string, info instance.Instance, modRev int64, deleted bool) {
	entry, tracked := c.cv.GetInstance(id)
	if tracked && entry.SM.GetOwner() == c.cfg.OwnerProxyID {
		return
	}
	if !deleted && info.OwnerProxyID == c.cfg.OwnerProxyID {
		return
	}

	log := logging.Named("controller").With("instance_id", id)

	if deleted || info.State.Terminal() {
		// The peer finished (or erased) the instance; drop the mirror.
		if tracked {
			c.cv.Delete(id)
			entry.SM.Stop()
		}
		return
	}

	if tracked {
		c.cv.Update(id, info, modRev, false)
		return
	}

	// First sighting of a remotely-owned instance: track a mirror actor so
	// lookups by instance id and request id resolve here. Mirrors only
	// receive UpdateInstanceInfo snapshots; no pipeline on this node ever
	// drives their transitions.
	sm := statemachine.New(c.store, info)
	mirrorID, _, existing := c.cv.NewInstance(sm, info.RequestID, false)
	if existing || mirrorID != id {
		sm.Stop()
		return
	}
	c.cv.Update(id, info, modRev, true)
	log.Debugw("mirroring peer-owned instance", "owner", info.OwnerProxyID, "state", info.State.String())
}
