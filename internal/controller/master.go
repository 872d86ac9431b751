package controller

import (
	"github.com/soundcloud/harpoon/functionproxy/internal/controlview"
	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
)

// masterSeat records which local instance currently holds a function's
// master role and the runtime address subscribers are told about.
type masterSeat struct {
	instanceID string
	address    string
}

// promoteMasterIfVacant seats info's instance as its function's master if
// the seat is empty, announcing the address to every function-master
// subscriber. The first instance of a function to reach RUNNING on this
// node takes the seat; later arrivals are ordinary replicas until the
// master terminates.
func (c *Controller) promoteMasterIfVacant(info instance.Instance) {
	if info.RuntimeAddress == "" {
		return
	}
	c.mastersMu.Lock()
	if _, taken := c.masters[info.Function]; taken {
		c.mastersMu.Unlock()
		return
	}
	c.masters[info.Function] = masterSeat{instanceID: info.InstanceID, address: info.RuntimeAddress}
	c.mastersMu.Unlock()

	logging.Named("controller").Infow("function master seated", "function", info.Function, "instance_id", info.InstanceID)
	c.subMgr.NotifyMasterIPToSubscribers(info.Function, info.RuntimeAddress)
}

// handleMasterTermination vacates the master seat when the seated instance
// terminates and promotes another RUNNING instance of the same function if
// one exists, announcing the change either way. Subscribers receiving an
// empty address know the function currently has no master.
func (c *Controller) handleMasterTermination(info instance.Instance) {
	c.mastersMu.Lock()
	seat, ok := c.masters[info.Function]
	if !ok || seat.instanceID != info.InstanceID {
		c.mastersMu.Unlock()
		return
	}
	delete(c.masters, info.Function)
	c.mastersMu.Unlock()

	replacement := c.findRunningReplica(info.Function, info.InstanceID)
	if replacement.InstanceID == "" {
		c.subMgr.NotifyMasterIPToSubscribers(info.Function, "")
		return
	}

	c.mastersMu.Lock()
	if _, taken := c.masters[info.Function]; taken {
		// Someone else was promoted between the delete and here.
		c.mastersMu.Unlock()
		return
	}
	c.masters[info.Function] = masterSeat{instanceID: replacement.InstanceID, address: replacement.RuntimeAddress}
	c.mastersMu.Unlock()

	logging.Named("controller").Infow("function master reseated", "function", info.Function, "instance_id", replacement.InstanceID)
	c.subMgr.NotifyMasterIPToSubscribers(info.Function, replacement.RuntimeAddress)
}

// findRunningReplica returns another locally-owned RUNNING instance of
// function, or a zero Instance if none exists.
func (c *Controller) findRunningReplica(function, excludeID string) instance.Instance {
	var entries []*controlview.Entry
	c.cv.Each(func(_ string, e *controlview.Entry) {
		entries = append(entries, e)
	})
	for _, e := range entries {
		info := e.SM.GetInstanceInfo()
		if info.InstanceID == excludeID || info.Function != function {
			continue
		}
		if info.OwnerProxyID != c.cfg.OwnerProxyID {
			continue
		}
		if info.State != instance.StateRunning || info.RuntimeAddress == "" {
			continue
		}
		return info
	}
	return instance.Instance{}
}

// MasterIP answers which runtime address currently holds function's master
// role on this node. found is false while the seat is vacant.
func (c *Controller) MasterIP(function string) (addr string, found bool) {
	c.mastersMu.Lock()
	defer c.mastersMu.Unlock()
	seat, ok := c.masters[function]
	return seat.address, ok
}

// deliverCurrentMaster pushes the present master address (if any) to a
// newly-registered function-master subscriber so it doesn't wait for the
// next change to learn the current holder.
func (c *Controller) deliverCurrentMaster(subscriberID, function string) {
	addr, ok := c.MasterIP(function)
	if !ok {
		return
	}
	c.subMgr.NotifyMasterIPTo(subscriberID, function, addr)
}
