package controller

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/soundcloud/harpoon/functionproxy/internal/controlview"
	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
)

// Kill routes a signal to instanceID. If the instance is owned by a peer
// node (a mirror entry, or one only the observer's index knows), the
// request is forwarded rather than applied locally.
func (c *Controller) Kill(ctx context.Context, instanceID string, sig Signal, sync bool) error {
	entry, ok := c.cv.GetInstance(instanceID)
	if !ok {
		inst, found := c.observer.Get(instanceID)
		if !found {
			return instance.ErrInstanceNotFound
		}
		if inst.OwnerProxyID == c.cfg.OwnerProxyID {
			return instance.ErrInstanceNotFound // stale local index; caller should retry
		}
		return c.forwardKill(ctx, inst, sig)
	}

	info := entry.SM.GetInstanceInfo()
	if info.OwnerProxyID != c.cfg.OwnerProxyID {
		return c.forwardKill(ctx, info, sig)
	}

	switch {
	case sig.IsUserDefined():
		return c.deliverUserSignal(ctx, entry.SM, sig)
	case sig == SignalShutDown, sig == SignalShutDownSync, sig == SignalAppStop:
		return c.shutDownInstance(ctx, entry.SM, sig == SignalShutDownSync || sync)
	case sig == SignalGroupExit:
		// A group exit tears the instance down unconditionally rather than
		// giving it a graceful shutdown window: the group is exiting
		// together because one member already failed, so every sibling
		// goes straight to FATAL.
		res := entry.SM.TransitionTo(statemachine.TransitionRequest{
			NewState: instance.StateFatal,
			ErrCode:  instance.ErrGroupExitTogether,
			Msg:      "group exit",
		})
		return res.Err
	case sig == SignalShutDownAll, sig == SignalShutDownGroup, sig == SignalRemoveResourceGroup:
		return c.shutDownInstance(ctx, entry.SM, sync)
	case sig == SignalSubscribe, sig == SignalUnsubscribe, sig == SignalNotify:
		return fmt.Errorf("%w: signal %d must go through the subscription API, not Kill", instance.ErrParamInvalid, sig)
	default:
		return fmt.Errorf("%w: unknown signal %d", instance.ErrParamInvalid, sig)
	}
}

// shutDownInstance drives a graceful shutdown. An instance still inside
// the schedule pipeline (SCHEDULING/CREATING) is cancelled through its
// cancel future instead of TryExitInstance: the pipeline goroutine owns
// the instance mid-flight and must compensate (release allocation, kill
// any deployed worker) at its next suspension point.
func (c *Controller) shutDownInstance(ctx context.Context, sm *statemachine.StateMachine, sync bool) error {
	if st := sm.GetInstanceState(); st == instance.StateScheduling || st == instance.StateCreating {
		sm.Cancel()
		if !sync {
			return nil
		}
		_, err := awaitStates(ctx, sm, instance.StateExited, instance.StateEvicted, instance.StateFatal)
		return err
	}
	return sm.TryExitInstance(ctx, sync)
}

// deliverUserSignal passes a user-defined (64-1024) signal straight through
// to the instance's runtime without the controller interpreting it.
func (c *Controller) deliverUserSignal(ctx context.Context, sm *statemachine.StateMachine, sig Signal) error {
	info := sm.GetInstanceInfo()
	if info.RuntimeAddress == "" {
		return instance.ErrInstanceNotFound
	}
	wc := c.workerFor(info.RuntimeAddress)
	return wc.Signal(ctx, int(sig))
}

func (c *Controller) forwardKill(ctx context.Context, inst instance.Instance, sig Signal) error {
	resp, err := c.localSched.ForwardKillToInstanceManager(ctx, inst.ParentProxyAddress, wire.ForwardKillRequest{
		RequestID:  uuid.NewString(),
		InstanceID: inst.InstanceID,
		Signal:     int(sig),
	})
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	if resp.ErrCode != instance.ErrNone {
		return resp.ErrCode
	}
	return nil
}

// KillGroup broadcasts a group-exit signal to every peer hosting a member
// of groupID.
func (c *Controller) KillGroup(ctx context.Context, peerAddrs []string, groupID string) error {
	errs := c.localSched.KillGroup(ctx, peerAddrs, groupID, int(SignalGroupExit))
	for _, err := range errs {
		if err != nil {
			return instance.ErrGroupExitTogether
		}
	}
	return nil
}

// ApplyGroupKill is the receiving side of KillGroup: it drives every
// locally-tracked instance whose ParentID matches groupID through the given
// signal. Group membership is keyed on ParentID rather than a dedicated
// group field: a group is the set of instances sharing a common parent.
func (c *Controller) ApplyGroupKill(ctx context.Context, groupID string, sig Signal) error {
	var ids []string
	c.cv.Each(func(instanceID string, e *controlview.Entry) {
		if e.SM.GetInstanceInfo().ParentID == groupID {
			ids = append(ids, instanceID)
		}
	})

	var firstErr error
	for _, id := range ids {
		if err := c.Kill(ctx, id, sig, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
