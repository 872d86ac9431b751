package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/submgr"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
)

// Subscribe registers src's interest in target. For an instance-termination
// subscription the target must still be alive: a target that already
// terminated is rejected with ErrSubStateInvalid (the caller missed the
// event and re-delivering it here would hide that), and a target owned by a
// peer node is forwarded to that peer. Duplicate subscribes are idempotent.
// A function-master subscription registers immediately and additionally
// delivers the current master address, so the subscriber learns the
// present holder as well as every later change.
func (c *Controller) Subscribe(ctx context.Context, src string, kind submgr.Kind, target string) error {
	if kind != submgr.KindInstanceTermination {
		c.subMgr.Subscribe(src, kind, target)
		if kind == submgr.KindFunctionMaster {
			go c.deliverCurrentMaster(src, target)
		}
		return nil
	}

	entry, ok := c.cv.GetInstance(target)
	if ok {
		info := entry.SM.GetInstanceInfo()
		if info.State.Terminal() {
			return instance.ErrSubStateInvalid
		}
		if info.OwnerProxyID != c.cfg.OwnerProxyID {
			// A mirror of a peer-owned instance; the owner holds the real
			// callback registry.
			return c.forwardSubscription(ctx, src, kind, target, info, SignalSubscribe)
		}
		c.subMgr.Subscribe(src, kind, target)
		return nil
	}

	info, found := c.observer.Get(target)
	if !found {
		return instance.ErrInstanceNotFound
	}
	if info.State.Terminal() {
		return instance.ErrSubStateInvalid
	}
	if info.OwnerProxyID != c.cfg.OwnerProxyID {
		return c.forwardSubscription(ctx, src, kind, target, info, SignalSubscribe)
	}
	// Owned here but not tracked: the local index is stale, likely mid-
	// teardown. Treat like a miss rather than registering a subscription
	// nothing will ever fire.
	return instance.ErrInstanceNotFound
}

// Unsubscribe cancels a prior Subscribe. A target that is already gone
// reports success: the subscription it would have removed no longer exists
// either way.
func (c *Controller) Unsubscribe(ctx context.Context, src string, kind submgr.Kind, target string) error {
	if kind == submgr.KindInstanceTermination {
		if entry, tracked := c.cv.GetInstance(target); tracked {
			if info := entry.SM.GetInstanceInfo(); !info.State.Terminal() && info.OwnerProxyID != c.cfg.OwnerProxyID {
				return c.forwardSubscription(ctx, src, kind, target, info, SignalUnsubscribe)
			}
		} else if info, found := c.observer.Get(target); found && !info.State.Terminal() && info.OwnerProxyID != c.cfg.OwnerProxyID {
			return c.forwardSubscription(ctx, src, kind, target, info, SignalUnsubscribe)
		}
	}
	c.subMgr.Unsubscribe(src, kind, target)
	return nil
}

func (c *Controller) forwardSubscription(ctx context.Context, src string, kind submgr.Kind, target string, info instance.Instance, sig Signal) error {
	if c.localSched == nil || info.ParentProxyAddress == "" {
		return fmt.Errorf("%w: %s owned by peer with no known address", instance.ErrInnerCommunication, target)
	}
	body, err := json.Marshal(wire.SubscriptionPayload{SubscriberID: src, Kind: string(kind), Target: target})
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	resp, err := c.localSched.ForwardKillToInstanceManager(ctx, info.ParentProxyAddress, wire.ForwardKillRequest{
		RequestID:  uuid.NewString(),
		InstanceID: target,
		Signal:     int(sig),
		Payload:    body,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	if resp.ErrCode != instance.ErrNone {
		return resp.ErrCode
	}
	return nil
}
