package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
	"github.com/soundcloud/harpoon/functionproxy/internal/submgr"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
	"github.com/soundcloud/harpoon/functionproxy/internal/workerclient"
)

func notifyResultFromWire(req wire.ForwardCallResultRequest) workerclient.CallResult {
	return workerclient.CallResult{Success: req.Success, ErrCode: req.ErrCode, Payload: req.Payload}
}

// watchForTermination registers the callback that notifies subscribers,
// releases the instance's resource allocation, reseats its function's
// master if it held the role, and tears down the control-view entry once
// an instance reaches any terminal state, regardless of which pipeline
// (exit, eviction, fatal reschedule exhaustion) drove it there.
func (c *Controller) watchForTermination(id string, sm *statemachine.StateMachine) {
	terminal := []instance.State{instance.StateExited, instance.StateEvicted, instance.StateFatal}
	sm.AddStateChangeCallback(terminal, func(inst instance.Instance) {
		c.resources.Release(id)
		c.subMgr.NotifyInstanceTerminated(id, inst.State, inst.Status.ErrCode)
		// The dead instance can no longer consume notifications either;
		// leaving its subscriptions behind would strand callbacks on
		// long-lived publishers.
		c.subMgr.DropOrphans(id)
		c.handleMasterTermination(inst)
		c.cv.Delete(id)
	}, "terminal-cleanup")
}

// forwardDedup caches the outcome of peer-forwarded requests by their
// request id. A retry of an in-flight request waits for the first attempt;
// a retry of a completed one gets the cached outcome back, so a forward
// re-sent after a client-side timeout never double-applies.
type forwardDedup struct {
	mu sync.Mutex
	m  map[string]*forwardOutcome
}

type forwardOutcome struct {
	done chan struct{}
	resp any
	err  error
}

func newForwardDedup() *forwardDedup {
	return &forwardDedup{m: map[string]*forwardOutcome{}}
}

// maxCompletedOutcomes bounds the cache; once exceeded, completed entries
// are pruned (an in-flight entry is never dropped).
const maxCompletedOutcomes = 1024

func (d *forwardDedup) do(requestID string, fn func() (any, error)) (any, error) {
	if requestID == "" {
		return fn()
	}

	d.mu.Lock()
	if o, ok := d.m[requestID]; ok {
		d.mu.Unlock()
		<-o.done
		return o.resp, o.err
	}
	o := &forwardOutcome{done: make(chan struct{})}
	d.m[requestID] = o
	if len(d.m) > maxCompletedOutcomes {
		for id, old := range d.m {
			if id == requestID {
				continue
			}
			select {
			case <-old.done:
				delete(d.m, id)
			default:
			}
		}
	}
	d.mu.Unlock()

	o.resp, o.err = fn()
	close(o.done)
	return o.resp, o.err
}

// ApplyForwardKill is the receiving side of a peer's forwarded signal.
// Exactly one effect is applied per RequestID: a duplicate delivery (the
// peer retried after a timeout) returns the first attempt's outcome
// instead of signaling the target twice. NOTIFY deliveries and forwarded
// subscribe/unsubscribe registrations ride the same channel, dispatched by
// signal value.
func (c *Controller) ApplyForwardKill(ctx context.Context, req wire.ForwardKillRequest) error {
	_, err := c.forwardKills.do(req.RequestID, func() (any, error) {
		return nil, c.dispatchForwardKill(ctx, req)
	})
	return err
}

func (c *Controller) dispatchForwardKill(ctx context.Context, req wire.ForwardKillRequest) error {
	switch Signal(req.Signal) {
	case SignalNotify:
		return c.DeliverNotification(ctx, req.InstanceID, req.Payload)
	case SignalSubscribe, SignalUnsubscribe:
		var sub wire.SubscriptionPayload
		if err := json.Unmarshal(req.Payload, &sub); err != nil {
			return fmt.Errorf("%w: %s", instance.ErrParamInvalid, err)
		}
		if Signal(req.Signal) == SignalSubscribe {
			return c.Subscribe(ctx, sub.SubscriberID, submgr.Kind(sub.Kind), sub.Target)
		}
		return c.Unsubscribe(ctx, sub.SubscriberID, submgr.Kind(sub.Kind), sub.Target)
	default:
		return c.Kill(ctx, req.InstanceID, Signal(req.Signal), true)
	}
}

// ForwardCallResult accepts a call outcome delivered by a peer node acting
// on behalf of an instance this node owns, and relays it to that instance's
// runtime through WorkerClient.NotifyResult. Deliveries
// are deduplicated by RequestID so a concurrent or late retry relays the
// result to the runtime once and returns the cached response.
func (c *Controller) ForwardCallResult(ctx context.Context, req wire.ForwardCallResultRequest) (wire.ForwardCallResultResponse, error) {
	resp, err := c.callResults.do(req.RequestID, func() (any, error) {
		return c.relayCallResult(ctx, req)
	})
	out, _ := resp.(wire.ForwardCallResultResponse)
	return out, err
}

func (c *Controller) relayCallResult(ctx context.Context, req wire.ForwardCallResultRequest) (wire.ForwardCallResultResponse, error) {
	entry, ok := c.cv.GetInstance(req.InstanceID)
	if !ok {
		return wire.ForwardCallResultResponse{Accepted: false}, instance.ErrInstanceNotFound
	}
	info := entry.SM.GetInstanceInfo()
	if info.RuntimeAddress == "" {
		return wire.ForwardCallResultResponse{Accepted: false}, instance.ErrInstanceNotFound
	}
	wc := c.workerFor(info.RuntimeAddress)
	err := wc.NotifyResult(ctx, notifyResultFromWire(req))
	if err != nil {
		return wire.ForwardCallResultResponse{Accepted: false}, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	return wire.ForwardCallResultResponse{Accepted: true}, nil
}
