package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/soundcloud/harpoon/functionproxy/internal/controlview"
	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/localsched"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
)

// RuntimeNotifier implements submgr.Notifier by delivering over the
// subscriber instance's own runtime control channel, reusing the NOTIFY
// signal path. It is constructed
// independently of Controller (which needs a *submgr.SubscriptionManager
// at construction time, and the SubscriptionManager needs a Notifier)
// rather than as a Controller method, to avoid that construction cycle.
type RuntimeNotifier struct {
	cv         *controlview.ControlView
	workerFor  WorkerClientFactory
	localSched localsched.LocalSchedService
	ownerID    string
}

// NewRuntimeNotifier builds a RuntimeNotifier sharing the same control view
// and worker-client factory the Controller that wraps them will use.
func NewRuntimeNotifier(cv *controlview.ControlView, workerFor WorkerClientFactory, localSched localsched.LocalSchedService, ownerProxyID string) *RuntimeNotifier {
	return &RuntimeNotifier{cv: cv, workerFor: workerFor, localSched: localSched, ownerID: ownerProxyID}
}

// Notify delivers n to subscriberID's runtime over its control channel. If
// the subscriber is owned by a peer node the notification is forwarded as a
// SignalNotify kill request carrying the encoded payload, mirroring how any other
// cross-node signal delivery in this package forwards rather than drops.
func (n *RuntimeNotifier) Notify(subscriberID string, payload wire.NotificationPayload) error {
	entry, ok := n.cv.GetInstance(subscriberID)
	if !ok {
		return fmt.Errorf("%w: %s", instance.ErrInstanceNotFound, subscriberID)
	}
	info := entry.SM.GetInstanceInfo()
	if info.OwnerProxyID != n.ownerID {
		return n.forward(info, payload)
	}
	if info.RuntimeAddress == "" {
		return fmt.Errorf("%w: %s has no runtime address", instance.ErrInstanceNotFound, subscriberID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}

	wc := n.workerFor(info.RuntimeAddress)
	const maxNotifyAttempts = 4
	var lastErr error
	for attempt := 0; attempt < maxNotifyAttempts; attempt++ {
		_, err := wc.Call(context.Background(), body)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s", instance.ErrRequestBetweenRuntimeBus, lastErr)
}

// DeliverNotification pushes an already-encoded NotificationPayload to
// instanceID's runtime, if this node owns it. It is the receiving side of
// RuntimeNotifier.forward's cross-node NOTIFY delivery: ApplyForwardKill,
// which httpapi's forward-kill handler calls, routes an incoming
// Signal == SignalNotify here rather than through Kill, since NOTIFY carries
// a payload Kill has no slot for.
func (c *Controller) DeliverNotification(ctx context.Context, instanceID string, payload []byte) error {
	entry, ok := c.cv.GetInstance(instanceID)
	if !ok {
		return instance.ErrInstanceNotFound
	}
	info := entry.SM.GetInstanceInfo()
	if info.RuntimeAddress == "" {
		return instance.ErrInstanceNotFound
	}
	wc := c.workerFor(info.RuntimeAddress)
	if _, err := wc.Call(ctx, payload); err != nil {
		return fmt.Errorf("%w: %s", instance.ErrRequestBetweenRuntimeBus, err)
	}
	return nil
}

func (n *RuntimeNotifier) forward(info instance.Instance, payload wire.NotificationPayload) error {
	if info.ParentProxyAddress == "" {
		return fmt.Errorf("%w: %s owned by peer with no known address", instance.ErrInnerCommunication, info.InstanceID)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	_, err = n.localSched.ForwardKillToInstanceManager(context.Background(), info.ParentProxyAddress, wire.ForwardKillRequest{
		RequestID:  uuid.NewString(),
		InstanceID: info.InstanceID,
		Signal:     int(SignalNotify),
		Payload:    body,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	return nil
}
