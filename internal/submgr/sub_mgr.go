// Package submgr implements the Subscription Manager: tracks interest in
// instance termination and function-master-IP changes, and delivers
// notifications as those events occur. Each notification is handed to the
// Notifier once per subscriber and a Notify error is discarded: nothing is
// re-sent, and a termination subscription is cleared before its notice goes
// out.
package submgr

import (
	"sync"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
)

// Kind distinguishes the two subscription types.
type Kind string

const (
	KindInstanceTermination Kind = "instance_termination"
	KindFunctionMaster      Kind = "function_master"
)

// Notifier delivers a notification to one subscriber. The production
// implementation (controller.RuntimeNotifier) pushes over the subscriber
// runtime's control channel or a peer's forward endpoint.
type Notifier interface {
	Notify(subscriberID string, n wire.NotificationPayload) error
}

type subKey struct {
	kind   Kind
	target string
}

// SubscriptionManager tracks subscriber interest and fans out
// notifications.
type SubscriptionManager struct {
	notifier Notifier

	mu   sync.Mutex
	subs map[subKey]map[string]struct{} // kind+target -> subscriber ids
}

// New constructs a SubscriptionManager that delivers through notifier.
func New(notifier Notifier) *SubscriptionManager {
	return &SubscriptionManager{notifier: notifier, subs: map[subKey]map[string]struct{}{}}
}

// Subscribe registers subscriberID's interest in kind/target. Idempotent.
func (m *SubscriptionManager) Subscribe(subscriberID string, kind Kind, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey{kind: kind, target: target}
	if m.subs[key] == nil {
		m.subs[key] = map[string]struct{}{}
	}
	m.subs[key][subscriberID] = struct{}{}
}

// Unsubscribe cancels a prior Subscribe. No-op if not subscribed.
func (m *SubscriptionManager) Unsubscribe(subscriberID string, kind Kind, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subKey{kind: kind, target: target}
	if set, ok := m.subs[key]; ok {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(m.subs, key)
		}
	}
}

// NotifyInstanceTerminated delivers a termination notice to every
// subscriber of instanceID, then clears the subscription. A terminated
// instance never terminates again, so these subscriptions are one-shot.
func (m *SubscriptionManager) NotifyInstanceTerminated(instanceID string, state instance.State, errCode instance.ErrCode) {
	key := subKey{kind: KindInstanceTermination, target: instanceID}
	m.mu.Lock()
	subscribers := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()

	payload := wire.NotificationPayload{
		Kind:       string(KindInstanceTermination),
		Target:     instanceID,
		InstanceID: instanceID,
		State:      state,
		ErrCode:    errCode,
	}
	for id := range subscribers {
		_ = m.notifier.Notify(id, payload)
	}
}

// NotifyMasterIPToSubscribers delivers a master-IP change to every
// subscriber of function. Unlike instance termination, this
// subscription is not one-shot: the master IP can change again.
func (m *SubscriptionManager) NotifyMasterIPToSubscribers(function, masterIP string) {
	key := subKey{kind: KindFunctionMaster, target: function}
	m.mu.Lock()
	subscribers := make([]string, 0, len(m.subs[key]))
	for id := range m.subs[key] {
		subscribers = append(subscribers, id)
	}
	m.mu.Unlock()

	payload := wire.NotificationPayload{
		Kind:     string(KindFunctionMaster),
		Target:   function,
		MasterIP: masterIP,
	}
	for _, id := range subscribers {
		_ = m.notifier.Notify(id, payload)
	}
}

// NotifyMasterIPTo delivers the current master address to one subscriber,
// used on the initial subscribe so a new subscriber learns the present
// holder without waiting for the next change.
func (m *SubscriptionManager) NotifyMasterIPTo(subscriberID, function, masterIP string) {
	_ = m.notifier.Notify(subscriberID, wire.NotificationPayload{
		Kind:     string(KindFunctionMaster),
		Target:   function,
		MasterIP: masterIP,
	})
}

// DropOrphans removes every subscription held by subscriberID, called when
// a subscriber terminates, so dead subscribers don't accumulate on
// long-lived publishers.
func (m *SubscriptionManager) DropOrphans(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, set := range m.subs {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(m.subs, key)
		}
	}
}
