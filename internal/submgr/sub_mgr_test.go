package submgr

import (
	"sync"
	"testing"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []wire.NotificationPayload
}

func (n *recordingNotifier) Notify(subscriberID string, p wire.NotificationPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, p)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

func TestNotifyInstanceTerminatedDeliversToSubscriber(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := New(notifier)
	mgr.Subscribe("sub-1", KindInstanceTermination, "inst-1")

	mgr.NotifyInstanceTerminated("inst-1", instance.StateExited, instance.ErrNone)

	if notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", notifier.count())
	}
	if notifier.got[0].InstanceID != "inst-1" || notifier.got[0].State != instance.StateExited {
		t.Fatalf("unexpected payload: %+v", notifier.got[0])
	}
}

func TestNotifyInstanceTerminatedIsOneShot(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := New(notifier)
	mgr.Subscribe("sub-1", KindInstanceTermination, "inst-1")

	mgr.NotifyInstanceTerminated("inst-1", instance.StateExited, instance.ErrNone)
	mgr.NotifyInstanceTerminated("inst-1", instance.StateExited, instance.ErrNone)

	if notifier.count() != 1 {
		t.Fatalf("expected termination subscriptions to fire only once, got %d deliveries", notifier.count())
	}
}

func TestNotifyMasterIPIsPersistentAcrossCalls(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := New(notifier)
	mgr.Subscribe("sub-1", KindFunctionMaster, "tenant/fn")

	mgr.NotifyMasterIPToSubscribers("tenant/fn", "10.0.0.1")
	mgr.NotifyMasterIPToSubscribers("tenant/fn", "10.0.0.2")

	if notifier.count() != 2 {
		t.Fatalf("expected master-ip subscription to survive repeated notifications, got %d deliveries", notifier.count())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := New(notifier)
	mgr.Subscribe("sub-1", KindFunctionMaster, "tenant/fn")
	mgr.Unsubscribe("sub-1", KindFunctionMaster, "tenant/fn")

	mgr.NotifyMasterIPToSubscribers("tenant/fn", "10.0.0.1")

	if notifier.count() != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", notifier.count())
	}
}

func TestDropOrphansRemovesAllSubscriptionsForSubscriber(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := New(notifier)
	mgr.Subscribe("sub-1", KindFunctionMaster, "tenant/fn-a")
	mgr.Subscribe("sub-1", KindFunctionMaster, "tenant/fn-b")
	mgr.Subscribe("sub-2", KindFunctionMaster, "tenant/fn-a")

	mgr.DropOrphans("sub-1")

	mgr.NotifyMasterIPToSubscribers("tenant/fn-a", "10.0.0.1")
	mgr.NotifyMasterIPToSubscribers("tenant/fn-b", "10.0.0.2")

	if notifier.count() != 1 {
		t.Fatalf("expected only sub-2's subscription to remain, got %d deliveries", notifier.count())
	}
}

func TestNotifyMasterIPToDeliversToSingleSubscriber(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := New(notifier)

	mgr.NotifyMasterIPTo("sub-1", "tenant/echo", "10.0.0.7")

	if notifier.count() != 1 {
		t.Fatalf("expected one targeted delivery, got %d", notifier.count())
	}
	notifier.mu.Lock()
	got := notifier.got[0]
	notifier.mu.Unlock()
	if got.Kind != string(KindFunctionMaster) || got.Target != "tenant/echo" || got.MasterIP != "10.0.0.7" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}
