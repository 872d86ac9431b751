package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/scheduler"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
)

// maxReconcileRedeployTimes bounds how many times ReconcileNode will
// re-issue a deploy for an instance it finds stuck in SCHEDULING/CREATING
// with no matching worker record, mirroring the deploy-retry budget the
// schedule pipeline itself enforces.
const maxReconcileRedeployTimes = 2

// ReconcileNode is the node-startup sync pass: it reads
// every instance this node owns from the observer's local index and
// reconciles its control-view state against what the function-agent
// actually reports, for instances this process doesn't already have a live
// actor for (i.e. instances that survived a process restart).
func (c *Controller) ReconcileNode(ctx context.Context) {
	log := logging.Named("controller").With("op", "reconcile")

	for _, info := range c.observer.LocalInstances(c.cfg.OwnerProxyID) {
		if _, tracked := c.cv.GetInstance(info.InstanceID); tracked {
			continue // already owned by a live actor in this process
		}
		if info.State.Terminal() {
			continue
		}
		c.reconcileOne(ctx, info, log)
	}
}

func (c *Controller) reconcileOne(ctx context.Context, info instance.Instance, log *zap.SugaredLogger) {
	sm := statemachine.New(c.store, info)
	id, _, existing := c.cv.NewInstance(sm, info.RequestID, false)
	if existing {
		sm.Stop()
		return
	}
	// The record already exists in the store with a mod revision this fresh
	// actor doesn't know; without adopting it, every CAS-guarded transition
	// below would lose its compare.
	if err := sm.SyncInstanceFromMetaStore(); err != nil {
		log.Warnw("refreshing reconciled instance from store failed", "instance_id", id, "err", err)
	}
	c.watchForTermination(id, sm)

	agentAlive := false
	var status struct {
		found   bool
		running bool
	}
	if info.AgentAddr != "" {
		if _, err := c.agentMgr.IsFuncAgentRecovering(ctx, info.AgentAddr); err == nil {
			agentAlive = true
		}
		if si, err := c.agentMgr.QueryInstanceStatusInfo(ctx, info.AgentAddr, info.InstanceID); err == nil {
			status.found = si.RuntimeID != "" || si.Running
			status.running = si.Running
		}
	}

	switch {
	case !agentAlive:
		c.reconcileAgentMissing(ctx, id, sm, info, log)

	case (info.State == instance.StateScheduling || info.State == instance.StateCreating) && !status.found:
		c.reconcileNoWorkerRecord(ctx, id, sm, info, log)

	case info.State == instance.StateEvicting:
		if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateEvicted, Msg: "reconciled: agent has no record"}); res.Err != nil {
			log.Warnw("failed to finalize EVICTED during reconcile", "instance_id", id, "err", res.Err)
		}

	case info.State == instance.StateExiting:
		if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateExited, Msg: "reconciled: agent has no record"}); res.Err != nil {
			log.Warnw("failed to finalize EXITED during reconcile", "instance_id", id, "err", res.Err)
		}

	default:
		log.Infow("reconciled instance appears healthy", "instance_id", id, "state", info.State.String())
	}
}

// reconcileAgentMissing handles "agent missing + instance non-terminal":
// FATAL if unrecoverable, reschedule if recovery attempts remain.
func (c *Controller) reconcileAgentMissing(ctx context.Context, id string, sm *statemachine.StateMachine, info instance.Instance, log *zap.SugaredLogger) {
	if info.State == instance.StateEvicting {
		sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateEvicted, Msg: "reconciled: agent unreachable"})
		return
	}
	if info.State == instance.StateExiting {
		sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateExited, Msg: "reconciled: agent unreachable"})
		return
	}
	if !recoverable(info, c.cfg.MaxScheduleRounds) {
		sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFatal, Msg: "reconciled: agent unreachable, not recoverable"})
		return
	}
	log.Infow("agent missing on reconcile, rescheduling", "instance_id", id)
	c.beginReschedule(ctx, id, sm, instance.ErrInnerCommunication, "agent missing on node-startup sync")
}

// reconcileNoWorkerRecord handles "agent alive but SCHEDULING/CREATING with
// no matching worker record": redeploy within the deploy-retry budget, else
// FATAL.
func (c *Controller) reconcileNoWorkerRecord(ctx context.Context, id string, sm *statemachine.StateMachine, info instance.Instance, log *zap.SugaredLogger) {
	if info.DeployTimes >= maxReconcileRedeployTimes {
		sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFatal, Msg: "reconciled: no worker record, redeploy budget exhausted"})
		return
	}

	meta, err := c.metaStore.Get(info.Function)
	if err != nil {
		sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFatal, Msg: "reconciled: function meta missing"})
		return
	}
	if res := sm.ApplyFieldUpdate(statemachine.FieldUpdateRequest{IncrementDeployTimes: true}); res.Err != nil {
		log.Warnw("failed to persist deploy_times bump on reconcile", "instance_id", id, "err", res.Err)
		return
	}
	log.Infow("no worker record on reconcile, redeploying", "instance_id", id)
	go c.runScheduleRest(ctx, id, sm, meta, scheduler.Decision{NodeID: info.AgentAddr, FunctionAgentID: info.FunctionAgentID})
}
