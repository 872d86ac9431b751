package controller

import (
	"context"
	"strconv"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/metrics"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
)

// recoverable reports whether info may still be rescheduled rather than
// marked FATAL. A per-instance
// RecoverRetryTimes create-option, when present and numeric, overrides the
// node-wide MaxScheduleRounds ceiling; instances that don't set it fall
// back to that ceiling. Low-reliability instances never recover (Schedule
// already rejects RecoverRetryTimes on a low-reliability request, but this
// also covers an instance whose reliability tier was set after creation
// via a reconciliation sync).
func recoverable(info instance.Instance, maxScheduleRounds int) bool {
	if info.IsLowReliability {
		return false
	}
	if raw, ok := info.CreateOptions[instance.CreateOptionRecoverRetryTimes]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			return info.ScheduleRound < n
		}
	}
	return info.ScheduleRound+1 < maxScheduleRounds
}

// beginReschedule drives an instance through FAILED and, if its
// ScheduleRound budget allows, back into SCHEDULING on a freshly re-run
// pipeline. Exceeding MaxScheduleRounds terminates the instance instead.
//
// This is the only place schedule_round is incremented, and it is
// incremented on every reschedule that passes through here: heartbeat loss,
// and the reschedule ReconcileNode starts for an instance whose function
// agent is gone. ReconcileNode's redeploy of an instance whose agent has no
// worker record does not come through here and leaves the counter unchanged.
func (c *Controller) beginReschedule(ctx context.Context, id string, sm *statemachine.StateMachine, code instance.ErrCode, reason string) {
	log := logging.Named("controller").With("instance_id", id)

	if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFailed, ErrCode: code, Msg: reason}); res.Err != nil {
		log.Warnw("failed to persist FAILED before reschedule", "err", res.Err)
		return
	}
	metrics.IncInstancesFailed()

	info := sm.GetInstanceInfo()
	if !recoverable(info, c.cfg.MaxScheduleRounds) {
		log.Warnw("schedule round budget exhausted, giving up", "schedule_round", info.ScheduleRound)
		// The terminal-cleanup callback registered in Schedule fires from
		// this transition and handles subscriber notification plus
		// control-view teardown.
		sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFatal, ErrCode: code, Msg: "max reschedule attempts exceeded"})
		return
	}

	// Vacate the failed placement before hunting for a new one: release the
	// allocation this instance holds in the resource view, and kill the
	// stale worker best-effort (the agent may be unreachable, which is
	// often why the reschedule is happening; the decision must not block on
	// it).
	c.resources.Release(id)
	if info.AgentAddr != "" {
		staleAgent, staleRuntime := info.AgentAddr, info.RuntimeAddress
		go func() {
			if staleRuntime == "" {
				return // never deployed; nothing worker-side to kill
			}
			if err := c.agentMgr.KillInstance(context.Background(), staleAgent, id, int(SignalShutDown), false); err != nil {
				log.Warnw("best-effort kill of stale worker failed", "agent", staleAgent, "err", err)
			}
		}()
	}

	metrics.IncReschedules()
	if res := sm.ApplyFieldUpdate(statemachine.FieldUpdateRequest{IncrementScheduleRound: true}); res.Err != nil {
		log.Warnw("failed to persist schedule_round bump", "err", res.Err)
		return
	}

	if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateScheduling, Msg: "rescheduling"}); res.Err != nil {
		log.Warnw("failed to re-enter SCHEDULING", "err", res.Err)
		return
	}

	info = sm.GetInstanceInfo()
	cands, err := c.candidates.Candidates(ctx, info)
	if err != nil {
		c.failSchedule(sm, instance.ErrResourceNotEnough, "no candidates available for reschedule")
		return
	}
	decision, err := c.scheduler.Decide(ctx, info, cands)
	if err != nil {
		c.failSchedule(sm, instance.ErrResourceNotEnough, "scheduler found no candidate for reschedule")
		return
	}
	if res := sm.ApplyFieldUpdate(statemachine.FieldUpdateRequest{
		SetAgentAddr: true, AgentAddr: decision.NodeID,
		SetFunctionAgentID: true, FunctionAgentID: decision.FunctionAgentID,
	}); res.Err != nil {
		c.failSchedule(sm, instance.ErrResourceNotEnough, "failed to persist agent assignment for reschedule")
		return
	}
	info = sm.GetInstanceInfo()

	meta, err := c.metaStore.Get(info.Function)
	if err != nil {
		c.failSchedule(sm, instance.ErrFunctionMetaNotFound, "function meta missing during reschedule")
		return
	}

	go c.runScheduleRest(ctx, id, sm, meta, decision)
}
