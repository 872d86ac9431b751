package controller

import (
	"context"
	"time"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
	"github.com/soundcloud/harpoon/functionproxy/internal/workerclient"
)

// runHeartbeatLoop polls a running instance's runtime and drives the
// RUNNING <-> SUB_HEALTH toggle, escalating to a reschedule once the grace
// period elapses with no successful heartbeat.
func (c *Controller) runHeartbeatLoop(ctx context.Context, id string, sm *statemachine.StateMachine, wc workerclient.WorkerClient) {
	log := logging.Named("controller").With("instance_id", id)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lastHealthyAt := timeNow()
	subHealthy := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-sm.GetCancelFuture():
			return
		case <-ticker.C:
		}

		if sm.GetInstanceState().Terminal() {
			return
		}

		hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
		reply, err := wc.Heartbeat(hbCtx)
		cancel()

		now := timeNow()
		if err != nil {
			// Communication loss. A responsive-but-degraded runtime never
			// lands here; only silence counts toward the grace window.
			if now.Sub(lastHealthyAt) >= c.cfg.HeartbeatGrace {
				if c.heartbeatLossIsFunctionException(ctx, sm) {
					log.Warnw("heartbeat grace period exceeded, runtime reports an application exception")
					sm.TransitionTo(statemachine.TransitionRequest{
						NewState: instance.StateFatal,
						ErrCode:  instance.ErrUserFunctionException,
						Msg:      "runtime exception hint",
					})
					return
				}
				log.Warnw("heartbeat grace period exceeded, escalating to reschedule")
				c.beginReschedule(ctx, id, sm, instance.ErrRequestBetweenRuntimeBus, "heartbeat loss")
				return
			}
			continue
		}

		lastHealthyAt = now
		if !reply.Healthy {
			if !subHealthy {
				sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateSubHealth, Msg: "heartbeat unhealthy"})
				subHealthy = true
			}
			continue
		}
		if subHealthy {
			sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateRunning, Msg: "heartbeat recovered"})
			subHealthy = false
		}

		if reply.ExitCode != 0 {
			sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateExiting, ExitCode: reply.ExitCode, Msg: reply.Msg})
			sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateExited})
			return
		}
	}
}

// heartbeatLossIsFunctionException asks the function-agent whether it has an
// EXCEPTION_INFO hint for this instance before the heartbeat pipeline
// escalates to a reschedule: a runtime that crashed on a user-code
// exception should go straight to FATAL rather than eat a schedule_round
// attempting to recover something that will fail the same way again.
func (c *Controller) heartbeatLossIsFunctionException(ctx context.Context, sm *statemachine.StateMachine) bool {
	info := sm.GetInstanceInfo()
	if info.AgentAddr == "" {
		return false
	}
	status, err := c.agentMgr.QueryInstanceStatusInfo(ctx, info.AgentAddr, info.InstanceID)
	if err != nil {
		return false
	}
	return status.ExceptionInfo
}

// timeNow is a seam so tests can control heartbeat grace-period timing
// without sleeping in real time.
var timeNow = time.Now
