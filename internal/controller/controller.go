// Package controller implements the Instance Controller: the component
// that drives each instance through the schedule, deploy, connect,
// heartbeat, signal, reschedule, and eviction pipelines.
package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soundcloud/harpoon/functionproxy/internal/controlview"
	"github.com/soundcloud/harpoon/functionproxy/internal/functionagent"
	"github.com/soundcloud/harpoon/functionproxy/internal/functionmeta"
	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/localsched"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/metastore"
	"github.com/soundcloud/harpoon/functionproxy/internal/metrics"
	"github.com/soundcloud/harpoon/functionproxy/internal/observer"
	"github.com/soundcloud/harpoon/functionproxy/internal/ratelimit"
	"github.com/soundcloud/harpoon/functionproxy/internal/resourceview"
	"github.com/soundcloud/harpoon/functionproxy/internal/scheduler"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
	"github.com/soundcloud/harpoon/functionproxy/internal/submgr"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
	"github.com/soundcloud/harpoon/functionproxy/internal/workerclient"
)

// Config carries every tunable the controller's pipelines consult.
type Config struct {
	OwnerProxyID string
	NodeAddr     string
	// PeerProxyAddrs lists sibling proxy nodes the schedule pipeline may
	// forward an admission to when the local scheduler-decision reports
	// RESOURCE_NOT_ENOUGH.
	PeerProxyAddrs []string

	MinCPUMilli, MaxCPUMilli int
	MinMemoryMB, MaxMemoryMB int

	MaxScheduleRounds int
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	DefaultKillGrace  time.Duration

	// MaxInstanceRedeployTimes bounds deploy retries within the schedule
	// pipeline's deploy step, backed off exponentially between
	// MinDeployInterval and MaxDeployInterval.
	MaxInstanceRedeployTimes int
	MinDeployInterval        time.Duration
	MaxDeployInterval        time.Duration

	// MaxInstanceReconnectTimes bounds runtime-connect retries, each
	// attempt within ReconnectTimeout, backed off by ReconnectInterval.
	MaxInstanceReconnectTimes int
	ReconnectTimeout          time.Duration
	ReconnectInterval         time.Duration

	// MaxInitCallRetryTimes bounds InitCall retries, each attempt bounded
	// by RuntimeInitCallTimeout.
	MaxInitCallRetryTimes  int
	RuntimeInitCallTimeout time.Duration
}

// DefaultConfig returns the tunables used when the caller doesn't override
// them.
func DefaultConfig() Config {
	return Config{
		MinCPUMilli: 50, MaxCPUMilli: 64000,
		MinMemoryMB: 64, MaxMemoryMB: 256000,
		MaxScheduleRounds: 5,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatGrace:    15 * time.Second,
		DefaultKillGrace:  10 * time.Second,

		MaxInstanceRedeployTimes: 2,
		MinDeployInterval:        200 * time.Millisecond,
		MaxDeployInterval:        5 * time.Second,

		MaxInstanceReconnectTimes: 2,
		ReconnectTimeout:          10 * time.Second,
		ReconnectInterval:         500 * time.Millisecond,

		MaxInitCallRetryTimes:  2,
		RuntimeInitCallTimeout: 10 * time.Second,
	}
}

// WorkerClientFactory builds a WorkerClient bound to a runtime address.
// Exists so tests can inject a fake without touching the network.
type WorkerClientFactory func(runtimeAddress string) workerclient.WorkerClient

// Controller is the Instance Controller. One Controller runs per proxy
// node; it owns every instance whose OwnerProxyID equals its own.
type Controller struct {
	cfg Config

	store      metastore.MetaStore
	cv         *controlview.ControlView
	metaStore  functionmeta.Store
	scheduler  scheduler.Scheduler
	agentMgr   functionagent.FunctionAgentMgr
	workerFor  WorkerClientFactory
	observer   observer.Observer
	localSched localsched.LocalSchedService
	subMgr     *submgr.SubscriptionManager
	limiter    *ratelimit.Limiter
	resources  resourceview.View
	candidates CandidateSource

	fenced atomic.Bool

	mastersMu sync.Mutex
	masters   map[string]masterSeat // function -> current master

	forwardKills *forwardDedup
	callResults  *forwardDedup
}

// New wires a Controller from its collaborators.
func New(
	cfg Config,
	store metastore.MetaStore,
	cv *controlview.ControlView,
	metaStore functionmeta.Store,
	sched scheduler.Scheduler,
	agentMgr functionagent.FunctionAgentMgr,
	workerFor WorkerClientFactory,
	obs observer.Observer,
	localSched localsched.LocalSchedService,
	subMgr *submgr.SubscriptionManager,
	limiter *ratelimit.Limiter,
	resources resourceview.View,
) *Controller {
	return &Controller{
		cfg: cfg, store: store, cv: cv, metaStore: metaStore, scheduler: sched,
		agentMgr: agentMgr, workerFor: workerFor, observer: obs,
		localSched: localSched, subMgr: subMgr, limiter: limiter, resources: resources,
		masters:      map[string]masterSeat{},
		forwardKills: newForwardDedup(),
		callResults:  newForwardDedup(),
	}
}

// SetFenced implements abnormal.Fencer: while fenced, Schedule refuses all
// new admissions with ErrInnerSystemError.
func (c *Controller) SetFenced(v bool) { c.fenced.Store(v) }

// RaiseShutdown implements abnormal.ShutdownSignaler. Production wiring
// hooks this to the process's graceful-shutdown path in cmd/functionproxy
// via SetShutdownHandler; absent that, it just logs.
var processShutdown = func(reason string) {
	logging.Named("controller").Warnw("process shutdown requested", "reason", reason)
}

// SetShutdownHandler overrides the action RaiseShutdown takes, letting
// cmd/functionproxy wire the abnormal processor's drain-complete signal to
// the process's actual exit path.
func SetShutdownHandler(fn func(reason string)) { processShutdown = fn }

func (c *Controller) RaiseShutdown(reason string) { processShutdown(reason) }

// CandidateSource is satisfied by whatever surfaces the node pool to
// schedule against; kept as an interface so tests can supply a fixed set
// without standing up a full node-discovery path.
type CandidateSource interface {
	Candidates(ctx context.Context, req instance.Instance) ([]scheduler.Candidate, error)
}

// SetCandidateSource wires the node pool the schedule and reschedule
// pipelines pick from. Must be called before Schedule is used.
func (c *Controller) SetCandidateSource(src CandidateSource) { c.candidates = src }

// Schedule runs the create-instance pipeline. It is
// idempotent under RequestID retry: a second Schedule call carrying a
// previously-seen RequestID returns the same instance id without
// re-running the pipeline.
func (c *Controller) Schedule(ctx context.Context, req instance.Instance) (instanceID string, errCode instance.ErrCode, err error) {
	metrics.IncScheduleRequests()

	if c.fenced.Load() {
		return "", instance.ErrInnerSystemError, instance.ErrInnerSystemError
	}

	// Idempotency check: a RequestID retry returns the already-admitted
	// instance without re-running the pipeline.
	if req.RequestID != "" {
		if id, ok := c.cv.TryGetInstanceIDByReq(req.RequestID); ok {
			return id, instance.ErrNone, nil
		}
	}

	// An instance whose parent has already exited can't admit
	// children. The control view tears an instance's
	// entry down the instant it goes terminal (watchForTermination), so a
	// parent that just exited is usually already gone from c.cv by the time
	// a child Schedule call arrives; the observer's watch-backed index keeps
	// the last-seen record (including its terminal state) regardless, so it
	// is consulted whenever the control view no longer has the parent. An
	// untracked-everywhere (never-seen) parent is assumed live; that parent
	// belongs to a peer and enforcing this is that peer's responsibility.
	if req.ParentID != "" {
		if parent, ok := c.cv.GetInstance(req.ParentID); ok {
			if parent.SM.GetInstanceState().Terminal() {
				return "", instance.ErrInstanceExited, fmt.Errorf("%w: parent instance exited", instance.ErrInstanceExited)
			}
		} else if parentInfo, ok := c.observer.Get(req.ParentID); ok {
			if parentInfo.State.Terminal() {
				return "", instance.ErrInstanceExited, fmt.Errorf("%w: parent instance exited", instance.ErrInstanceExited)
			}
		}
	}

	// Rate limit, bypassed for the system tenant and reschedules.
	if !req.IsSystemTenant() {
		if !c.limiter.Allow(req.TenantID) {
			return "", instance.ErrCreateRateLimit, instance.ErrCreateRateLimit
		}
	}

	// Resource validation.
	if err := req.Resources.Valid(c.cfg.MinCPUMilli, c.cfg.MaxCPUMilli, c.cfg.MinMemoryMB, c.cfg.MaxMemoryMB); err != nil {
		return "", instance.ErrParamInvalid, fmt.Errorf("%w: %s", instance.ErrParamInvalid, err)
	}
	if err := req.ScheduleOption.Valid(); err != nil {
		return "", instance.ErrParamInvalid, fmt.Errorf("%w: %s", instance.ErrParamInvalid, err)
	}
	req.IsLowReliability = strings.EqualFold(req.CreateOptions[instance.CreateOptionReliabilityTier], "low")
	if req.IsLowReliability {
		_, wantsRetryCount := req.CreateOptions[instance.CreateOptionRecoverRetryTimes]
		_, wantsRetryTimeout := req.CreateOptions[instance.CreateOptionRecoverRetryTimeout]
		if wantsRetryCount || wantsRetryTimeout {
			return "", instance.ErrParamInvalid, fmt.Errorf("%w: low-reliability instances must not request recover", instance.ErrParamInvalid)
		}
	}

	// Reject a recover retry timeout that is not a non-negative integer at
	// admission rather than defaulting it silently.
	if raw, ok := req.CreateOptions[instance.CreateOptionRecoverRetryTimeout]; ok {
		if n, err := strconv.Atoi(raw); err != nil || n < 0 {
			return "", instance.ErrParamInvalid, fmt.Errorf("%w: invalid %s", instance.ErrParamInvalid, instance.CreateOptionRecoverRetryTimeout)
		}
	}

	// Inject tenant-isolation affinity before the scheduler ever sees the
	// request.
	injectTenantAffinity(&req)

	meta, err := c.metaStore.Get(req.Function)
	if err != nil {
		return "", instance.ErrFunctionMetaNotFound, fmt.Errorf("%w: %s", instance.ErrFunctionMetaNotFound, err)
	}

	req.OwnerProxyID = c.cfg.OwnerProxyID
	req.State = instance.StateNew
	if req.InstanceID == "" {
		req.InstanceID = uuid.NewString()
	}

	sm := statemachine.New(c.store, req)
	id, _, existing := c.cv.NewInstance(sm, req.RequestID, false)
	if existing {
		sm.Stop()
		return id, instance.ErrNone, nil
	}
	c.watchForTermination(id, sm)

	if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateScheduling}); res.Err != nil {
		return id, instance.ErrStateMachineError, res.Err
	}

	// Scheduler decision among candidate nodes. A local failure here (no
	// resources / no candidate fits) gets one more chance: if this request
	// hasn't already been forwarded by a peer, try every configured peer in
	// turn before giving up.
	cands, err := c.candidates.Candidates(ctx, req)
	if err != nil {
		return c.resolveScheduleFailure(ctx, id, sm, req, instance.ErrInnerSystemError, err)
	}
	decision, err := c.scheduler.Decide(ctx, req, cands)
	if err != nil {
		return c.resolveScheduleFailure(ctx, id, sm, req, instance.ErrResourceNotEnough, err)
	}

	if res := sm.ApplyFieldUpdate(statemachine.FieldUpdateRequest{
		SetAgentAddr: true, AgentAddr: decision.NodeID,
		SetFunctionAgentID: true, FunctionAgentID: decision.FunctionAgentID,
	}); res.Err != nil {
		c.scheduler.Confirm(ctx, decision, false)
		c.failSchedule(sm, instance.ErrStateMachineError, "failed to persist agent assignment")
		return id, instance.ErrStateMachineError, res.Err
	}

	go c.runScheduleRest(ctx, id, sm, meta, decision)

	return id, instance.ErrNone, nil
}

// resolveScheduleFailure is reached when this node's own scheduler decision
// couldn't place req. If req didn't already arrive via a peer's forward
// (avoiding forwarding loops) and peers are configured, it tries each peer's
// ForwardSchedule in turn: a peer that successfully admits the instance
// resolves the request entirely: the local stub SM parked in SCHEDULING is
// left exactly there, since the peer now owns the instance's lifecycle.
// If every peer is exhausted (or none are configured, or this request was
// itself already forwarded), the local instance is driven to
// SCHEDULE_FAILED/FAILED and the failure is returned to the caller, which,
// when the caller is itself a forwarding peer, propagates the failure
// straight back to the node that first received the request.
func (c *Controller) resolveScheduleFailure(ctx context.Context, id string, sm *statemachine.StateMachine, req instance.Instance, code instance.ErrCode, cause error) (string, instance.ErrCode, error) {
	log := logging.Named("controller").With("instance_id", id)

	if !req.Forwarded && c.localSched != nil {
		for _, peerAddr := range c.cfg.PeerProxyAddrs {
			resp, ferr := c.localSched.ForwardSchedule(ctx, peerAddr, wire.ForwardScheduleRequest{
				ScheduleRequest: wire.ScheduleRequest{
					RequestID:      req.RequestID,
					Function:       req.Function,
					TenantID:       req.TenantID,
					ParentID:       req.ParentID,
					Resources:      req.Resources,
					ScheduleOption: req.ScheduleOption,
					CreateOptions:  req.CreateOptions,
				},
				OwnerProxyID: c.cfg.OwnerProxyID,
			})
			if ferr != nil {
				log.Warnw("forward schedule to peer failed", "peer", peerAddr, "err", ferr)
				continue
			}
			if resp.ErrCode == instance.ErrNone {
				log.Infow("schedule resolved via peer forward", "peer", peerAddr, "peer_instance_id", resp.InstanceID)
				return resp.InstanceID, instance.ErrNone, nil
			}
			log.Warnw("peer rejected forwarded schedule", "peer", peerAddr, "err_code", resp.ErrCode)
		}
	}

	c.failSchedule(sm, code, cause.Error())
	return id, code, fmt.Errorf("%w: %s", code, cause)
}

// runScheduleRest carries out CREATING/deploy/connect/init/running after
// admission has synchronously returned the instance id to the caller.
// Outcomes surface via subscription notification, not this goroutine's
// return. The instance enters CREATING before the deploy call is attempted,
// not after: CREATING marks "a deploy is underway", and a redeploy retry
// within that same state has somewhere to belong.
func (c *Controller) runScheduleRest(parent context.Context, id string, sm *statemachine.StateMachine, meta functionmeta.FunctionMeta, decision scheduler.Decision) {
	log := logging.Named("controller").With("instance_id", id)

	if c.canceled(sm) {
		c.abortCanceled(parent, id, sm, log)
		return
	}

	// A reconcile-driven redeploy re-enters here with the instance already
	// in CREATING; only a fresh admission still needs the transition.
	if sm.GetInstanceState() != instance.StateCreating {
		if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateCreating}); res.Err != nil {
			return
		}
	}
	c.resources.Add(id, decision.NodeID, sm.GetInstanceInfo().Resources)

	deployResult, ok := c.deployWithRetry(parent, id, sm, meta, decision, log)
	if !ok {
		return
	}
	if res := sm.ApplyFieldUpdate(statemachine.FieldUpdateRequest{
		SetRuntime: true, RuntimeID: deployResult.RuntimeID, RuntimeAddress: deployResult.RuntimeAddress,
	}); res.Err != nil {
		log.Warnw("failed to persist runtime identity", "err", res.Err)
	}
	if c.canceled(sm) {
		c.abortCanceled(parent, id, sm, log)
		return
	}

	wc := c.workerFor(deployResult.RuntimeAddress)

	if !c.awaitReady(parent, id, sm, wc, log) {
		return
	}
	if c.canceled(sm) {
		c.abortCanceled(parent, id, sm, log)
		return
	}

	if !c.initWithRetry(parent, id, sm, wc, log) {
		return
	}
	if c.canceled(sm) {
		c.abortCanceled(parent, id, sm, log)
		return
	}

	if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateRunning}); res.Err != nil {
		log.Warnw("failed to persist RUNNING", "err", res.Err)
		return
	}
	metrics.IncInstancesRunning()
	c.promoteMasterIfVacant(sm.GetInstanceInfo())

	go c.runHeartbeatLoop(parent, id, sm, wc)
}

func (c *Controller) canceled(sm *statemachine.StateMachine) bool {
	select {
	case <-sm.GetCancelFuture():
		return true
	default:
		return false
	}
}

// abortCanceled compensates a pipeline cut short by a signalled cancel
// future: any recorded allocation is released, any already-deployed worker
// is killed best-effort, and the instance is driven to EXITED carrying
// ErrScheduleCanceled so the caller's notification reports the cancel
// rather than a fault.
func (c *Controller) abortCanceled(ctx context.Context, id string, sm *statemachine.StateMachine, log *zap.SugaredLogger) {
	info := sm.GetInstanceInfo()
	c.resources.Release(id)
	// RuntimeAddress is only set once a deploy succeeded; before that there
	// is no worker to compensate for.
	if info.AgentAddr != "" && info.RuntimeAddress != "" {
		if err := c.agentMgr.KillInstance(ctx, info.AgentAddr, id, int(SignalShutDown), false); err != nil {
			log.Warnw("compensating kill after cancel failed", "err", err)
		}
	}
	if res := sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateExiting, ErrCode: instance.ErrScheduleCanceled, Msg: "schedule canceled"}); res.Err != nil {
		return
	}
	sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateExited, ErrCode: instance.ErrScheduleCanceled, Msg: "schedule canceled"})
}

// deployWithRetry issues the deploy call, retrying up to
// MaxInstanceRedeployTimes with exponential backoff between
// MinDeployInterval and MaxDeployInterval, bumping deploy_times on every
// retry. Exhausting the budget is fatal, not a
// schedule failure: the instance has already committed to a node.
func (c *Controller) deployWithRetry(parent context.Context, id string, sm *statemachine.StateMachine, meta functionmeta.FunctionMeta, decision scheduler.Decision, log *zap.SugaredLogger) (functionagent.DeployResult, bool) {
	interval := c.cfg.MinDeployInterval
	for attempt := 0; ; attempt++ {
		info := sm.GetInstanceInfo()
		deployResult, err := c.agentMgr.DeployInstance(parent, decision.NodeID, functionagent.DeployRequest{
			InstanceID:    id,
			Function:      info.Function,
			Resources:     info.Resources,
			CreateOptions: info.CreateOptions,
			CodeLayers:    meta.CodeLayers,
			Env:           meta.Env,
		})
		if err == nil && deployResult.ErrCode == instance.ErrNone {
			c.scheduler.Confirm(parent, decision, true)
			return deployResult, true
		}
		c.scheduler.Confirm(parent, decision, false)

		if attempt >= c.cfg.MaxInstanceRedeployTimes {
			log.Warnw("deploy retry budget exhausted", "attempts", attempt+1)
			sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFatal, ErrCode: instance.ErrInnerCommunication, Msg: "deploy retry budget exhausted"})
			metrics.IncInstancesFailed()
			return functionagent.DeployResult{}, false
		}

		if res := sm.ApplyFieldUpdate(statemachine.FieldUpdateRequest{IncrementDeployTimes: true}); res.Err != nil {
			log.Warnw("failed to persist deploy_times bump", "err", res.Err)
		}

		select {
		case <-time.After(interval):
		case <-sm.GetCancelFuture():
			c.abortCanceled(parent, id, sm, log)
			return functionagent.DeployResult{}, false
		case <-parent.Done():
			sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFatal, ErrCode: instance.ErrInnerSystemError, Msg: "deploy retry canceled"})
			return functionagent.DeployResult{}, false
		}
		if interval *= 2; interval > c.cfg.MaxDeployInterval {
			interval = c.cfg.MaxDeployInterval
		}
	}
}

// awaitReady polls the runtime for readiness, retrying up to
// MaxInstanceReconnectTimes (each attempt bounded by ReconnectTimeout,
// spaced by ReconnectInterval) before giving up.
func (c *Controller) awaitReady(parent context.Context, id string, sm *statemachine.StateMachine, wc workerclient.WorkerClient, log *zap.SugaredLogger) bool {
	for attempt := 0; ; attempt++ {
		readyCtx, readyCancel := context.WithTimeout(parent, c.cfg.ReconnectTimeout)
		err := wc.Readiness(readyCtx)
		readyCancel()
		if err == nil {
			return true
		}

		if attempt >= c.cfg.MaxInstanceReconnectTimes {
			log.Warnw("runtime reconnect budget exhausted", "attempts", attempt+1, "err", err)
			c.killAndFail(parent, id, sm, "runtime never became ready")
			return false
		}
		select {
		case <-time.After(c.cfg.ReconnectInterval):
		case <-sm.GetCancelFuture():
			c.abortCanceled(parent, id, sm, log)
			return false
		case <-parent.Done():
			c.killAndFail(parent, id, sm, "runtime reconnect canceled")
			return false
		}
	}
}

// initWithRetry calls the runtime's init hook, retrying up to
// MaxInitCallRetryTimes (each attempt bounded by RuntimeInitCallTimeout)
// before giving up.
func (c *Controller) initWithRetry(parent context.Context, id string, sm *statemachine.StateMachine, wc workerclient.WorkerClient, log *zap.SugaredLogger) bool {
	for attempt := 0; ; attempt++ {
		initCtx, initCancel := context.WithTimeout(parent, c.cfg.RuntimeInitCallTimeout)
		_, err := wc.InitCall(initCtx, nil)
		initCancel()
		if err == nil {
			return true
		}

		if attempt >= c.cfg.MaxInitCallRetryTimes {
			log.Warnw("init call retry budget exhausted", "attempts", attempt+1, "err", err)
			c.killAndFail(parent, id, sm, "init call failed")
			return false
		}
		select {
		case <-time.After(c.cfg.ReconnectInterval):
		case <-sm.GetCancelFuture():
			c.abortCanceled(parent, id, sm, log)
			return false
		case <-parent.Done():
			c.killAndFail(parent, id, sm, "init call retry canceled")
			return false
		}
	}
}

// killAndFail is reached when the connect/init retry budget is exhausted:
// it issues a monopoly kill against the deployed
// worker (the instance never reported ready, so nothing should be sharing
// its slot) before marking the instance FATAL.
func (c *Controller) killAndFail(ctx context.Context, id string, sm *statemachine.StateMachine, msg string) {
	info := sm.GetInstanceInfo()
	if info.AgentAddr != "" {
		if err := c.agentMgr.KillInstance(ctx, info.AgentAddr, id, int(SignalShutDown), true); err != nil {
			logging.Named("controller").Warnw("compensating kill failed", "instance_id", id, "err", err)
		}
	}
	sm.TransitionTo(statemachine.TransitionRequest{NewState: instance.StateFatal, ErrCode: instance.ErrRequestBetweenRuntimeBus, Msg: msg})
	metrics.IncInstancesFailed()
}

func (c *Controller) failSchedule(sm *statemachine.StateMachine, code instance.ErrCode, msg string) {
	cur := sm.GetInstanceState()
	var next instance.State
	switch cur {
	case instance.StateScheduling:
		next = instance.StateScheduleFailed
	default:
		next = instance.StateFailed
	}
	sm.TransitionTo(statemachine.TransitionRequest{NewState: next, ErrCode: code, Msg: msg})
	if next == instance.StateFailed {
		metrics.IncInstancesFailed()
	}
}
