// Package statemachine implements the per-instance lifecycle engine. One
// StateMachine actor exists per instance; it serializes every transition
// request through a single select loop, enforces the legality table, and
// persists each transition transactionally.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/metastore"
)

// TransitionRequest describes one attempted transition.
type TransitionRequest struct {
	NewState        instance.State
	ExpectedVersion int64
	Msg             string
	ErrCode         instance.ErrCode
	ExitCode        int
	Type            string
}

// TransitionResult is returned by TransitionTo.
type TransitionResult struct {
	PreState instance.State
	Status   instance.Status
	Err      error
}

// FieldUpdateRequest describes an in-place bookkeeping mutation, one that
// does not change instance.State, to persist through ApplyFieldUpdate.
// schedule_round, deploy_times, agent_addr and function_agent_id all need to
// be bumped across retries within a single state (e.g. deploy_times climbs
// across redeploy attempts while the instance stays in CREATING), and
// instance.CanTransition has no self-state edge to carry that through
// TransitionTo.
type FieldUpdateRequest struct {
	IncrementScheduleRound bool
	IncrementDeployTimes   bool
	SetAgentAddr           bool
	AgentAddr              string
	SetFunctionAgentID     bool
	FunctionAgentID        string
	SetRuntime             bool
	RuntimeID              string
	RuntimeAddress         string
}

type fieldUpdateMsg struct {
	req  FieldUpdateRequest
	resp chan TransitionResult
}

// CallbackFunc is invoked when an instance enters one of the states it was
// registered against. It receives a snapshot of the instance at the moment
// of transition.
type CallbackFunc func(instance.Instance)

type callbackEntry struct {
	key    string
	states map[instance.State]bool
	fn     CallbackFunc
}

// StateMachine is the public handle callers use to drive and observe one
// instance's lifecycle. All methods are safe for concurrent use; they're
// implemented as request/response round-trips into the actor's loop.
type StateMachine struct {
	transitionRequests  chan transitionMsg
	updateRequests      chan instance.Instance
	tryExitRequests     chan tryExitMsg
	callbackRequests    chan callbackMsg
	syncRequests        chan chan error
	infoRequests        chan chan instance.Instance
	versionRequests     chan chan int64
	lastFailRequests    chan chan instance.State
	fieldUpdateRequests chan fieldUpdateMsg
	quit                chan chan struct{}

	cancel chan struct{}
}

type transitionMsg struct {
	req  TransitionRequest
	resp chan TransitionResult
}

type tryExitMsg struct {
	killCtx context.Context
	sync    bool
	resp    chan error
}

type callbackMsg struct {
	entry callbackEntry
	resp  chan struct{}
}

// New constructs and starts a StateMachine actor for the given instance.
// initial must carry InstanceID, RequestID, and OwnerProxyID already set.
func New(store metastore.MetaStore, initial instance.Instance) *StateMachine {
	sm := &StateMachine{
		transitionRequests:  make(chan transitionMsg),
		updateRequests:      make(chan instance.Instance),
		tryExitRequests:     make(chan tryExitMsg),
		callbackRequests:    make(chan callbackMsg),
		syncRequests:        make(chan chan error),
		infoRequests:        make(chan chan instance.Instance),
		versionRequests:     make(chan chan int64),
		lastFailRequests:    make(chan chan instance.State),
		fieldUpdateRequests: make(chan fieldUpdateMsg),
		quit:                make(chan chan struct{}),
		cancel:              make(chan struct{}),
	}
	go sm.loop(store, initial)
	return sm
}

// TransitionTo attempts the transition described by req, persisting it
// transactionally. An illegal edge returns ErrStateMachineError; a lost
// commit returns ErrEtcdOperationError with local state unchanged.
func (sm *StateMachine) TransitionTo(req TransitionRequest) TransitionResult {
	resp := make(chan TransitionResult, 1)
	sm.transitionRequests <- transitionMsg{req: req, resp: resp}
	return <-resp
}

// UpdateInstanceInfo mirrors an authoritative update observed from a peer or
// a reconciliation sync. It never drives a local side-effect transition.
func (sm *StateMachine) UpdateInstanceInfo(info instance.Instance) {
	sm.updateRequests <- info
}

// ApplyFieldUpdate persists an in-place bookkeeping mutation (schedule_round,
// deploy_times, agent_addr, function_agent_id) without a state transition.
// Unlike UpdateInstanceInfo, which mirrors a peer's authoritative snapshot
// and is dropped if it doesn't carry a newer version, ApplyFieldUpdate always
// applies against the actor's own current version since it originates from
// this node's own pipeline.
func (sm *StateMachine) ApplyFieldUpdate(req FieldUpdateRequest) TransitionResult {
	resp := make(chan TransitionResult, 1)
	sm.fieldUpdateRequests <- fieldUpdateMsg{req: req, resp: resp}
	return <-resp
}

// TryExitInstance drives RUNNING/CREATING/SUB_HEALTH/SCHEDULING -> EXITING ->
// EXITED. If sync, the returned error (nil on success) is only sent once
// EXITED has been persisted; otherwise it returns once EXITING is reached.
func (sm *StateMachine) TryExitInstance(killCtx context.Context, sync bool) error {
	resp := make(chan error, 1)
	sm.tryExitRequests <- tryExitMsg{killCtx: killCtx, sync: sync, resp: resp}
	return <-resp
}

// AddStateChangeCallback registers fn to fire once when the instance enters
// any state in states. Re-registering the same key is idempotent.
func (sm *StateMachine) AddStateChangeCallback(states []instance.State, fn CallbackFunc, key string) {
	set := make(map[instance.State]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	resp := make(chan struct{}, 1)
	sm.callbackRequests <- callbackMsg{entry: callbackEntry{key: key, states: set, fn: fn}, resp: resp}
	<-resp
}

// SyncInstanceFromMetaStore force-refreshes the local view from the store.
func (sm *StateMachine) SyncInstanceFromMetaStore() error {
	resp := make(chan error, 1)
	sm.syncRequests <- resp
	return <-resp
}

// GetInstanceInfo returns a copy of the current instance record.
func (sm *StateMachine) GetInstanceInfo() instance.Instance {
	resp := make(chan instance.Instance, 1)
	sm.infoRequests <- resp
	return <-resp
}

// GetInstanceContextCopy returns the same snapshot as GetInstanceInfo.
func (sm *StateMachine) GetInstanceContextCopy() instance.Instance { return sm.GetInstanceInfo() }

// GetInstanceState returns the current state only.
func (sm *StateMachine) GetInstanceState() instance.State { return sm.GetInstanceInfo().State }

// GetOwner returns the owning proxy id.
func (sm *StateMachine) GetOwner() string { return sm.GetInstanceInfo().OwnerProxyID }

// GetVersion returns the current persisted version.
func (sm *StateMachine) GetVersion() int64 {
	resp := make(chan int64, 1)
	sm.versionRequests <- resp
	return <-resp
}

// GetRequestID returns the idempotency key this instance was created under.
func (sm *StateMachine) GetRequestID() string { return sm.GetInstanceInfo().RequestID }

// GetRuntimeID returns the current runtime id, if any.
func (sm *StateMachine) GetRuntimeID() string { return sm.GetInstanceInfo().RuntimeID }

// GetLastSaveFailedState returns the state a failed commit attempted to
// reach, for later reconciliation. The bool is false when no failure is
// outstanding; callers should also check GetInstanceState for context.
func (sm *StateMachine) GetLastSaveFailedState() (instance.State, bool) {
	resp := make(chan instance.State, 1)
	sm.lastFailRequests <- resp
	s := <-resp
	return s, s != noFailureSentinel
}

// GetCancelFuture returns a channel that closes when this instance's
// in-flight pipeline steps should abort with ErrScheduleCanceled.
func (sm *StateMachine) GetCancelFuture() <-chan struct{} { return sm.cancel }

// Cancel signals the cancel future. Safe to call multiple times.
func (sm *StateMachine) Cancel() {
	select {
	case <-sm.cancel:
	default:
		close(sm.cancel)
	}
}

// Stop tears down the actor. Callers must ensure no further method calls are
// made afterward.
func (sm *StateMachine) Stop() {
	q := make(chan struct{})
	sm.quit <- q
	<-q
}

// noFailureSentinel is an out-of-band state value indicating "no failed
// save outstanding"; negative values are never legal instance.States.
const noFailureSentinel = instance.State(-1)

func (sm *StateMachine) loop(store metastore.MetaStore, info instance.Instance) {
	log := logging.Named("state-machine").With("instance_id", info.InstanceID)

	var (
		callbacks       []callbackEntry // ordered by registration
		callbackIndex   = map[string]int{}
		lastFailedState = noFailureSentinel
		modRevInstance  int64
		modRevRoute     int64
		terminalFired   bool
	)

	fireCallbacks := func(entered instance.State, snapshot instance.Instance) {
		if terminalFired {
			// A terminal state never emits further callbacks beyond the
			// terminal one.
			return
		}
		remaining := callbacks[:0]
		for _, cb := range callbacks {
			if !cb.states[entered] {
				remaining = append(remaining, cb)
				continue
			}
			fn := cb.fn
			go fn(snapshot)
			delete(callbackIndex, cb.key)
		}
		callbacks = remaining
		for i, cb := range callbacks {
			callbackIndex[cb.key] = i
		}
		if entered.Terminal() {
			terminalFired = true
		}
	}

	persistAndApply := func(req TransitionRequest) TransitionResult {
		pre := info.State
		if pre.Terminal() {
			return TransitionResult{PreState: pre, Err: instance.ErrStateMachineError}
		}
		if !instance.CanTransition(pre, req.NewState) {
			return TransitionResult{PreState: pre, Err: instance.ErrStateMachineError}
		}
		if req.ExpectedVersion != 0 && req.ExpectedVersion != info.Version {
			return TransitionResult{PreState: pre, Err: instance.ErrStateMachineError}
		}

		next := info
		next.State = req.NewState
		next.Status = instance.Status{ErrCode: req.ErrCode, ExitCode: req.ExitCode, Msg: req.Msg, Type: req.Type}

		writeInstance, writeRoute, skipEntirely := persistPolicy(info.IsLowReliability, req.NewState)

		if skipEntirely {
			next.Version = info.Version
			info = next
			fireCallbacks(req.NewState, info)
			return TransitionResult{PreState: pre, Status: next.Status}
		}

		next.Version = info.Version + 1

		instanceBuf, err := json.Marshal(next)
		if err != nil {
			return TransitionResult{PreState: pre, Err: fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)}
		}
		routeBuf, err := json.Marshal(routeRecord{
			TenantID: next.TenantID, Function: next.Function,
			Status: next.Status, OwnerProxyID: next.OwnerProxyID, State: next.State,
		})
		if err != nil {
			return TransitionResult{PreState: pre, Err: fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)}
		}

		var compares []metastore.Compare
		var ops []metastore.Op
		if writeInstance {
			compares = append(compares, metastore.Compare{Key: metastore.InstanceKey(info.InstanceID), ExpectedModRevision: modRevInstance})
			ops = append(ops, metastore.Op{Key: metastore.InstanceKey(info.InstanceID), Value: instanceBuf})
		}
		if writeRoute {
			ops = append(ops, metastore.Op{Key: metastore.RouteKey(info.InstanceID), Value: routeBuf})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := store.Commit(ctx, compares, ops)
		cancel()
		if err != nil {
			lastFailedState = req.NewState
			log.Warnw("commit error", "new_state", req.NewState, "err", err)
			return TransitionResult{PreState: pre, Err: fmt.Errorf("%w: %s", instance.ErrEtcdOperationError, err)}
		}
		if !result.Succeeded {
			lastFailedState = req.NewState
			log.Warnw("compare-and-swap lost", "new_state", req.NewState)
			return TransitionResult{PreState: pre, Err: instance.ErrEtcdOperationError}
		}

		if writeInstance {
			modRevInstance = result.ModRevisions[metastore.InstanceKey(info.InstanceID)]
		}
		if writeRoute {
			modRevRoute = result.ModRevisions[metastore.RouteKey(info.InstanceID)]
		}
		lastFailedState = noFailureSentinel
		info = next
		log.Infow("transitioned", "from", pre, "to", req.NewState, "version", info.Version)
		fireCallbacks(req.NewState, info)
		return TransitionResult{PreState: pre, Status: info.Status}
	}

	persistField := func(req FieldUpdateRequest) TransitionResult {
		pre := info.State
		if pre.Terminal() {
			return TransitionResult{PreState: pre, Err: instance.ErrStateMachineError}
		}

		next := info
		if req.IncrementScheduleRound {
			next.ScheduleRound++
		}
		if req.IncrementDeployTimes {
			next.DeployTimes++
		}
		if req.SetAgentAddr {
			next.AgentAddr = req.AgentAddr
		}
		if req.SetFunctionAgentID {
			next.FunctionAgentID = req.FunctionAgentID
		}
		if req.SetRuntime {
			next.RuntimeID = req.RuntimeID
			next.RuntimeAddress = req.RuntimeAddress
		}

		writeInstance, writeRoute, skipEntirely := persistPolicy(info.IsLowReliability, pre)
		if skipEntirely {
			next.Version = info.Version
			info = next
			return TransitionResult{PreState: pre, Status: next.Status}
		}
		next.Version = info.Version + 1

		instanceBuf, err := json.Marshal(next)
		if err != nil {
			return TransitionResult{PreState: pre, Err: fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)}
		}
		routeBuf, err := json.Marshal(routeRecord{
			TenantID: next.TenantID, Function: next.Function,
			Status: next.Status, OwnerProxyID: next.OwnerProxyID, State: next.State,
		})
		if err != nil {
			return TransitionResult{PreState: pre, Err: fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)}
		}

		var compares []metastore.Compare
		var ops []metastore.Op
		if writeInstance {
			compares = append(compares, metastore.Compare{Key: metastore.InstanceKey(info.InstanceID), ExpectedModRevision: modRevInstance})
			ops = append(ops, metastore.Op{Key: metastore.InstanceKey(info.InstanceID), Value: instanceBuf})
		}
		if writeRoute {
			ops = append(ops, metastore.Op{Key: metastore.RouteKey(info.InstanceID), Value: routeBuf})
		}
		if len(ops) == 0 {
			info = next
			return TransitionResult{PreState: pre, Status: next.Status}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := store.Commit(ctx, compares, ops)
		cancel()
		if err != nil {
			lastFailedState = pre
			log.Warnw("field update commit error", "err", err)
			return TransitionResult{PreState: pre, Err: fmt.Errorf("%w: %s", instance.ErrEtcdOperationError, err)}
		}
		if !result.Succeeded {
			lastFailedState = pre
			log.Warnw("field update compare-and-swap lost")
			return TransitionResult{PreState: pre, Err: instance.ErrEtcdOperationError}
		}

		if writeInstance {
			modRevInstance = result.ModRevisions[metastore.InstanceKey(info.InstanceID)]
		}
		if writeRoute {
			modRevRoute = result.ModRevisions[metastore.RouteKey(info.InstanceID)]
		}
		lastFailedState = noFailureSentinel
		info = next
		log.Infow("field update applied", "schedule_round", info.ScheduleRound, "deploy_times", info.DeployTimes)
		return TransitionResult{PreState: pre, Status: info.Status}
	}

	for {
		select {
		case msg := <-sm.transitionRequests:
			msg.resp <- persistAndApply(msg.req)

		case msg := <-sm.fieldUpdateRequests:
			msg.resp <- persistField(msg.req)

		case update := <-sm.updateRequests:
			if info.State.Terminal() {
				continue
			}
			if update.Version <= info.Version {
				continue // stale re-delivered peer event
			}
			info = update

		case msg := <-sm.tryExitRequests:
			msg.resp <- sm.runTryExit(&info, &modRevInstance, &modRevRoute, &lastFailedState, store, fireCallbacks, msg, log)

		case msg := <-sm.callbackRequests:
			if _, exists := callbackIndex[msg.entry.key]; !exists {
				callbackIndex[msg.entry.key] = len(callbacks)
				callbacks = append(callbacks, msg.entry)
			}
			msg.resp <- struct{}{}

		case resp := <-sm.syncRequests:
			kv, ok, err := store.Get(context.Background(), metastore.InstanceKey(info.InstanceID))
			if err != nil {
				resp <- err
				continue
			}
			if ok {
				var refreshed instance.Instance
				if err := json.Unmarshal(kv.Value, &refreshed); err == nil {
					info = refreshed
					modRevInstance = kv.ModRevision
				}
			}
			resp <- nil

		case resp := <-sm.infoRequests:
			resp <- info

		case resp := <-sm.versionRequests:
			resp <- info.Version

		case resp := <-sm.lastFailRequests:
			resp <- lastFailedState

		case q := <-sm.quit:
			close(q)
			return
		}
	}
}

// runTryExit drives the EXITING then EXITED path. It's a method
// on StateMachine only for log scoping; it closes over the loop's local
// state via pointers since Go has no nested-closure mutation across cases
// otherwise.
func (sm *StateMachine) runTryExit(
	info *instance.Instance,
	modRevInstance, modRevRoute *int64,
	lastFailedState *instance.State,
	store metastore.MetaStore,
	fireCallbacks func(instance.State, instance.Instance),
	msg tryExitMsg,
	log interface{ Warnw(string, ...interface{}) },
) error {
	switch info.State {
	case instance.StateRunning, instance.StateCreating, instance.StateSubHealth, instance.StateScheduling:
		// proceed
	case instance.StateExiting, instance.StateExited:
		return nil // idempotent
	default:
		if info.State.Terminal() {
			return nil
		}
		return instance.ErrStateMachineError
	}

	exitReq := TransitionRequest{NewState: instance.StateExiting, Msg: "exit requested"}
	res := sm.applyDirect(info, modRevInstance, modRevRoute, lastFailedState, store, fireCallbacks, exitReq)
	if res.Err != nil {
		return res.Err
	}

	finalReq := TransitionRequest{NewState: instance.StateExited, Msg: "exited"}
	if !msg.sync {
		// The final transition must not touch the loop's state from this
		// goroutine's child; re-enter the actor protocol so it serializes
		// with everything else.
		go sm.TransitionTo(finalReq)
		return nil
	}
	res = sm.applyDirect(info, modRevInstance, modRevRoute, lastFailedState, store, fireCallbacks, finalReq)
	return res.Err
}

// applyDirect is the same transition logic as persistAndApply, factored out
// so TryExitInstance can reuse it without re-entering the channel protocol
// (it already runs inside the actor's own goroutine).
func (sm *StateMachine) applyDirect(
	info *instance.Instance,
	modRevInstance, modRevRoute *int64,
	lastFailedState *instance.State,
	store metastore.MetaStore,
	fireCallbacks func(instance.State, instance.Instance),
	req TransitionRequest,
) TransitionResult {
	pre := info.State
	if pre.Terminal() {
		return TransitionResult{PreState: pre, Err: instance.ErrStateMachineError}
	}
	if !instance.CanTransition(pre, req.NewState) {
		return TransitionResult{PreState: pre, Err: instance.ErrStateMachineError}
	}

	next := *info
	next.State = req.NewState
	if req.Msg != "" {
		next.Status.Msg = req.Msg
	}
	next.Version = info.Version + 1

	instanceBuf, _ := json.Marshal(next)
	routeBuf, _ := json.Marshal(routeRecord{
		TenantID: next.TenantID, Function: next.Function,
		Status: next.Status, OwnerProxyID: next.OwnerProxyID, State: next.State,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := store.Commit(ctx,
		[]metastore.Compare{{Key: metastore.InstanceKey(info.InstanceID), ExpectedModRevision: *modRevInstance}},
		[]metastore.Op{
			{Key: metastore.InstanceKey(info.InstanceID), Value: instanceBuf},
			{Key: metastore.RouteKey(info.InstanceID), Value: routeBuf},
		},
	)
	if err != nil || !result.Succeeded {
		*lastFailedState = req.NewState
		return TransitionResult{PreState: pre, Err: instance.ErrEtcdOperationError}
	}
	*modRevInstance = result.ModRevisions[metastore.InstanceKey(info.InstanceID)]
	*modRevRoute = result.ModRevisions[metastore.RouteKey(info.InstanceID)]
	*lastFailedState = noFailureSentinel
	*info = next
	fireCallbacks(req.NewState, next)
	return TransitionResult{PreState: pre, Status: next.Status}
}

// persistPolicy decides which keys a transition writes. Low-reliability
// instances write both records through SCHEDULING, SCHEDULE_FAILED and
// CREATING, only the route record on RUNNING, and nothing on any other
// non-terminal transition, to cut write amplification; terminal transitions
// always persist fully.
func persistPolicy(lowReliability bool, newState instance.State) (writeInstance, writeRoute, skipEntirely bool) {
	if newState.Terminal() {
		return true, true, false
	}
	if !lowReliability {
		return true, true, false
	}
	switch newState {
	case instance.StateRunning:
		return false, true, false
	case instance.StateScheduling, instance.StateScheduleFailed, instance.StateCreating:
		return true, true, false
	}
	return false, false, true
}

// routeRecord is the denormalized keyed-by-instance-id record peers use for
// fast routing decisions.
type routeRecord struct {
	TenantID     string
	Function     string
	Status       instance.Status
	OwnerProxyID string
	State        instance.State
}
