// Package controlview implements the Instance Control View: the per-node
// registry of live instances and the request-id dedup table that makes
// Schedule idempotent under client retry.
package controlview

import (
	"sync"

	"github.com/google/uuid"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/statemachine"
)

// Entry is what the control view tracks per instance: its state machine
// handle plus the bookkeeping needed to answer dedup questions.
type Entry struct {
	SM          *statemachine.StateMachine
	RequestID   string
	Rescheduled bool

	mu         sync.Mutex
	lastModRev int64 // highest store revision applied via Update
}

// ControlView is the per-node registry of live instances.
type ControlView struct {
	mu           sync.RWMutex
	byInstanceID map[string]*Entry
	byRequestID  map[string]string // request_id -> instance_id
}

// New constructs an empty control view.
func New() *ControlView {
	return &ControlView{
		byInstanceID: map[string]*Entry{},
		byRequestID:  map[string]string{},
	}
}

// NewInstance registers a brand-new instance under the instance id its state
// machine carries (minting a fresh one only when that id is empty) and
// returns it, along with the Entry tracking its SM handle.
// If requestID has already been seen, NewInstance returns the existing
// instance id instead of minting a new one (idempotent retry).
func (cv *ControlView) NewInstance(sm *statemachine.StateMachine, requestID string, rescheduled bool) (instanceID string, entry *Entry, isExisting bool) {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	if requestID != "" {
		if existingID, ok := cv.byRequestID[requestID]; ok {
			return existingID, cv.byInstanceID[existingID], true
		}
	}

	id := sm.GetInstanceInfo().InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	e := &Entry{SM: sm, RequestID: requestID, Rescheduled: rescheduled}
	cv.byInstanceID[id] = e
	if requestID != "" {
		cv.byRequestID[requestID] = id
	}
	return id, e, false
}

// Update applies a peer-observed snapshot of instanceID to its tracked
// actor. The update is dropped when the local actor is already terminal (a
// mirror cannot resurrect a finished instance) and, unless force is set,
// when modRev is not strictly newer than the last applied revision (watch
// events are re-delivered after a reconnect). Returns whether the snapshot
// was applied.
func (cv *ControlView) Update(instanceID string, info instance.Instance, modRev int64, force bool) bool {
	e, ok := cv.GetInstance(instanceID)
	if !ok {
		return false
	}

	e.mu.Lock()
	if !force && modRev <= e.lastModRev {
		e.mu.Unlock()
		return false
	}
	e.lastModRev = modRev
	e.mu.Unlock()

	if e.SM.GetInstanceState().Terminal() {
		return false
	}
	e.SM.UpdateInstanceInfo(info)
	return true
}

// Delete removes an instance from the control view. Called once the
// instance reaches a terminal state and any subscribers have been notified.
func (cv *ControlView) Delete(instanceID string) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	e, ok := cv.byInstanceID[instanceID]
	if !ok {
		return
	}
	delete(cv.byInstanceID, instanceID)
	if e.RequestID != "" {
		delete(cv.byRequestID, e.RequestID)
	}
}

// GetInstance returns the tracked entry for instanceID, if any.
func (cv *ControlView) GetInstance(instanceID string) (*Entry, bool) {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	e, ok := cv.byInstanceID[instanceID]
	return e, ok
}

// TryExitInstance is a convenience that looks up the instance and returns
// its state machine for the caller to drive TryExitInstance on, returning
// ErrInstanceNotFound if it's not tracked. It does not start the exit itself.
func (cv *ControlView) TryExitInstance(instanceID string) (*statemachine.StateMachine, error) {
	e, ok := cv.GetInstance(instanceID)
	if !ok {
		return nil, instance.ErrInstanceNotFound
	}
	return e.SM, nil
}

// TryGetInstanceIDByReq resolves a request id to the instance id it was
// assigned, used to answer Schedule retries without re-running the pipeline.
func (cv *ControlView) TryGetInstanceIDByReq(requestID string) (string, bool) {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	id, ok := cv.byRequestID[requestID]
	return id, ok
}

// IsDuplicateRequest reports whether requestID has already been assigned an
// instance id.
func (cv *ControlView) IsDuplicateRequest(requestID string) bool {
	_, ok := cv.TryGetInstanceIDByReq(requestID)
	return ok
}

// IsRescheduledRequest reports whether the instance tracked under
// instanceID was created via a reschedule path rather than an original
// Schedule call.
func (cv *ControlView) IsRescheduledRequest(instanceID string) bool {
	e, ok := cv.GetInstance(instanceID)
	return ok && e.Rescheduled
}

// Len returns the number of instances currently tracked, used by the
// abnormal processor to decide when a node has fully drained.
func (cv *ControlView) Len() int {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	return len(cv.byInstanceID)
}

// Each calls fn for every tracked instance id and entry. fn must not call
// back into ControlView while iterating.
func (cv *ControlView) Each(fn func(instanceID string, e *Entry)) {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	for id, e := range cv.byInstanceID {
		fn(id, e)
	}
}
