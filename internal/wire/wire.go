// Package wire defines the JSON request/response shapes crossing the core's
// HTTP boundaries: client-facing Schedule/Kill/Subscribe, and the
// node-to-node forwarding calls the local scheduler uses when an instance
// lives on a peer.
package wire

import "github.com/soundcloud/harpoon/functionproxy/internal/instance"

// ScheduleRequest asks the core to create (or idempotently re-resolve) one
// instance.
type ScheduleRequest struct {
	RequestID      string                  `json:"request_id"`
	Function       string                  `json:"function"`
	TenantID       string                  `json:"tenant_id"`
	ParentID       string                  `json:"parent_id,omitempty"`
	Resources      instance.Resources      `json:"resources"`
	ScheduleOption instance.ScheduleOption `json:"schedule_option"`
	CreateOptions  map[string]string       `json:"create_options,omitempty"`
}

// ScheduleResponse is returned synchronously once the instance has been
// admitted (not necessarily RUNNING yet); asynchronous outcomes arrive via
// subscription notifications.
type ScheduleResponse struct {
	InstanceID string           `json:"instance_id"`
	ErrCode    instance.ErrCode `json:"err_code"`
	Msg        string           `json:"msg,omitempty"`
}

// KillRequest asks the core to signal one or more instances.
type KillRequest struct {
	InstanceID string `json:"instance_id"`
	Signal     int    `json:"signal"`
	Sync       bool   `json:"sync,omitempty"`
}

// KillResponse reports the outcome of a KillRequest.
type KillResponse struct {
	ErrCode instance.ErrCode `json:"err_code"`
	Msg     string           `json:"msg,omitempty"`
}

// SubscriptionPayload registers interest in an instance's lifecycle or in a
// function's master-IP assignment.
type SubscriptionPayload struct {
	SubscriberID string `json:"subscriber_id"`
	Kind         string `json:"kind"`   // "instance_termination" | "function_master"
	Target       string `json:"target"` // instance id or function name
}

// UnsubscriptionPayload cancels a prior subscription.
type UnsubscriptionPayload struct {
	SubscriberID string `json:"subscriber_id"`
	Kind         string `json:"kind"`
	Target       string `json:"target"`
}

// NotificationPayload is pushed to subscribers when the subscribed event
// occurs.
type NotificationPayload struct {
	Kind       string           `json:"kind"`
	Target     string           `json:"target"`
	InstanceID string           `json:"instance_id,omitempty"`
	State      instance.State   `json:"state,omitempty"`
	ErrCode    instance.ErrCode `json:"err_code,omitempty"`
	MasterIP   string           `json:"master_ip,omitempty"`
}

// ForwardKillRequest is sent by a local scheduler peer to the node actually
// owning an instance, to forward a kill/signal it cannot service locally.
// RequestID is the idempotency key: the receiver applies each id's effect
// once and answers retries from its outcome cache.
type ForwardKillRequest struct {
	RequestID  string `json:"request_id"`
	InstanceID string `json:"instance_id"`
	Signal     int    `json:"signal"`
	Payload    []byte `json:"payload,omitempty"`
}

// ForwardKillResponse is the reply to a ForwardKillRequest.
type ForwardKillResponse struct {
	ErrCode instance.ErrCode `json:"err_code"`
}

// ForwardScheduleRequest is used when a peer needs this node to host a new
// instance (cross-node scheduling decision already made upstream).
type ForwardScheduleRequest struct {
	ScheduleRequest
	OwnerProxyID string `json:"owner_proxy_id"`
}

// ForwardScheduleResponse is the reply to a ForwardScheduleRequest.
type ForwardScheduleResponse struct {
	ScheduleResponse
}

// ForwardCallResultRequest carries a runtime invocation's outcome back to
// the proxy that dispatched the call, for cross-node call chains.
// RequestID deduplicates concurrent or late retries of the same delivery.
type ForwardCallResultRequest struct {
	RequestID  string           `json:"request_id"`
	InstanceID string           `json:"instance_id"`
	Success    bool             `json:"success"`
	ErrCode    instance.ErrCode `json:"err_code,omitempty"`
	Payload    []byte           `json:"payload,omitempty"`
}

// ForwardCallResultResponse acknowledges a ForwardCallResultRequest.
type ForwardCallResultResponse struct {
	Accepted bool `json:"accepted"`
}

// QueryMasterIPResponse answers "which node/runtime currently holds the
// master instance for this function".
type QueryMasterIPResponse struct {
	MasterIP string `json:"master_ip"`
	Found    bool   `json:"found"`
}
