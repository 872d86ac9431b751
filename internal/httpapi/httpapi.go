// Package httpapi exposes the control core over plain JSON HTTP: the
// client-facing surface (schedule, kill, subscribe, unsubscribe) plus the
// peer-forwarding surface localsched's HTTPService dials into on the node
// that actually owns an instance.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/soundcloud/harpoon/functionproxy/internal/controller"
	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/logging"
	"github.com/soundcloud/harpoon/functionproxy/internal/submgr"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
)

// API wires a Controller and SubscriptionManager into an http.Handler.
type API struct {
	ctrl   *controller.Controller
	subMgr *submgr.SubscriptionManager
	router *httprouter.Router
	log    *zap.SugaredLogger
}

// New builds an API and registers every route.
func New(ctrl *controller.Controller, subMgr *submgr.SubscriptionManager) *API {
	a := &API{ctrl: ctrl, subMgr: subMgr, router: httprouter.New(), log: logging.Named("httpapi")}

	a.router.POST("/schedule", noParams(a.logged(a.handleSchedule)))
	a.router.POST("/kill", noParams(a.logged(a.handleKill)))
	a.router.POST("/subscribe", noParams(a.logged(a.handleSubscribe)))
	a.router.POST("/unsubscribe", noParams(a.logged(a.handleUnsubscribe)))

	a.router.POST("/internal/forward_schedule", noParams(a.logged(a.handleForwardSchedule)))
	a.router.POST("/internal/forward_kill", noParams(a.logged(a.handleForwardKill)))
	a.router.POST("/internal/forward_call_result", noParams(a.logged(a.handleForwardCallResult)))
	a.router.POST("/internal/kill_group", noParams(a.logged(a.handleKillGroup)))
	a.router.GET("/internal/master_ip", noParams(a.logged(a.handleMasterIP)))

	return a
}

// ServeHTTP makes API an http.Handler, for http.ListenAndServe.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) { a.router.ServeHTTP(w, r) }

func noParams(h http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h(w, r)
	}
}

// logged wraps a handler with a log line written once the handler returns,
// carrying the elapsed time.
func (a *API) logged(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		a.log.Debugw("request handled", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	}
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req wire.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()

	inst := instance.Instance{
		RequestID:      req.RequestID,
		Function:       req.Function,
		TenantID:       req.TenantID,
		ParentID:       req.ParentID,
		Resources:      req.Resources,
		ScheduleOption: req.ScheduleOption,
		CreateOptions:  req.CreateOptions,
	}

	id, code, err := a.ctrl.Schedule(r.Context(), inst)
	resp := wire.ScheduleResponse{InstanceID: id, ErrCode: code}
	if err != nil {
		resp.Msg = err.Error()
	}
	writeJSON(w, statusFor(code), resp)
}

func (a *API) handleKill(w http.ResponseWriter, r *http.Request) {
	var req wire.KillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()

	err := a.ctrl.Kill(r.Context(), req.InstanceID, controller.Signal(req.Signal), req.Sync)
	resp := wire.KillResponse{}
	code := instance.ErrNone
	if err != nil {
		resp.Msg = err.Error()
		code = codeFromErr(err)
		resp.ErrCode = code
	}
	writeJSON(w, statusFor(code), resp)
}

func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req wire.SubscriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()
	err := a.ctrl.Subscribe(r.Context(), req.SubscriberID, submgr.Kind(req.Kind), req.Target)
	code := instance.ErrNone
	resp := wire.KillResponse{}
	if err != nil {
		code = codeFromErr(err)
		resp.ErrCode = code
		resp.Msg = err.Error()
	}
	writeJSON(w, statusFor(code), resp)
}

func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req wire.UnsubscriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()
	err := a.ctrl.Unsubscribe(r.Context(), req.SubscriberID, submgr.Kind(req.Kind), req.Target)
	code := instance.ErrNone
	resp := wire.KillResponse{}
	if err != nil {
		code = codeFromErr(err)
		resp.ErrCode = code
		resp.Msg = err.Error()
	}
	writeJSON(w, statusFor(code), resp)
}

// handleForwardSchedule is called by a peer node's localsched.HTTPService
// when this node owns (or should own) the instance being scheduled.
func (a *API) handleForwardSchedule(w http.ResponseWriter, r *http.Request) {
	var req wire.ForwardScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()

	inst := instance.Instance{
		RequestID:      req.RequestID,
		Function:       req.Function,
		TenantID:       req.TenantID,
		ParentID:       req.ParentID,
		Resources:      req.Resources,
		ScheduleOption: req.ScheduleOption,
		CreateOptions:  req.CreateOptions,
		OwnerProxyID:   req.OwnerProxyID,
		Forwarded:      true,
	}
	id, code, err := a.ctrl.Schedule(r.Context(), inst)
	resp := wire.ForwardScheduleResponse{ScheduleResponse: wire.ScheduleResponse{InstanceID: id, ErrCode: code}}
	if err != nil {
		resp.Msg = err.Error()
	}
	writeJSON(w, statusFor(code), resp)
}

func (a *API) handleForwardKill(w http.ResponseWriter, r *http.Request) {
	var req wire.ForwardKillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()

	// ApplyForwardKill dispatches on the signal (kill, NOTIFY delivery, or
	// forwarded subscribe/unsubscribe) and deduplicates by RequestID, so a
	// peer's retry of the same forward returns the first outcome.
	err := a.ctrl.ApplyForwardKill(r.Context(), req)
	code := instance.ErrNone
	if err != nil {
		code = codeFromErr(err)
	}
	writeJSON(w, statusFor(code), wire.ForwardKillResponse{ErrCode: code})
}

func (a *API) handleForwardCallResult(w http.ResponseWriter, r *http.Request) {
	var req wire.ForwardCallResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()

	resp, err := a.ctrl.ForwardCallResult(r.Context(), req)
	code := instance.ErrNone
	if err != nil {
		code = codeFromErr(err)
	}
	writeJSON(w, statusFor(code), resp)
}

func (a *API) handleKillGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID string `json:"group_id"`
		Signal  int    `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, err.Error())
		return
	}
	defer r.Body.Close()

	err := a.ctrl.ApplyGroupKill(r.Context(), req.GroupID, controller.Signal(req.Signal))
	code := instance.ErrNone
	if err != nil {
		code = codeFromErr(err)
	}
	writeJSON(w, statusFor(code), wire.ForwardKillResponse{ErrCode: code})
}

func (a *API) handleMasterIP(w http.ResponseWriter, r *http.Request) {
	function := r.URL.Query().Get("function")
	if function == "" {
		writeError(w, http.StatusBadRequest, instance.ErrParamInvalid, "missing function query parameter")
		return
	}
	addr, found := a.ctrl.MasterIP(function)
	writeJSON(w, http.StatusOK, wire.QueryMasterIPResponse{MasterIP: addr, Found: found})
}

func codeFromErr(err error) instance.ErrCode {
	var code instance.ErrCode
	if errors.As(err, &code) {
		return code
	}
	return instance.ErrInnerSystemError
}

func statusFor(code instance.ErrCode) int {
	switch code {
	case instance.ErrNone:
		return http.StatusOK
	case instance.ErrParamInvalid, instance.ErrScheduleCanceled:
		return http.StatusBadRequest
	case instance.ErrInstanceNotFound, instance.ErrFunctionMetaNotFound:
		return http.StatusNotFound
	case instance.ErrCreateRateLimit:
		return http.StatusTooManyRequests
	case instance.ErrSubStateInvalid:
		return http.StatusConflict
	case instance.ErrResourceNotEnough:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code instance.ErrCode, msg string) {
	writeJSON(w, status, wire.ScheduleResponse{ErrCode: code, Msg: msg})
}

// shutdownTimeout bounds graceful http.Server shutdown in cmd/functionproxy.
const shutdownTimeout = 10 * time.Second

// ShutdownTimeout exposes shutdownTimeout to the entrypoint.
func ShutdownTimeout() time.Duration { return shutdownTimeout }
