// Package localsched is the peer-to-peer collaborator used when an
// instance's owning node differs from the node a request lands on:
// forwarding a schedule or kill to the owner, forming a group-kill
// broadcast, and answering "who holds the master instance for this
// function" queries.
package localsched

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
	"github.com/soundcloud/harpoon/functionproxy/internal/wire"
)

// LocalSchedService is the collaborator contract for cross-node forwarding.
type LocalSchedService interface {
	ForwardSchedule(ctx context.Context, ownerAddr string, req wire.ForwardScheduleRequest) (wire.ForwardScheduleResponse, error)
	ForwardKillToInstanceManager(ctx context.Context, ownerAddr string, req wire.ForwardKillRequest) (wire.ForwardKillResponse, error)
	KillGroup(ctx context.Context, peerAddrs []string, groupID string, signal int) []error
	QueryMasterIP(ctx context.Context, ownerAddr, function string) (wire.QueryMasterIPResponse, error)
}

// HTTPService is the production LocalSchedService, talking plain JSON over
// HTTP to peer proxy nodes.
type HTTPService struct {
	Client *http.Client
}

// NewHTTPService constructs an HTTPService with a bounded request timeout.
func NewHTTPService() *HTTPService {
	return &HTTPService{Client: &http.Client{Timeout: 5 * time.Second}}
}

// maxForwardAttempts bounds the number of attempts (the first one included)
// a forwarded schedule request makes before giving up.
const maxForwardAttempts = 3

func (s *HTTPService) ForwardSchedule(ctx context.Context, ownerAddr string, req wire.ForwardScheduleRequest) (wire.ForwardScheduleResponse, error) {
	var last wire.ForwardScheduleResponse
	var lastErr error
	for attempt := 0; attempt < maxForwardAttempts; attempt++ {
		resp, err := postJSON[wire.ForwardScheduleResponse](ctx, s.Client, ownerAddr+"/internal/forward_schedule", req)
		if err == nil {
			return resp, nil
		}
		last, lastErr = resp, err
	}
	return last, lastErr
}

func (s *HTTPService) ForwardKillToInstanceManager(ctx context.Context, ownerAddr string, req wire.ForwardKillRequest) (wire.ForwardKillResponse, error) {
	return postJSON[wire.ForwardKillResponse](ctx, s.Client, ownerAddr+"/internal/forward_kill", req)
}

func (s *HTTPService) KillGroup(ctx context.Context, peerAddrs []string, groupID string, signal int) []error {
	errs := make([]error, len(peerAddrs))
	type result struct {
		idx int
		err error
	}
	resc := make(chan result, len(peerAddrs))
	for i, addr := range peerAddrs {
		go func(i int, addr string) {
			_, err := postJSON[wire.ForwardKillResponse](ctx, s.Client, addr+"/internal/kill_group", map[string]any{
				"group_id": groupID,
				"signal":   signal,
			})
			resc <- result{idx: i, err: err}
		}(i, addr)
	}
	for range peerAddrs {
		r := <-resc
		errs[r.idx] = r.err
	}
	return errs
}

func (s *HTTPService) QueryMasterIP(ctx context.Context, ownerAddr, function string) (wire.QueryMasterIPResponse, error) {
	url := fmt.Sprintf("%s/internal/master_ip?function=%s", ownerAddr, function)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wire.QueryMasterIPResponse{}, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return wire.QueryMasterIPResponse{}, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	defer resp.Body.Close()
	var out wire.QueryMasterIPResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wire.QueryMasterIPResponse{}, fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	return out, nil
}

func postJSON[T any](ctx context.Context, client *http.Client, url string, body any) (T, error) {
	var zero T
	buf, err := json.Marshal(body)
	if err != nil {
		return zero, fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return zero, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return zero, fmt.Errorf("%w: status %d", instance.ErrInnerCommunication, resp.StatusCode)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	return out, nil
}
