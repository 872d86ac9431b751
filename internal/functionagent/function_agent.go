// Package functionagent is the collaborator the controller uses to deploy
// and tear down instances on a node-local function-agent daemon.
package functionagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

// DeployRequest asks the function-agent to stand up a runtime for an
// instance.
type DeployRequest struct {
	InstanceID    string             `json:"instance_id"`
	Function      string             `json:"function"`
	Resources     instance.Resources `json:"resources"`
	CreateOptions map[string]string  `json:"create_options,omitempty"`
	CodeLayers    []string           `json:"code_layers,omitempty"`
	Env           map[string]string  `json:"env,omitempty"`
}

// DeployResult reports the outcome of a deploy attempt.
type DeployResult struct {
	RuntimeID      string
	RuntimeAddress string
	ErrCode        instance.ErrCode
	Msg            string
}

// StatusInfo is the function-agent's view of one instance's runtime
// process, used for reconciliation sync and health checks.
type StatusInfo struct {
	InstanceID string
	RuntimeID  string
	Running    bool
	ExitCode   int
	Msg        string
	// ExceptionInfo reports that the runtime itself surfaced an application
	// exception, distinguishing a user-code fault from a plain
	// heartbeat/communication loss so the
	// heartbeat pipeline can go straight to FATAL instead of rescheduling.
	ExceptionInfo bool
}

// FunctionAgentMgr is the collaborator contract for deploying, killing, and
// querying instances on a function-agent node.
type FunctionAgentMgr interface {
	DeployInstance(ctx context.Context, agentAddr string, req DeployRequest) (DeployResult, error)
	// KillInstance signals an instance; isMonopoly marks a kill that should
	// tear the instance down exclusively even if the agent otherwise shares
	// its runtime slot, used for the compensating kill issued when the
	// connect/init retry budget is exhausted.
	KillInstance(ctx context.Context, agentAddr, instanceID string, signal int, isMonopoly bool) error
	QueryInstanceStatusInfo(ctx context.Context, agentAddr, instanceID string) (StatusInfo, error)
	IsFuncAgentRecovering(ctx context.Context, agentAddr string) (bool, error)
}

// HTTPClient is the production FunctionAgentMgr, talking plain JSON over
// HTTP to each node's function-agent daemon.
type HTTPClient struct {
	Client *http.Client
}

// NewHTTPClient constructs an HTTPClient with a sane request timeout.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{Client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPClient) DeployInstance(ctx context.Context, agentAddr string, req DeployRequest) (DeployResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return DeployResult{}, fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, agentAddr+"/instances/"+req.InstanceID, bytes.NewReader(body))
	if err != nil {
		return DeployResult{}, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return DeployResult{}, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	defer resp.Body.Close()

	var out DeployResult
	if resp.StatusCode != http.StatusOK {
		return DeployResult{ErrCode: instance.ErrInnerCommunication}, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DeployResult{}, fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	return out, nil
}

func (c *HTTPClient) KillInstance(ctx context.Context, agentAddr, instanceID string, signal int, isMonopoly bool) error {
	url := fmt.Sprintf("%s/instances/%s/signal?value=%d&monopoly=%t", agentAddr, instanceID, signal, isMonopoly)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return instance.ErrInnerCommunication
	}
	return nil
}

func (c *HTTPClient) QueryInstanceStatusInfo(ctx context.Context, agentAddr, instanceID string) (StatusInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, agentAddr+"/instances/"+instanceID, nil)
	if err != nil {
		return StatusInfo{}, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return StatusInfo{}, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return StatusInfo{InstanceID: instanceID}, nil
	}
	var out StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusInfo{}, fmt.Errorf("%w: %s", instance.ErrInnerSystemError, err)
	}
	return out, nil
}

func (c *HTTPClient) IsFuncAgentRecovering(ctx context.Context, agentAddr string) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, agentAddr+"/recovering", nil)
	if err != nil {
		return false, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("%w: %s", instance.ErrInnerCommunication, err)
	}
	defer resp.Body.Close()
	var out struct {
		Recovering bool `json:"recovering"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, nil
	}
	return out.Recovering, nil
}
