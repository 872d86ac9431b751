// Package workerclient implements the control-plane connection to a
// deployed instance's runtime process: readiness probing, the InitCall
// handshake, heartbeats, signal delivery, checkpoint/recover, and result
// delivery. Reconnects go through a sony/gobreaker circuit breaker so a
// dead runtime fails fast instead of tying up callers, and runtime-pushed
// events arrive over an SSE stream.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/sony/gobreaker/v2"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

// HeartbeatReply is the runtime's self-reported liveness.
type HeartbeatReply struct {
	Healthy  bool   `json:"healthy"`
	ExitCode int    `json:"exit_code,omitempty"`
	Msg      string `json:"msg,omitempty"`
}

// CallResult is the outcome of a runtime invocation.
type CallResult struct {
	Success bool
	ErrCode instance.ErrCode
	Payload []byte
}

// WorkerClient is the collaborator contract for talking to one instance's
// runtime process over its control channel.
type WorkerClient interface {
	Readiness(ctx context.Context) error
	InitCall(ctx context.Context, payload []byte) (CallResult, error)
	Heartbeat(ctx context.Context) (HeartbeatReply, error)
	Shutdown(ctx context.Context, graceSeconds int) error
	Signal(ctx context.Context, signal int) error
	Checkpoint(ctx context.Context) error
	Recover(ctx context.Context) error
	NotifyResult(ctx context.Context, result CallResult) error
	Call(ctx context.Context, payload []byte) (CallResult, error)
	// Events returns a channel of server-sent events the runtime emits
	// (log lines, lifecycle notices). Closed when ctx is canceled or the
	// connection is permanently lost.
	Events(ctx context.Context) (<-chan eventsource.Event, error)
}

// HTTPClient is the production WorkerClient. One is constructed per
// instance, pointed at its RuntimeAddress.
type HTTPClient struct {
	addr    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[any]
}

// New constructs an HTTPClient bound to a runtime's control-channel address.
// The circuit breaker trips after 5 consecutive failures and stays open for
// 10 seconds before allowing a half-open probe.
func New(addr string) *HTTPClient {
	return &HTTPClient{
		addr: addr,
		http: &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "workerclient:" + addr,
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
		}),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var reader *bytes.Reader
		switch b := body.(type) {
		case nil:
			reader = bytes.NewReader(nil)
		case []byte:
			// Already-encoded payloads go through verbatim; marshaling
			// them again would base64 the bytes.
			reader = bytes.NewReader(b)
		default:
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("workerclient: %s %s: status %d", method, path, resp.StatusCode)
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s", instance.ErrRequestBetweenRuntimeBus, err)
	}
	return nil
}

func (c *HTTPClient) Readiness(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readiness", nil, nil)
}

func (c *HTTPClient) InitCall(ctx context.Context, payload []byte) (CallResult, error) {
	var out CallResult
	err := c.do(ctx, http.MethodPost, "/init", payload, &out)
	return out, err
}

func (c *HTTPClient) Heartbeat(ctx context.Context) (HeartbeatReply, error) {
	var out HeartbeatReply
	err := c.do(ctx, http.MethodGet, "/heartbeat", nil, &out)
	return out, err
}

func (c *HTTPClient) Shutdown(ctx context.Context, graceSeconds int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/shutdown?grace=%d", graceSeconds), nil, nil)
}

func (c *HTTPClient) Signal(ctx context.Context, signal int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/signal?value=%d", signal), nil, nil)
}

func (c *HTTPClient) Checkpoint(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/checkpoint", nil, nil)
}

func (c *HTTPClient) Recover(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/recover", nil, nil)
}

func (c *HTTPClient) NotifyResult(ctx context.Context, result CallResult) error {
	return c.do(ctx, http.MethodPost, "/notify_result", result, nil)
}

func (c *HTTPClient) Call(ctx context.Context, payload []byte) (CallResult, error) {
	var out CallResult
	err := c.do(ctx, http.MethodPost, "/call", payload, &out)
	return out, err
}

func (c *HTTPClient) Events(ctx context.Context) (<-chan eventsource.Event, error) {
	req, err := http.NewRequest(http.MethodGet, c.addr+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", instance.ErrRequestBetweenRuntimeBus, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")

	es := eventsource.New(req, time.Second)

	out := make(chan eventsource.Event)
	go func() {
		<-ctx.Done()
		es.Close()
	}()
	go func() {
		defer close(out)
		for {
			ev, err := es.Read()
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
