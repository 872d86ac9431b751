package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

func TestReadinessSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readiness" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Readiness(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}

func TestHeartbeatRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HeartbeatReply{Healthy: true})
	}))
	defer srv.Close()

	c := New(srv.URL)
	reply, err := c.Heartbeat(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !reply.Healthy {
		t.Fatal("expected a healthy reply")
	}
}

func TestDoWrapsTransportErrorsAsRequestBetweenRuntimeBus(t *testing.T) {
	// An address nothing listens on forces a transport-level failure.
	c := New("http://127.0.0.1:1")
	err := c.Readiness(context.Background())
	if err == nil {
		t.Fatal("expected an error when nothing is listening")
	}
	if !errors.Is(err, instance.ErrRequestBetweenRuntimeBus) {
		t.Fatalf("expected the error to wrap ErrRequestBetweenRuntimeBus, got %s", err)
	}
}

func TestDoSurfacesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Signal(context.Background(), 9); err == nil {
		t.Fatal("expected a 500 response to surface as an error")
	}
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	for i := 0; i < 5; i++ {
		if err := c.Checkpoint(context.Background()); err == nil {
			t.Fatalf("expected failure %d to surface an error", i)
		}
	}

	// The breaker should now be open and short-circuit without dialing out.
	err := c.Checkpoint(context.Background())
	if err == nil {
		t.Fatal("expected the tripped breaker to still report an error")
	}
	if got := hits.Load(); got != 5 {
		t.Fatalf("expected the open breaker to skip the server, got %d requests", got)
	}
}

func TestNotifyResultSendsPayload(t *testing.T) {
	var got CallResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := New(srv.URL)
	want := CallResult{Success: true, ErrCode: instance.ErrNone, Payload: []byte("ok")}
	if err := c.NotifyResult(context.Background(), want); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !got.Success || string(got.Payload) != "ok" {
		t.Fatalf("unexpected payload received by server: %+v", got)
	}
}
