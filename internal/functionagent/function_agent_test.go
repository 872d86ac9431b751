package functionagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

func TestDeployInstanceRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/instances/inst-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req DeployRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Function != "tenant/echo" {
			t.Errorf("unexpected function in request: %s", req.Function)
		}
		json.NewEncoder(w).Encode(DeployResult{RuntimeID: "rt-1", RuntimeAddress: "http://runtime", ErrCode: instance.ErrNone})
	}))
	defer srv.Close()

	c := NewHTTPClient()
	res, err := c.DeployInstance(context.Background(), srv.URL, DeployRequest{InstanceID: "inst-1", Function: "tenant/echo"})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if res.RuntimeID != "rt-1" || res.RuntimeAddress != "http://runtime" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDeployInstanceNonOKStatusMapsToInnerCommunication(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient()
	res, err := c.DeployInstance(context.Background(), srv.URL, DeployRequest{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("unexpected transport error: %s", err)
	}
	if res.ErrCode != instance.ErrInnerCommunication {
		t.Fatalf("expected ErrInnerCommunication, got %s", res.ErrCode)
	}
}

func TestKillInstanceTreatsNotFoundAsBenign(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient()
	if err := c.KillInstance(context.Background(), srv.URL, "inst-1", 9, false); err != nil {
		t.Fatalf("expected a 404 kill to be treated as already-gone, got %s", err)
	}
}

func TestQueryInstanceStatusInfoNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient()
	status, err := c.QueryInstanceStatusInfo(context.Background(), srv.URL, "inst-1")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if status.InstanceID != "inst-1" {
		t.Fatalf("expected a zero-value status carrying the instance id, got %+v", status)
	}
}

func TestIsFuncAgentRecovering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"recovering": true})
	}))
	defer srv.Close()

	c := NewHTTPClient()
	recovering, err := c.IsFuncAgentRecovering(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !recovering {
		t.Fatal("expected recovering=true")
	}
}
