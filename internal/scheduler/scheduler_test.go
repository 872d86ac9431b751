package scheduler

import (
	"context"
	"testing"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

func TestDecidePicksMostAvailableCPU(t *testing.T) {
	s := New()
	req := instance.Instance{Resources: instance.Resources{CPUMilli: 100, MemoryMB: 128}}
	cands := []Candidate{
		{NodeID: "low", AvailableCPU: 200, AvailableMemMB: 1024},
		{NodeID: "high", AvailableCPU: 800, AvailableMemMB: 1024},
	}

	d, err := s.Decide(context.Background(), req, cands)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if d.NodeID != "high" {
		t.Fatalf("expected the higher-capacity node to win, got %s", d.NodeID)
	}
}

func TestDecideFiltersByResources(t *testing.T) {
	s := New()
	req := instance.Instance{Resources: instance.Resources{CPUMilli: 500, MemoryMB: 2048}}
	cands := []Candidate{
		{NodeID: "tiny", AvailableCPU: 100, AvailableMemMB: 256},
	}

	_, err := s.Decide(context.Background(), req, cands)
	if err != ErrNoCandidate {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}
}

func TestDecideRequiredAntiAffinityExcludesMatch(t *testing.T) {
	s := New()
	req := instance.Instance{
		Resources: instance.Resources{CPUMilli: 100, MemoryMB: 128},
		ScheduleOption: instance.ScheduleOption{
			Affinities: []instance.AffinityExpression{
				{Kind: instance.AffinityRequired, Key: "zone", Anti: true, Values: []string{"bad-zone"}},
			},
		},
	}
	cands := []Candidate{
		{NodeID: "excluded", AvailableCPU: 1000, AvailableMemMB: 1024, Labels: map[string]string{"zone": "bad-zone"}},
		{NodeID: "allowed", AvailableCPU: 500, AvailableMemMB: 1024, Labels: map[string]string{"zone": "good-zone"}},
	}

	d, err := s.Decide(context.Background(), req, cands)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if d.NodeID != "allowed" {
		t.Fatalf("expected the non-matching node to win, got %s", d.NodeID)
	}
}

func TestDecideRequiredAffinityExcludesNonMatch(t *testing.T) {
	s := New()
	req := instance.Instance{
		Resources: instance.Resources{CPUMilli: 100, MemoryMB: 128},
		ScheduleOption: instance.ScheduleOption{
			Affinities: []instance.AffinityExpression{
				{Kind: instance.AffinityRequired, Key: "zone", Values: []string{"good-zone"}},
			},
		},
	}
	cands := []Candidate{
		{NodeID: "no-label", AvailableCPU: 1000, AvailableMemMB: 1024},
	}

	_, err := s.Decide(context.Background(), req, cands)
	if err != ErrNoCandidate {
		t.Fatalf("expected ErrNoCandidate when no candidate satisfies a required affinity, got %v", err)
	}
}

func TestDecideTieBreaksOnInstanceCount(t *testing.T) {
	s := New()
	req := instance.Instance{Resources: instance.Resources{CPUMilli: 100, MemoryMB: 128}}
	cands := []Candidate{
		{NodeID: "busy", AvailableCPU: 500, AvailableMemMB: 1024, InstanceCount: 10},
		{NodeID: "idle", AvailableCPU: 500, AvailableMemMB: 1024, InstanceCount: 0},
	}

	d, err := s.Decide(context.Background(), req, cands)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if d.NodeID != "idle" {
		t.Fatalf("expected the idler node to win a CPU tie, got %s", d.NodeID)
	}
}

func TestDecideExcludeOtherValuesAllowsUnlabeledAndOwnTenant(t *testing.T) {
	s := New()
	req := instance.Instance{
		Resources: instance.Resources{CPUMilli: 100, MemoryMB: 128},
		ScheduleOption: instance.ScheduleOption{
			Affinities: []instance.AffinityExpression{
				{Kind: instance.AffinityRequired, Key: "tenant_id", Values: []string{"t1"}, ExcludeOtherValues: true},
			},
		},
	}
	cands := []Candidate{
		{NodeID: "other-tenant", AvailableCPU: 1000, AvailableMemMB: 1024, Labels: map[string]string{"tenant_id": "t2"}},
		{NodeID: "unlabeled", AvailableCPU: 500, AvailableMemMB: 1024},
		{NodeID: "same-tenant", AvailableCPU: 400, AvailableMemMB: 1024, Labels: map[string]string{"tenant_id": "t1"}},
	}

	d, err := s.Decide(context.Background(), req, cands)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if d.NodeID != "unlabeled" {
		t.Fatalf("expected the best-fit non-excluded node (unlabeled, highest CPU), got %s", d.NodeID)
	}

	req.Resources.CPUMilli = 450 // more than "same-tenant"'s 400; "other-tenant" stays excluded
	cands = []Candidate{
		{NodeID: "other-tenant", AvailableCPU: 1000, AvailableMemMB: 1024, Labels: map[string]string{"tenant_id": "t2"}},
		{NodeID: "same-tenant", AvailableCPU: 400, AvailableMemMB: 1024, Labels: map[string]string{"tenant_id": "t1"}},
	}
	_, err = s.Decide(context.Background(), req, cands)
	if err != ErrNoCandidate {
		t.Fatalf("expected ErrNoCandidate: the only non-excluded node lacks the CPU, got %v", err)
	}
}

func TestConfirmIsANoOpForScoringScheduler(t *testing.T) {
	s := New()
	// Confirm must not panic regardless of outcome; scoringScheduler keeps
	// no optimistic accounting to reconcile.
	s.Confirm(context.Background(), Decision{NodeID: "x"}, true)
	s.Confirm(context.Background(), Decision{NodeID: "x"}, false)
}
