// Package scheduler defines the placement-decision collaborator the
// Instance Controller consults during the schedule pipeline, plus a simple
// pluggable implementation. The decision algorithm itself is swappable;
// the controller only depends on the Decide/Confirm contract.
package scheduler

import (
	"context"
	"errors"
	"sort"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

// ErrNoCandidate is returned when no node satisfies an instance's resource
// and affinity requirements.
var ErrNoCandidate = errors.New("scheduler: no candidate node satisfies placement requirements")

// Candidate describes one node's current capacity and labels, as reported
// by the controller's CandidateSource.
type Candidate struct {
	NodeID          string
	FunctionAgentID string
	Labels          map[string]string
	CardTypes       []string
	AvailableCPU    int
	AvailableMemMB  int
	InstanceCount   int
}

// Decision is the outcome of a scheduling pass: which node should host the
// instance.
type Decision struct {
	NodeID          string
	FunctionAgentID string
}

// Scheduler picks a placement for a pending instance out of a candidate
// set, and is later told whether the placement succeeded so it can adjust
// its bookkeeping (e.g. optimistic capacity accounting).
type Scheduler interface {
	// Decide returns the chosen candidate for req, or ErrNoCandidate.
	Decide(ctx context.Context, req instance.Instance, candidates []Candidate) (Decision, error)

	// Confirm reports whether a prior Decision actually succeeded, so the
	// scheduler can reconcile any optimistic accounting it performed.
	Confirm(ctx context.Context, d Decision, succeeded bool)
}

// scoringScheduler is a straightforward best-fit implementation: it filters
// candidates by hard affinity/resource requirements, then picks the one
// with the most available CPU (ties broken by lowest instance count).
type scoringScheduler struct{}

// New returns the default best-fit Scheduler.
func New() Scheduler { return scoringScheduler{} }

func (scoringScheduler) Decide(_ context.Context, req instance.Instance, candidates []Candidate) (Decision, error) {
	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !satisfiesResources(req, c) {
			continue
		}
		if !satisfiesAffinities(req.ScheduleOption, c) {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return Decision{}, ErrNoCandidate
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].AvailableCPU != filtered[j].AvailableCPU {
			return filtered[i].AvailableCPU > filtered[j].AvailableCPU
		}
		return filtered[i].InstanceCount < filtered[j].InstanceCount
	})

	best := filtered[0]
	return Decision{NodeID: best.NodeID, FunctionAgentID: best.FunctionAgentID}, nil
}

func (scoringScheduler) Confirm(context.Context, Decision, bool) {}

func satisfiesResources(req instance.Instance, c Candidate) bool {
	if c.AvailableCPU < req.Resources.CPUMilli {
		return false
	}
	if c.AvailableMemMB < req.Resources.MemoryMB {
		return false
	}
	return true
}

func satisfiesAffinities(opt instance.ScheduleOption, c Candidate) bool {
	for _, aff := range opt.Affinities {
		if aff.Kind != instance.AffinityRequired {
			continue // preferred affinities do not affect eligibility, and Decide's scoring ignores them
		}
		if aff.ExcludeOtherValues {
			if v, ok := c.Labels[aff.Key]; ok && !valuesContain(aff.Values, v) {
				return false
			}
			continue
		}
		match := labelsMatch(aff.Key, aff.Values, c.Labels)
		if aff.Anti && match {
			return false
		}
		if !aff.Anti && !match {
			return false
		}
	}
	return true
}

func valuesContain(values []string, v string) bool {
	for _, want := range values {
		if v == want {
			return true
		}
	}
	return false
}

func labelsMatch(key string, values []string, labels map[string]string) bool {
	v, ok := labels[key]
	if !ok {
		return false
	}
	for _, want := range values {
		if v == want {
			return true
		}
	}
	return false
}
