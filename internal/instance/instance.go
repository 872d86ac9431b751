package instance

import (
	"fmt"
	"regexp"
)

// Instance is the unit of work scheduled and tracked by the core.
type Instance struct {
	InstanceID string
	RequestID  string

	Function string // fully qualified; tenant prefix "0" for system functions
	TenantID string

	ParentID           string
	ParentProxyAddress string
	OwnerProxyID       string

	Resources      Resources
	ScheduleOption ScheduleOption
	CreateOptions  map[string]string

	State   State
	Status  Status
	Version int64

	RuntimeID       string
	RuntimeAddress  string
	FunctionAgentID string
	AgentAddr       string // address of the function-agent node hosting this instance
	ScheduleRound   int
	ScheduleTimes   int
	DeployTimes     int

	IsLowReliability bool

	// Forwarded marks a Schedule call that arrived via a peer's
	// ForwardSchedule rather than directly from a client, so the pipeline
	// that first received the request (and only that one) attempts a
	// further peer hop on RESOURCE_NOT_ENOUGH.
	Forwarded bool
}

// Status carries the terminal/ongoing outcome attached to a transition.
type Status struct {
	ErrCode  ErrCode
	ExitCode int
	Msg      string
	Type     string
}

// Resources describes the compute footprint an instance asks for.
type Resources struct {
	CPUMilli      int
	MemoryMB      int
	Heterogeneous []HeterogeneousResource
}

// HeterogeneousResource describes a device request (e.g. an accelerator).
type HeterogeneousResource struct {
	CardType string // matched against CardTypeRegex in ScheduleOption
	Count    int
	MemoryMB int
	Latency  int
	Stream   int
}

// ScheduleOption carries placement policy for the scheduler-decision
// collaborator, plus the affinity/anti-affinity expressions the schedule
// pipeline injects for tenant isolation.
type ScheduleOption struct {
	PolicyName        string
	Affinities        []AffinityExpression
	ResourceSelectors map[string]string
	Labels            map[string]string
	CardTypeRegex     string
}

// AffinityExpressionKind distinguishes required (anti-)affinity from
// preferred (weighted) affinity.
type AffinityExpressionKind int

const (
	AffinityRequired AffinityExpressionKind = iota
	AffinityPreferred
)

// AffinityExpression is one clause of a ScheduleOption's placement policy.
type AffinityExpression struct {
	Kind   AffinityExpressionKind
	Key    string
	Anti   bool // true => anti-affinity (exclude matches)
	Values []string
	Weight int // only meaningful for AffinityPreferred

	// ExcludeOtherValues, when set, flips the match to "exclude candidates
	// whose label is present and NOT in Values" rather than Anti's "exclude
	// candidates whose label IS in Values". This is the shape tenant
	// isolation needs (stay off nodes holding a *different* tenant's
	// instances; a candidate with no label at all still passes) and which
	// Anti's equality-list semantics can't express. Only meaningful
	// alongside Kind == AffinityRequired; Anti and ExcludeOtherValues are
	// mutually exclusive on one expression.
	ExcludeOtherValues bool
}

// Common create-option keys.
const (
	CreateOptionReliabilityTier     = "ReliabilityTier"
	CreateOptionRecoverRetryTimes   = "RecoverRetryTimes"
	CreateOptionRecoverRetryTimeout = "RECOVER_RETRY_TIMEOUT_KEY"
	CreateOptionCustomSignals       = "CustomSignals"
	CreateOptionDeviceIDHints       = "DeviceIDHints"

	// SystemTenantID is the reserved tenant id for system functions; it
	// bypasses rate limiting and tenant-affinity injection.
	SystemTenantID = "0"

	// TenantAffinityKey is the candidate label the schedule pipeline's
	// tenant-isolation injection matches against: the set of tenant ids
	// already holding an instance on that node.
	TenantAffinityKey = "tenant_id"
)

// Valid validates resource bounds. min/max are the cluster-configured
// CPU/memory bounds.
func (r Resources) Valid(minCPU, maxCPU, minMemMB, maxMemMB int) error {
	if r.CPUMilli < minCPU || r.CPUMilli > maxCPU {
		return fmt.Errorf("cpu %dm out of range [%d, %d]", r.CPUMilli, minCPU, maxCPU)
	}
	if r.MemoryMB < minMemMB || r.MemoryMB > maxMemMB {
		return fmt.Errorf("memory %dMB out of range [%d, %d]", r.MemoryMB, minMemMB, maxMemMB)
	}
	for i, h := range r.Heterogeneous {
		if h.Count < 1 {
			return fmt.Errorf("heterogeneous resource %d: count must be >= 1", i)
		}
		if h.MemoryMB <= 0 {
			return fmt.Errorf("heterogeneous resource %d: hbm must be > 0", i)
		}
		if h.Latency <= 0 {
			return fmt.Errorf("heterogeneous resource %d: latency must be > 0", i)
		}
		if h.Stream <= 0 {
			return fmt.Errorf("heterogeneous resource %d: stream must be > 0", i)
		}
	}
	return nil
}

// Valid checks that the option's card-type regex compiles. A request whose
// device-matching expression can't even parse should fail at admission, not
// at placement time.
func (o ScheduleOption) Valid() error {
	if o.CardTypeRegex == "" {
		return nil
	}
	if _, err := regexp.Compile(o.CardTypeRegex); err != nil {
		return fmt.Errorf("card type regex %q does not compile: %s", o.CardTypeRegex, err)
	}
	return nil
}

// IsSystemTenant reports whether this instance belongs to the reserved
// system tenant, which bypasses rate limiting and tenant-affinity injection.
func (i Instance) IsSystemTenant() bool { return i.TenantID == SystemTenantID }
