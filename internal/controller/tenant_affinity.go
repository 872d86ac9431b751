package controller

import "github.com/soundcloud/harpoon/functionproxy/internal/instance"

// injectTenantAffinity adds the tenant-isolation clauses onto
// req.ScheduleOption: a required exclude-other-tenants
// anti-affinity, so placement avoids nodes already hosting a different
// tenant's instances, and a preferred self-affinity so repeat placements for
// the same tenant favor nodes it already occupies (better cache/connection
// reuse). System-tenant instances are exempt; the system tenant is allowed
// to colocate with anything. Any user-supplied affinity expression keyed on
// TenantAffinityKey is dropped first, since it could otherwise contradict
// the injected isolation clause.
func injectTenantAffinity(req *instance.Instance) {
	if req.IsSystemTenant() {
		return
	}

	kept := req.ScheduleOption.Affinities[:0:0]
	for _, aff := range req.ScheduleOption.Affinities {
		if aff.Key == instance.TenantAffinityKey {
			continue
		}
		kept = append(kept, aff)
	}

	kept = append(kept,
		instance.AffinityExpression{
			Kind:               instance.AffinityRequired,
			Key:                instance.TenantAffinityKey,
			Values:             []string{req.TenantID},
			ExcludeOtherValues: true,
		},
		instance.AffinityExpression{
			Kind:   instance.AffinityPreferred,
			Key:    instance.TenantAffinityKey,
			Values: []string{req.TenantID},
			Weight: 100,
		},
	)
	req.ScheduleOption.Affinities = kept
}
