package controller

import (
	"testing"

	"github.com/soundcloud/harpoon/functionproxy/internal/instance"
)

func TestInjectTenantAffinityAddsRequiredAndPreferredClauses(t *testing.T) {
	req := instance.Instance{TenantID: "t1"}
	injectTenantAffinity(&req)

	affs := req.ScheduleOption.Affinities
	if len(affs) != 2 {
		t.Fatalf("expected 2 injected affinities, got %d: %+v", len(affs), affs)
	}

	required := affs[0]
	if required.Kind != instance.AffinityRequired || required.Key != instance.TenantAffinityKey ||
		!required.ExcludeOtherValues || len(required.Values) != 1 || required.Values[0] != "t1" {
		t.Fatalf("unexpected required clause: %+v", required)
	}

	preferred := affs[1]
	if preferred.Kind != instance.AffinityPreferred || preferred.Key != instance.TenantAffinityKey ||
		preferred.Weight != 100 || len(preferred.Values) != 1 || preferred.Values[0] != "t1" {
		t.Fatalf("unexpected preferred clause: %+v", preferred)
	}
}

func TestInjectTenantAffinityDropsConflictingUserClause(t *testing.T) {
	req := instance.Instance{
		TenantID: "t1",
		ScheduleOption: instance.ScheduleOption{
			Affinities: []instance.AffinityExpression{
				{Kind: instance.AffinityRequired, Key: instance.TenantAffinityKey, Values: []string{"someone-else"}},
				{Kind: instance.AffinityRequired, Key: "zone", Anti: true, Values: []string{"bad-zone"}},
			},
		},
	}
	injectTenantAffinity(&req)

	affs := req.ScheduleOption.Affinities
	if len(affs) != 3 {
		t.Fatalf("expected the unrelated clause plus 2 injected clauses, got %d: %+v", len(affs), affs)
	}
	if affs[0].Key != "zone" {
		t.Fatalf("expected the unrelated user clause to survive, got %+v", affs[0])
	}
	for _, aff := range affs[1:] {
		if aff.Key != instance.TenantAffinityKey {
			t.Fatalf("expected only injected tenant clauses after the kept ones, got %+v", aff)
		}
	}
}

func TestInjectTenantAffinitySkipsSystemTenant(t *testing.T) {
	req := instance.Instance{TenantID: instance.SystemTenantID}
	injectTenantAffinity(&req)

	if len(req.ScheduleOption.Affinities) != 0 {
		t.Fatalf("expected no injected affinities for the system tenant, got %+v", req.ScheduleOption.Affinities)
	}
}
