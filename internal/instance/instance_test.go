package instance

import "testing"

func TestCanTransitionLegalEdges(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateNew, StateScheduling},
		{StateScheduling, StateCreating},
		{StateCreating, StateRunning},
		{StateRunning, StateSubHealth},
		{StateSubHealth, StateRunning},
		{StateRunning, StateEvicting},
		{StateEvicting, StateEvicted},
		{StateRunning, StateExiting},
		{StateExiting, StateExited},
		{StateScheduleFailed, StateScheduling},
		{StateFailed, StateScheduling},
	}
	for _, c := range cases {
		if !CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be legal", c.from, c.to)
		}
	}
}

func TestCanTransitionIllegalEdges(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateNew, StateRunning},
		{StateExited, StateRunning},
		{StateEvicted, StateScheduling},
		{StateFatal, StateNew},
		{StateRunning, StateNew},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be illegal", c.from, c.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateExited, StateEvicted, StateFatal} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []State{StateNew, StateScheduling, StateRunning, StateSubHealth, StateFailed} {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestStateStringUnknown(t *testing.T) {
	if got := State(999).String(); got != "UNKNOWN_STATE(999)" {
		t.Fatalf("unexpected String() for an out-of-range state: %s", got)
	}
}

func TestErrCodeStringAndError(t *testing.T) {
	if ErrResourceNotEnough.String() != "ERR_RESOURCE_NOT_ENOUGH" {
		t.Fatalf("unexpected String(): %s", ErrResourceNotEnough.String())
	}
	var err error = ErrResourceNotEnough
	if err.Error() != "ERR_RESOURCE_NOT_ENOUGH" {
		t.Fatalf("expected ErrCode to satisfy error with the same text, got %s", err.Error())
	}
}

func TestResourcesValidBounds(t *testing.T) {
	r := Resources{CPUMilli: 100, MemoryMB: 128}
	if err := r.Valid(50, 64000, 64, 256000); err != nil {
		t.Fatalf("expected valid resources to pass, got %s", err)
	}

	tooLittleCPU := Resources{CPUMilli: 1, MemoryMB: 128}
	if err := tooLittleCPU.Valid(50, 64000, 64, 256000); err == nil {
		t.Fatal("expected CPU below the minimum to be rejected")
	}

	tooMuchMem := Resources{CPUMilli: 100, MemoryMB: 999999}
	if err := tooMuchMem.Valid(50, 64000, 64, 256000); err == nil {
		t.Fatal("expected memory above the maximum to be rejected")
	}
}

func TestResourcesValidHeterogeneous(t *testing.T) {
	valid := Resources{CPUMilli: 100, MemoryMB: 128, Heterogeneous: []HeterogeneousResource{
		{CardType: "A100", Count: 1, MemoryMB: 40000, Latency: 1, Stream: 1},
	}}
	if err := valid.Valid(50, 64000, 64, 256000); err != nil {
		t.Fatalf("expected a valid heterogeneous resource to pass, got %s", err)
	}

	invalid := Resources{CPUMilli: 100, MemoryMB: 128, Heterogeneous: []HeterogeneousResource{
		{CardType: "A100", Count: 0, MemoryMB: 40000, Latency: 1, Stream: 1},
	}}
	if err := invalid.Valid(50, 64000, 64, 256000); err == nil {
		t.Fatal("expected a zero-count heterogeneous resource to be rejected")
	}
}

func TestIsSystemTenant(t *testing.T) {
	sys := Instance{TenantID: SystemTenantID}
	if !sys.IsSystemTenant() {
		t.Fatal("expected the reserved tenant id to report as the system tenant")
	}
	other := Instance{TenantID: "tenant-42"}
	if other.IsSystemTenant() {
		t.Fatal("expected a regular tenant id to not report as the system tenant")
	}
}

func TestScheduleOptionValidCardTypeRegex(t *testing.T) {
	if err := (ScheduleOption{}).Valid(); err != nil {
		t.Fatalf("expected an empty card-type regex to pass, got %s", err)
	}
	if err := (ScheduleOption{CardTypeRegex: "NPU/Ascend910"}).Valid(); err != nil {
		t.Fatalf("expected a well-formed card-type regex to pass, got %s", err)
	}
	if err := (ScheduleOption{CardTypeRegex: "NPU/(Ascend910"}).Valid(); err == nil {
		t.Fatal("expected an unbalanced card-type regex to be rejected")
	}
}
