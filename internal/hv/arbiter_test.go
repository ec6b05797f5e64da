package hv

import "testing"

func regions() []MemoryRegion {
	return []MemoryRegion{
		{GuestStart: 0x0, GuestEnd: 0x1000, Flags: FlagRead | FlagExecute},
		{GuestStart: 0x1000, GuestEnd: 0x2000, Flags: FlagRead | FlagWrite},
		{GuestStart: 0x2000, GuestEnd: 0x2100, Flags: FlagRead | FlagWrite | FlagStackGuard},
	}
}

func TestClassifyAllowedAccess(t *testing.T) {
	_, ok := Classify(regions(), 0x1500, FlagRead)
	if ok {
		t.Fatalf("expected allowed read to report no violation")
	}
}

func TestClassifyPermissionViolation(t *testing.T) {
	reason, ok := Classify(regions(), 0x500, FlagWrite)
	if !ok {
		t.Fatalf("expected write into a read+execute region to violate")
	}
	if reason.Kind != ExitAccessViolation {
		t.Fatalf("Kind = %v, want ExitAccessViolation", reason.Kind)
	}
	if reason.Attempted != FlagWrite {
		t.Fatalf("Attempted = %v, want FlagWrite", reason.Attempted)
	}
	if reason.Region != FlagRead|FlagExecute {
		t.Fatalf("Region = %v, want FlagRead|FlagExecute", reason.Region)
	}
}

func TestClassifyStackGuardAlwaysViolates(t *testing.T) {
	reason, ok := Classify(regions(), 0x2050, FlagRead)
	if !ok {
		t.Fatalf("expected a read into the stack guard region to violate")
	}
	if reason.Kind != ExitAccessViolation {
		t.Fatalf("Kind = %v, want ExitAccessViolation", reason.Kind)
	}
}

func TestClassifyUnmappedAddressIsNotAnAccessViolation(t *testing.T) {
	// An unmapped address is left for the caller to treat as an Mmio
	// exit rather than being classified as an access violation here.
	_, ok := Classify(regions(), 0x5000, FlagRead)
	if ok {
		t.Fatalf("expected an unmapped address to report no access violation")
	}
}
