package hv

// Classify checks a single guest physical address access against the
// region table and reports the AccessViolation payload to attach to the
// exit, or ok == false if the access is permitted.
//
// An access is a violation when no region covers gpa (handled separately
// by the caller as a Mmio exit, not here), when the covering region does
// not grant the attempted permission bits, or when the covering region
// carries STACK_GUARD regardless of the attempted permission — touching a
// guard page is always fatal, even a read.
func Classify(regions []MemoryRegion, gpa uint64, attempted MemoryRegionFlags) (violation ExitReason, ok bool) {
	region, found := FindRegion(regions, gpa)
	if !found {
		return ExitReason{}, false
	}
	if !region.Flags.Contains(attempted) || region.Flags.Intersects(FlagStackGuard) {
		return ExitReason{
			Kind:      ExitAccessViolation,
			Addr:      gpa,
			Attempted: attempted,
			Region:    region.Flags,
		}, true
	}
	return ExitReason{}, false
}
