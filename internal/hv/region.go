package hv

import (
	"fmt"
	"strings"
)

// MemoryRegionFlags is a bitmask of permissions carried by a MemoryRegion.
type MemoryRegionFlags uint32

const (
	FlagRead MemoryRegionFlags = 1 << iota
	FlagWrite
	FlagExecute
	FlagStackGuard
)

func (f MemoryRegionFlags) Contains(other MemoryRegionFlags) bool {
	return f&other == other
}

func (f MemoryRegionFlags) Intersects(other MemoryRegionFlags) bool {
	return f&other != 0
}

func (f MemoryRegionFlags) String() string {
	if f == 0 {
		return "NONE"
	}
	var names []string
	if f&FlagRead != 0 {
		names = append(names, "READ")
	}
	if f&FlagWrite != 0 {
		names = append(names, "WRITE")
	}
	if f&FlagExecute != 0 {
		names = append(names, "EXECUTE")
	}
	if f&FlagStackGuard != 0 {
		names = append(names, "STACK_GUARD")
	}
	rest := f &^ (FlagRead | FlagWrite | FlagExecute | FlagStackGuard)
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// MemoryRegion is a half-open interval of guest physical addresses with a
// uniform set of permission flags. Regions are supplied by the (external)
// shared-memory region manager and are consulted, in sequence, via linear
// search — the expected region count per sandbox is small enough that this
// is not a performance concern.
type MemoryRegion struct {
	GuestStart uint64
	GuestEnd   uint64 // exclusive
	Flags      MemoryRegionFlags
}

// Contains reports whether gpa falls within this region's half-open range.
func (r MemoryRegion) Contains(gpa uint64) bool {
	return gpa >= r.GuestStart && gpa < r.GuestEnd
}

// FindRegion returns the region containing gpa, if any.
func FindRegion(regions []MemoryRegion, gpa uint64) (MemoryRegion, bool) {
	for _, r := range regions {
		if r.Contains(gpa) {
			return r, true
		}
	}
	return MemoryRegion{}, false
}
