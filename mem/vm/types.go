// Package vm provides the data model shared by the demand-paging virtual
// memory components: frames, page-table handles, page states, and the
// interfaces of the collaborators that live outside the core.
package vm

import "fmt"

const (
	// Log2PageSize is the log2 of the size of both pages and frames.
	Log2PageSize = 12

	// PageSize is the allocation granularity of physical and virtual memory.
	PageSize = 1 << Log2PageSize

	// PageFrame masks the page-number part of an address.
	PageFrame = ^uint64(PageSize - 1)
)

// PID stands for Process ID. Every address space is identified by the PID of
// the process that owns it.
type PID uint32

// A VAddr is a virtual address.
type VAddr uint64

// A PAddr is a physical address.
type PAddr uint64

// PageAlign rounds a virtual address down to the start of its page.
func PageAlign(addr VAddr) VAddr {
	return VAddr(uint64(addr) & PageFrame)
}

// PageOffset returns the offset of the address within its page.
func PageOffset(addr VAddr) uint64 {
	return uint64(addr) &^ PageFrame
}

// IsFrameAligned tells if a physical address is the start of a frame.
func IsFrameAligned(pa PAddr) bool {
	return uint64(pa)&^PageFrame == 0
}

// An Owner is a stable handle to a page-table entry: the address space it
// belongs to and the index of the entry in that address space's page table.
// The frame table keeps Owners instead of references so that a page table can
// grow without invalidating them.
type Owner struct {
	PID   PID
	Index int
}

func (o Owner) String() string {
	return fmt.Sprintf("%d:%d", o.PID, o.Index)
}

// PageState is the state of a page-table entry.
type PageState int

// The states a page can be in.
const (
	// NotLoaded pages were never faulted in, or were dropped because their
	// content can be reproduced from the executable.
	NotLoaded PageState = iota

	// Resident pages have a writable frame.
	Resident

	// ResidentReadOnly pages have a write-protected frame.
	ResidentReadOnly

	// InBackingStore pages live only in a backing-store slot.
	InBackingStore
)

// IsResident tells if a page with this state has a physical frame.
func (s PageState) IsResident() bool {
	return s == Resident || s == ResidentReadOnly
}

func (s PageState) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case Resident:
		return "Resident"
	case ResidentReadOnly:
		return "ResidentReadOnly"
	case InBackingStore:
		return "InBackingStore"
	default:
		return fmt.Sprintf("PageState(%d)", int(s))
	}
}

// A SlotIndex identifies a page-sized slot in the backing store.
type SlotIndex int64

// NoSlot marks the absence of a backing-store slot.
const NoSlot SlotIndex = -1

// AccessKind classifies the memory access that caused a fault.
type AccessKind int

// The kinds of memory access.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("AccessKind(%d)", int(k))
	}
}
