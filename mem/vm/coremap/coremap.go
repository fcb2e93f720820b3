// Package coremap provides the frame table, which tracks the ownership and
// state of every physical frame.
package coremap

import (
	"log"
	"sync"

	"github.com/sarchlab/demandvm/mem/vm"
)

// FrameDescriptorSize is the number of bytes of kernel memory taken by one
// frame descriptor. The frames that hold the table are reserved at bootstrap.
const FrameDescriptorSize = 32

// A Frame describes the state of one physical frame.
type Frame struct {
	InUse    bool
	IsKernel bool

	// RunLength is only meaningful on the first frame of an allocation.
	RunLength int

	// Locked frames are pinned and cannot be selected for eviction.
	Locked bool

	Dirty          bool
	InBackingStore bool

	// Owner points back to the page-table entry of the page living in this
	// frame. It is nil for kernel memory, which is never evicted.
	Owner *vm.Owner
}

// A Reclaimer frees an in-use frame when no frame is free.
type Reclaimer interface {
	// Reclaim evicts one page and hands its frame over to owner. The frame
	// is returned locked if pinned is set.
	Reclaim(owner *vm.Owner, pinned bool) (vm.PAddr, error)
}

// A Victim is a frame locked for eviction.
type Victim struct {
	Index int
	PAddr vm.PAddr
	Owner vm.Owner
}

// Stats summarizes the frame table.
type Stats struct {
	NumFrames      int
	ReservedFrames int
	FreeFrames     int
	KernelFrames   int
	UserFrames     int
	LockedFrames   int
	DirtyFrames    int

	Allocations       uint64
	Frees             uint64
	Reclaims          uint64
	FailedAllocations uint64
}

type counters struct {
	allocations       uint64
	frees             uint64
	reclaims          uint64
	failedAllocations uint64
}

// Table is the frame table. A single mutex serializes every scan and every
// mutation of the frame descriptors.
type Table struct {
	vm.HookableBase

	lock sync.Mutex
	name string

	bootstrapped    bool
	frames          []Frame
	memory          []byte
	reserved        int
	reclaimer       Reclaimer
	evictionEnabled bool
	counters        counters
}

// Name returns the name of the frame table.
func (t *Table) Name() string {
	return t.name
}

// SetReclaimer sets the component to call when no frame is free.
func (t *Table) SetReclaimer(r Reclaimer) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.reclaimer = r
}

// SetEvictionEnabled turns eviction on allocation failure on or off.
func (t *Table) SetEvictionEnabled(enabled bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.evictionEnabled = enabled
}

// Bootstrap partitions the RAM into frames. The leading frames, which hold the
// kernel image and the frame table itself, are reserved for the kernel and
// never allocated, freed, or evicted. Bootstrap must be called exactly once,
// before any allocation.
func (t *Table) Bootstrap(totalRAM, kernelFootprint uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.bootstrapped {
		log.Panicf("frame table %s is already bootstrapped", t.name)
	}

	numFrames := int(totalRAM / vm.PageSize)
	if numFrames == 0 {
		log.Panicf("cannot bootstrap frame table with %d bytes of RAM",
			totalRAM)
	}

	reserved := pagesFor(kernelFootprint) +
		pagesFor(uint64(numFrames)*FrameDescriptorSize)
	if reserved > numFrames {
		log.Panicf("kernel needs %d frames, only %d available",
			reserved, numFrames)
	}

	t.frames = make([]Frame, numFrames)
	t.memory = make([]byte, numFrames*vm.PageSize)

	for i := 0; i < reserved; i++ {
		t.frames[i].InUse = true
		t.frames[i].IsKernel = true
	}

	if reserved > 0 {
		t.frames[0].RunLength = reserved
	}

	t.reserved = reserved
	t.bootstrapped = true
}

func pagesFor(bytes uint64) int {
	return int((bytes + vm.PageSize - 1) / vm.PageSize)
}

// NumFrames returns the number of frames, reserved ones included.
func (t *Table) NumFrames() int {
	return len(t.frames)
}

// ReservedFrames returns the number of frames reserved at bootstrap.
func (t *Table) ReservedFrames() int {
	return t.reserved
}

// Allocate finds numFrames contiguous free frames, zero-fills them and
// returns the address of the first one. A nil owner allocates kernel memory.
// When no run is free and eviction is enabled, a single-frame request is
// satisfied by evicting a page. Multi-frame requests never evict.
func (t *Table) Allocate(numFrames int, owner *vm.Owner) (vm.PAddr, error) {
	return t.allocate(numFrames, owner, false)
}

// AllocatePinned allocates one user frame and returns it locked, so that it
// cannot be evicted before the caller maps it. Unpin releases it.
func (t *Table) AllocatePinned(owner vm.Owner) (vm.PAddr, error) {
	return t.allocate(1, &owner, true)
}

func (t *Table) allocate(
	numFrames int,
	owner *vm.Owner,
	pinned bool,
) (vm.PAddr, error) {
	if numFrames <= 0 {
		log.Panicf("cannot allocate %d frames", numFrames)
	}

	if owner != nil && numFrames != 1 {
		log.Panicf("user pages are allocated one frame at a time")
	}

	pa, found, reclaimer := t.claimFreeRun(numFrames, owner, pinned)
	if found {
		t.invokeFrameHook(vm.HookPosFrameAlloc, pa, numFrames, owner)
		return pa, nil
	}

	if reclaimer == nil {
		return 0, vm.ErrOutOfMemory
	}

	pa, err := reclaimer.Reclaim(owner, pinned)
	if err != nil {
		t.lock.Lock()
		t.counters.failedAllocations++
		t.lock.Unlock()

		return 0, err
	}

	t.invokeFrameHook(vm.HookPosFrameAlloc, pa, 1, owner)

	return pa, nil
}

// claimFreeRun claims the first free run of numFrames frames. If there is
// none, it returns the reclaimer to evict with, or nil if the request cannot
// evict.
func (t *Table) claimFreeRun(
	numFrames int,
	owner *vm.Owner,
	pinned bool,
) (pa vm.PAddr, found bool, reclaimer Reclaimer) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustBeBootstrapped()

	first, found := t.findFreeRun(numFrames)
	if found {
		t.claim(first, numFrames, owner, pinned)
		t.counters.allocations++

		return t.frameAddr(first), true, nil
	}

	if numFrames == 1 && t.evictionEnabled && t.reclaimer != nil {
		return 0, false, t.reclaimer
	}

	t.counters.failedAllocations++

	return 0, false, nil
}

// findFreeRun performs a first-fit scan. Allocated runs are skipped as a
// whole using the length recorded on their first frame.
func (t *Table) findFreeRun(numFrames int) (int, bool) {
	first := -1

	for i := 0; i < len(t.frames); {
		f := &t.frames[i]

		if f.InUse {
			first = -1

			if f.RunLength > 0 {
				i += f.RunLength
			} else {
				i++
			}

			continue
		}

		if first < 0 {
			first = i
		}

		if i-first+1 >= numFrames {
			return first, true
		}

		i++
	}

	return 0, false
}

func (t *Table) claim(first, numFrames int, owner *vm.Owner, pinned bool) {
	for i := first; i < first+numFrames; i++ {
		f := &t.frames[i]
		*f = Frame{
			InUse:    true,
			IsKernel: owner == nil,
			Locked:   pinned,
		}

		if owner != nil {
			o := *owner
			f.Owner = &o
		}
	}

	t.frames[first].RunLength = numFrames

	start := first * vm.PageSize
	clear(t.memory[start : start+numFrames*vm.PageSize])
}

// Free returns the run that starts at pa to the free pool. Freeing an address
// that is not the start of an allocated run is a contract violation.
func (t *Table) Free(pa vm.PAddr) {
	f := t.releaseRun(pa)

	t.invokeFrameHook(vm.HookPosFrameFree, pa, f.RunLength, f.Owner)
}

// releaseRun clears the run that starts at pa and returns the descriptor its
// first frame had.
func (t *Table) releaseRun(pa vm.PAddr) Frame {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustBeBootstrapped()
	index := t.mustBeRunStart(pa)

	f := t.frames[index]
	for i := index; i < index+f.RunLength; i++ {
		t.frames[i] = Frame{}
	}

	t.counters.frees++

	return f
}

// AllocKernelPages allocates a contiguous run of kernel frames.
func (t *Table) AllocKernelPages(numFrames int) (vm.PAddr, error) {
	return t.Allocate(numFrames, nil)
}

// FreeKernelPages frees a run allocated with AllocKernelPages.
func (t *Table) FreeKernelPages(pa vm.PAddr) {
	if !t.Frame(pa).IsKernel {
		log.Panicf("frame 0x%x does not hold kernel memory", pa)
	}

	t.Free(pa)
}

// AllocUserPage allocates one frame for the page-table entry owner.
func (t *Table) AllocUserPage(owner vm.Owner) (vm.PAddr, error) {
	return t.Allocate(1, &owner)
}

// FreeUserPage frees a frame allocated with AllocUserPage.
func (t *Table) FreeUserPage(pa vm.PAddr) {
	if t.Frame(pa).IsKernel {
		log.Panicf("frame 0x%x holds kernel memory", pa)
	}

	t.Free(pa)
}

// Unpin unlocks a frame returned by AllocatePinned.
func (t *Table) Unpin(pa vm.PAddr) {
	t.lock.Lock()
	defer t.lock.Unlock()

	f := t.mustBeInUse(pa)
	if !f.Locked {
		log.Panicf("frame 0x%x is not pinned", pa)
	}

	f.Locked = false
}

// MarkDirty records that the content of the frame was modified.
func (t *Table) MarkDirty(pa vm.PAddr) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustBeInUse(pa).Dirty = true
}

// MarkBackedUp records that the backing store holds an up-to-date copy of the
// frame.
func (t *Table) MarkBackedUp(pa vm.PAddr) {
	t.lock.Lock()
	defer t.lock.Unlock()

	f := t.mustBeInUse(pa)
	f.Dirty = false
	f.InBackingStore = true
}

// Bytes returns the content of the frame at pa. The memory does not move after
// bootstrap, but the caller must own the frame to touch it.
func (t *Table) Bytes(pa vm.PAddr) []byte {
	if !vm.IsFrameAligned(pa) {
		log.Panicf("physical address 0x%x is not frame aligned", pa)
	}

	start := int(pa)
	if start+vm.PageSize > len(t.memory) {
		log.Panicf("physical address 0x%x is out of range", pa)
	}

	return t.memory[start : start+vm.PageSize]
}

// Frame returns a copy of the descriptor of the frame at pa.
func (t *Table) Frame(pa vm.PAddr) Frame {
	t.lock.Lock()
	defer t.lock.Unlock()

	index := t.mustBeValidAddr(pa)

	return copyFrame(t.frames[index])
}

// Frames returns a copy of every frame descriptor.
func (t *Table) Frames() []Frame {
	t.lock.Lock()
	defer t.lock.Unlock()

	frames := make([]Frame, len(t.frames))
	for i, f := range t.frames {
		frames[i] = copyFrame(f)
	}

	return frames
}

func copyFrame(f Frame) Frame {
	if f.Owner != nil {
		o := *f.Owner
		f.Owner = &o
	}

	return f
}

// Stats returns a summary of the frame table.
func (t *Table) Stats() Stats {
	t.lock.Lock()
	defer t.lock.Unlock()

	s := Stats{
		NumFrames:         len(t.frames),
		ReservedFrames:    t.reserved,
		Allocations:       t.counters.allocations,
		Frees:             t.counters.frees,
		Reclaims:          t.counters.reclaims,
		FailedAllocations: t.counters.failedAllocations,
	}

	for _, f := range t.frames {
		switch {
		case !f.InUse:
			s.FreeFrames++
		case f.IsKernel:
			s.KernelFrames++
		default:
			s.UserFrames++
		}

		if f.Locked {
			s.LockedFrames++
		}

		if f.Dirty {
			s.DirtyFrames++
		}
	}

	return s
}

func (t *Table) frameAddr(index int) vm.PAddr {
	return vm.PAddr(index * vm.PageSize)
}

func (t *Table) mustBeBootstrapped() {
	if !t.bootstrapped {
		log.Panicf("frame table %s is used before bootstrap", t.name)
	}
}

func (t *Table) mustBeValidAddr(pa vm.PAddr) int {
	if !vm.IsFrameAligned(pa) {
		log.Panicf("physical address 0x%x is not frame aligned", pa)
	}

	index := int(pa >> vm.Log2PageSize)
	if index >= len(t.frames) {
		log.Panicf("physical address 0x%x is out of range", pa)
	}

	return index
}

func (t *Table) mustBeInUse(pa vm.PAddr) *Frame {
	index := t.mustBeValidAddr(pa)

	f := &t.frames[index]
	if !f.InUse {
		log.Panicf("frame 0x%x is not in use", pa)
	}

	return f
}

func (t *Table) mustBeRunStart(pa vm.PAddr) int {
	index := t.mustBeValidAddr(pa)

	if index < t.reserved {
		log.Panicf("frame 0x%x is reserved for the kernel", pa)
	}

	f := &t.frames[index]
	if !f.InUse {
		log.Panicf("frame 0x%x is not in use, double free?", pa)
	}

	if f.RunLength == 0 {
		log.Panicf("frame 0x%x is not the first frame of an allocation", pa)
	}

	return index
}

func (t *Table) invokeFrameHook(
	pos *vm.HookPos,
	pa vm.PAddr,
	numFrames int,
	owner *vm.Owner,
) {
	if t.NumHooks() == 0 {
		return
	}

	t.InvokeHook(vm.HookCtx{
		Domain: t,
		Pos:    pos,
		Item: vm.FrameEvent{
			PAddr:     pa,
			NumFrames: numFrames,
			Kernel:    owner == nil,
			Owner:     owner,
		},
	})
}
