// Package addrspace provides address spaces and the service that creates
// them and resolves their page faults.
package addrspace

import (
	"sync"
	"sync/atomic"

	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/pagetable"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// FaultStats counts the faults resolved by a Manager.
type FaultStats struct {
	Faults             uint64
	TLBReloads         uint64
	PageLoads          uint64
	SwapIns            uint64
	SegmentationFaults uint64
	ReadOnlyViolations uint64
	OutOfMemory        uint64
}

type faultCounters struct {
	faults             atomic.Uint64
	tlbReloads         atomic.Uint64
	pageLoads          atomic.Uint64
	swapIns            atomic.Uint64
	segmentationFaults atomic.Uint64
	readOnlyViolations atomic.Uint64
	outOfMemory        atomic.Uint64
}

// Manager creates address spaces and owns what they share: the frame table,
// the TLBs, the backing store and the page loader.
type Manager struct {
	vm.HookableBase

	name         string
	frames       *coremap.Table
	tlbs         []*tlb.TLB
	store        vm.BackingStore
	loader       vm.PageLoader
	maxPTEntries int

	lock    sync.Mutex
	nextPID vm.PID
	spaces  map[vm.PID]*AddressSpace

	counters faultCounters
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.name
}

// FrameTable returns the frame table the address spaces allocate from.
func (m *Manager) FrameTable() *coremap.Table {
	return m.frames
}

// TLBs returns the TLBs that cache translations of the address spaces.
func (m *Manager) TLBs() []*tlb.TLB {
	return m.tlbs
}

// Create returns a new, empty address space.
func (m *Manager) Create() *AddressSpace {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.nextPID++
	pid := m.nextPID

	as := &AddressSpace{
		mgr: m,
		pid: pid,
		pt: pagetable.MakeBuilder().
			WithMaxEntries(m.maxPTEntries).
			Build(pid),
	}
	m.spaces[pid] = as

	return as
}

// Lookup returns the live address space of pid.
func (m *Manager) Lookup(pid vm.PID) (*AddressSpace, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	as, found := m.spaces[pid]

	return as, found
}

// PageTable returns the page table of the live address space of pid.
func (m *Manager) PageTable(pid vm.PID) (*pagetable.Table, bool) {
	as, found := m.Lookup(pid)
	if !found {
		return nil, false
	}

	return as.pt, true
}

// NumAddressSpaces returns the number of live address spaces.
func (m *Manager) NumAddressSpaces() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.spaces)
}

// FaultStats returns the fault counters.
func (m *Manager) FaultStats() FaultStats {
	c := &m.counters

	return FaultStats{
		Faults:             c.faults.Load(),
		TLBReloads:         c.tlbReloads.Load(),
		PageLoads:          c.pageLoads.Load(),
		SwapIns:            c.swapIns.Load(),
		SegmentationFaults: c.segmentationFaults.Load(),
		ReadOnlyViolations: c.readOnlyViolations.Load(),
		OutOfMemory:        c.outOfMemory.Load(),
	}
}

func (m *Manager) unregister(pid vm.PID) {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.spaces, pid)
}

func (m *Manager) invalidateAll() {
	for _, t := range m.tlbs {
		t.InvalidateAll()
	}
}

func (m *Manager) invokeFaultHook(event vm.FaultEvent) {
	if m.NumHooks() == 0 {
		return
	}

	m.InvokeHook(vm.HookCtx{
		Domain: m,
		Pos:    vm.HookPosPageFault,
		Item:   event,
	})
}
