// Package mmu provides the memory access path of a simulated CPU. Accesses
// are translated by the TLB of the CPU; misses and protection traps are
// handed to the address space as page faults.
package mmu

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/addrspace"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// ErrTooManyFaults is reported when an access keeps faulting after its page
// was resolved. It happens when other CPUs evict the page every time.
var ErrTooManyFaults = errors.New("too many faults")

// Stats counts the accesses of an MMU.
type Stats struct {
	Loads           uint64
	Stores          uint64
	Fetches         uint64
	TLBHits         uint64
	TLBMisses       uint64
	ContextSwitches uint64
}

// MMU is the memory management unit of one CPU. The CPU runs one access at
// a time, in the address space that issued it.
type MMU struct {
	name            string
	tlb             *tlb.TLB
	frames          *coremap.Table
	maxFaultRetries int

	lock    sync.Mutex
	current *addrspace.AddressSpace

	loads           atomic.Uint64
	stores          atomic.Uint64
	fetches         atomic.Uint64
	tlbHits         atomic.Uint64
	tlbMisses       atomic.Uint64
	contextSwitches atomic.Uint64
}

// Name returns the name of the MMU.
func (m *MMU) Name() string {
	return m.name
}

// TLB returns the TLB of the CPU.
func (m *MMU) TLB() *tlb.TLB {
	return m.tlb
}

// Stats returns the access counters.
func (m *MMU) Stats() Stats {
	return Stats{
		Loads:           m.loads.Load(),
		Stores:          m.stores.Load(),
		Fetches:         m.fetches.Load(),
		TLBHits:         m.tlbHits.Load(),
		TLBMisses:       m.tlbMisses.Load(),
		ContextSwitches: m.contextSwitches.Load(),
	}
}

// Load reads len(buf) bytes at vAddr.
func (m *MMU) Load(as *addrspace.AddressSpace, vAddr vm.VAddr, buf []byte) error {
	m.loads.Add(1)
	return m.access(as, vAddr, buf, vm.AccessRead)
}

// Fetch reads len(buf) bytes of instructions at vAddr.
func (m *MMU) Fetch(as *addrspace.AddressSpace, vAddr vm.VAddr, buf []byte) error {
	m.fetches.Add(1)
	return m.access(as, vAddr, buf, vm.AccessExecute)
}

// Store writes data at vAddr.
func (m *MMU) Store(as *addrspace.AddressSpace, vAddr vm.VAddr, data []byte) error {
	m.stores.Add(1)
	return m.access(as, vAddr, data, vm.AccessWrite)
}

func (m *MMU) access(
	as *addrspace.AddressSpace,
	vAddr vm.VAddr,
	buf []byte,
	kind vm.AccessKind,
) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.switchTo(as)

	for len(buf) > 0 {
		n := vm.PageSize - int(vm.PageOffset(vAddr))
		if n > len(buf) {
			n = len(buf)
		}

		err := m.accessPage(as, vAddr, buf[:n], kind)
		if err != nil {
			return err
		}

		buf = buf[n:]
		vAddr += vm.VAddr(n)
	}

	return nil
}

// accessPage copies between buf and the page of vAddr. buf does not cross
// the page boundary.
func (m *MMU) accessPage(
	as *addrspace.AddressSpace,
	vAddr vm.VAddr,
	buf []byte,
	kind vm.AccessKind,
) error {
	write := kind == vm.AccessWrite
	offset := vm.PageOffset(vAddr)

	copyFn := func(pa vm.PAddr) {
		mem := m.frames.Bytes(pa)[offset : offset+uint64(len(buf))]
		if write {
			copy(mem, buf)
		} else {
			copy(buf, mem)
		}
	}

	for i := 0; i <= m.maxFaultRetries; i++ {
		if m.tlb.Access(vAddr, write, copyFn) {
			m.tlbHits.Add(1)
			return nil
		}

		m.tlbMisses.Add(1)

		_, err := as.Resolve(m.tlb, vAddr, kind)
		if err != nil {
			return err
		}
	}

	return errors.Wrapf(ErrTooManyFaults, "mmu %s, pid %d, %s at 0x%x",
		m.name, as.PID(), kind, vAddr)
}

func (m *MMU) switchTo(as *addrspace.AddressSpace) {
	if m.current == as {
		return
	}

	if m.current != nil {
		m.current.Deactivate(m.tlb)
	}

	as.Activate(m.tlb)
	m.current = as
	m.contextSwitches.Add(1)
}
