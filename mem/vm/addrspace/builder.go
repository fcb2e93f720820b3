package addrspace

import (
	"log"

	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// A Builder can build address-space managers.
type Builder struct {
	frames       *coremap.Table
	tlbs         []*tlb.TLB
	store        vm.BackingStore
	loader       vm.PageLoader
	maxPTEntries int
}

// MakeBuilder creates a builder. Pages are zero filled unless a loader is
// set.
func MakeBuilder() Builder {
	return Builder{
		loader: vm.ZeroFillLoader{},
	}
}

// WithFrameTable sets the frame table to allocate frames from.
func (b Builder) WithFrameTable(t *coremap.Table) Builder {
	b.frames = t
	return b
}

// WithTLBs sets the TLBs of every CPU that runs the address spaces.
func (b Builder) WithTLBs(tlbs ...*tlb.TLB) Builder {
	b.tlbs = tlbs
	return b
}

// WithBackingStore sets the store swapped-out pages are read from. It can be
// nil if pages are never swapped.
func (b Builder) WithBackingStore(s vm.BackingStore) Builder {
	b.store = s
	return b
}

// WithPageLoader sets what fills pages on their first fault.
func (b Builder) WithPageLoader(l vm.PageLoader) Builder {
	b.loader = l
	return b
}

// WithMaxPageTableEntries limits the page table of each address space.
func (b Builder) WithMaxPageTableEntries(n int) Builder {
	b.maxPTEntries = n
	return b
}

// Build creates the manager.
func (b Builder) Build(name string) *Manager {
	if b.frames == nil {
		log.Panicf("address space manager %s: frame table is required", name)
	}

	if b.loader == nil {
		log.Panicf("address space manager %s: page loader is required", name)
	}

	return &Manager{
		name:         name,
		frames:       b.frames,
		tlbs:         b.tlbs,
		store:        b.store,
		loader:       b.loader,
		maxPTEntries: b.maxPTEntries,
		spaces:       make(map[vm.PID]*AddressSpace),
	}
}
