package eviction

import (
	"log"

	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// A Builder can build eviction policies.
type Builder struct {
	frames                      *coremap.Table
	pageTables                  PageTableFinder
	store                       vm.BackingStore
	tlbs                        []*tlb.TLB
	swapEnabled                 bool
	readOnlyReclaimWithoutWrite bool
}

// MakeBuilder creates a builder for a policy that swaps and drops read-only
// pages without writing them.
func MakeBuilder() Builder {
	return Builder{
		swapEnabled:                 true,
		readOnlyReclaimWithoutWrite: true,
	}
}

// WithFrameTable sets the frame table to reclaim frames from. The built
// policy becomes the reclaimer of that table.
func (b Builder) WithFrameTable(t *coremap.Table) Builder {
	b.frames = t
	return b
}

// WithPageTableFinder sets how the owner of a frame is resolved to a page
// table.
func (b Builder) WithPageTableFinder(f PageTableFinder) Builder {
	b.pageTables = f
	return b
}

// WithBackingStore sets the store evicted pages are written to.
func (b Builder) WithBackingStore(s vm.BackingStore) Builder {
	b.store = s
	return b
}

// WithTLBs sets the TLBs to shoot down on eviction.
func (b Builder) WithTLBs(tlbs ...*tlb.TLB) Builder {
	b.tlbs = tlbs
	return b
}

// WithSwapEnabled sets whether pages may be written to the backing store.
// Without swap, only read-only pages can be evicted.
func (b Builder) WithSwapEnabled(enabled bool) Builder {
	b.swapEnabled = enabled
	return b
}

// WithReadOnlyReclaimWithoutWrite sets whether read-only pages are dropped
// instead of written out. Dropped pages are reloaded on the next fault.
func (b Builder) WithReadOnlyReclaimWithoutWrite(enabled bool) Builder {
	b.readOnlyReclaimWithoutWrite = enabled
	return b
}

// Build creates the policy and registers it with the frame table.
func (b Builder) Build(name string) *Policy {
	if b.frames == nil {
		log.Panicf("eviction %s: frame table is required", name)
	}

	if b.pageTables == nil {
		log.Panicf("eviction %s: page table finder is required", name)
	}

	if b.store == nil && b.swapEnabled {
		log.Panicf("eviction %s: backing store is required", name)
	}

	p := &Policy{
		name:                        name,
		frames:                      b.frames,
		pageTables:                  b.pageTables,
		store:                       b.store,
		tlbs:                        b.tlbs,
		swapEnabled:                 b.swapEnabled,
		readOnlyReclaimWithoutWrite: b.readOnlyReclaimWithoutWrite,
	}

	b.frames.SetReclaimer(p)

	return p
}
