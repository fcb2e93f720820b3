package mmu

import (
	"log"

	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// A Builder can build MMUs.
type Builder struct {
	tlb             *tlb.TLB
	frames          *coremap.Table
	maxFaultRetries int
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		maxFaultRetries: 8,
	}
}

// WithTLB sets the TLB of the CPU. It must also be known to the address
// space manager and the eviction policy, which insert and shoot down its
// translations.
func (b Builder) WithTLB(t *tlb.TLB) Builder {
	b.tlb = t
	return b
}

// WithFrameTable sets the frame table that holds physical memory.
func (b Builder) WithFrameTable(t *coremap.Table) Builder {
	b.frames = t
	return b
}

// WithMaxFaultRetries sets how many times an access can fault on the same
// page before it fails.
func (b Builder) WithMaxFaultRetries(n int) Builder {
	b.maxFaultRetries = n
	return b
}

// Build creates an MMU.
func (b Builder) Build(name string) *MMU {
	if b.tlb == nil || b.frames == nil {
		log.Panicf("mmu %s: TLB and frame table are required", name)
	}

	return &MMU{
		name:            name,
		tlb:             b.tlb,
		frames:          b.frames,
		maxFaultRetries: b.maxFaultRetries,
	}
}
