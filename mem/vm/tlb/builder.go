package tlb

import "log"

// A Builder can build TLBs.
type Builder struct {
	numEntries int
}

// MakeBuilder returns a Builder for a 64-entry TLB.
func MakeBuilder() Builder {
	return Builder{
		numEntries: 64,
	}
}

// WithNumEntries sets the number of slots in the TLB.
func (b Builder) WithNumEntries(n int) Builder {
	b.numEntries = n
	return b
}

// Build creates a TLB with every slot invalid.
func (b Builder) Build(name string) *TLB {
	if b.numEntries <= 0 {
		log.Panicf("tlb %s must have at least one entry", name)
	}

	return &TLB{
		name:    name,
		entries: make([]Entry, b.numEntries),
	}
}
