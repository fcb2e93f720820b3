package pagetable

import "github.com/sarchlab/demandvm/mem/vm"

// A Builder can build page tables.
type Builder struct {
	maxEntries int
}

// MakeBuilder creates a new builder. Tables grow without limit by default.
func MakeBuilder() Builder {
	return Builder{}
}

// WithMaxEntries limits the number of entries a table can hold. Growing past
// the limit fails with vm.ErrCapacityExceeded.
func (b Builder) WithMaxEntries(n int) Builder {
	b.maxEntries = n
	return b
}

// Build creates an empty page table for the address space of pid.
func (b Builder) Build(pid vm.PID) *Table {
	return &Table{
		pid:        pid,
		maxEntries: b.maxEntries,
	}
}

// New creates an empty, unbounded page table.
func New(pid vm.PID) *Table {
	return MakeBuilder().Build(pid)
}
