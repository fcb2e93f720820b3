package coremap

// A Builder can build frame tables.
type Builder struct {
	reclaimer       Reclaimer
	evictionEnabled bool
	totalRAM        uint64
	kernelFootprint uint64
}

// MakeBuilder creates a new builder with eviction enabled.
func MakeBuilder() Builder {
	return Builder{
		evictionEnabled: true,
	}
}

// WithReclaimer sets the component that frees a frame when none is free.
func (b Builder) WithReclaimer(r Reclaimer) Builder {
	b.reclaimer = r
	return b
}

// WithEvictionEnabled sets whether a failed single-frame allocation may evict
// a page.
func (b Builder) WithEvictionEnabled(enabled bool) Builder {
	b.evictionEnabled = enabled
	return b
}

// WithTotalRAM sets the amount of RAM to bootstrap the table with. If it is
// not set, Bootstrap must be called on the built table.
func (b Builder) WithTotalRAM(bytes uint64) Builder {
	b.totalRAM = bytes
	return b
}

// WithKernelFootprint sets the number of bytes taken by the kernel image.
func (b Builder) WithKernelFootprint(bytes uint64) Builder {
	b.kernelFootprint = bytes
	return b
}

// Build creates a frame table.
func (b Builder) Build(name string) *Table {
	t := &Table{
		name:            name,
		reclaimer:       b.reclaimer,
		evictionEnabled: b.evictionEnabled,
	}

	if b.totalRAM > 0 {
		t.Bootstrap(b.totalRAM, b.kernelFootprint)
	}

	return t
}
