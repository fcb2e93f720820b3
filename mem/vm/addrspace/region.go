package addrspace

import "github.com/sarchlab/demandvm/mem/vm"

const (
	// MaxRegions is the number of regions an address space can declare.
	MaxRegions = 4

	// UserStack is the address right above the top of the user stack.
	UserStack vm.VAddr = 0x80000000

	// StackPages is the size of the stack region, in pages.
	StackPages = 18
)

// A Region is a page-aligned range of virtual memory declared by the
// executable loader.
type Region struct {
	VBase      vm.VAddr
	NumPages   int
	Readable   bool
	Writable   bool
	Executable bool
}

// End returns the first address after the region.
func (r Region) End() vm.VAddr {
	return r.VBase + vm.VAddr(r.NumPages*vm.PageSize)
}

// Contains tells if the region covers vAddr.
func (r Region) Contains(vAddr vm.VAddr) bool {
	return vAddr >= r.VBase && vAddr < r.End()
}

func makeRegion(vAddr vm.VAddr, size uint64, r, w, x bool) Region {
	vBase := vm.PageAlign(vAddr)
	size += uint64(vAddr - vBase)

	return Region{
		VBase:      vBase,
		NumPages:   int((size + vm.PageSize - 1) / vm.PageSize),
		Readable:   r,
		Writable:   w,
		Executable: x,
	}
}
