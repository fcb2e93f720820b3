package addrspace

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/pagetable"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// An AddressSpace is the virtual memory of one process. Its pages are loaded
// lazily, on the first fault.
//
// Faults of one address space are serialized by its fault lock. The page
// table has a lock of its own, which is also taken by the eviction policy
// when it takes a frame away from the address space.
type AddressSpace struct {
	mgr *Manager
	pid vm.PID
	pt  *pagetable.Table

	faultLock sync.Mutex
	regions   []Region
	loading   bool
	destroyed bool
}

// PID returns the id of the address space.
func (as *AddressSpace) PID() vm.PID {
	return as.pid
}

// PageTable returns the page table of the address space.
func (as *AddressSpace) PageTable() *pagetable.Table {
	return as.pt
}

// DefineRegion declares the region that covers size bytes from vAddr. The
// region is extended to whole pages. Overlapping regions are accepted; the
// first one declared decides the permissions of the pages they share.
func (as *AddressSpace) DefineRegion(
	vAddr vm.VAddr,
	size uint64,
	readable, writable, executable bool,
) error {
	as.faultLock.Lock()
	defer as.faultLock.Unlock()

	if as.destroyed {
		return vm.ErrAddressSpaceDestroyed
	}

	if len(as.regions) >= MaxRegions {
		return errors.Wrapf(vm.ErrCapacityExceeded,
			"pid %d already has %d regions", as.pid, MaxRegions)
	}

	as.regions = append(as.regions,
		makeRegion(vAddr, size, readable, writable, executable))

	return nil
}

// DefineStack declares the stack region and returns the initial stack
// pointer.
func (as *AddressSpace) DefineStack() (vm.VAddr, error) {
	const size = StackPages * vm.PageSize

	err := as.DefineRegion(UserStack-size, size, true, true, false)
	if err != nil {
		return 0, err
	}

	return UserStack, nil
}

// Region returns the i-th declared region.
func (as *AddressSpace) Region(i int) Region {
	as.faultLock.Lock()
	defer as.faultLock.Unlock()

	return as.regions[i]
}

// Regions returns a copy of the declared regions.
func (as *AddressSpace) Regions() []Region {
	as.faultLock.Lock()
	defer as.faultLock.Unlock()

	regions := make([]Region, len(as.regions))
	copy(regions, as.regions)

	return regions
}

// PrepareLoad starts loading the executable. Until CompleteLoad, every page
// is writable so that the loader can fill read-only regions.
func (as *AddressSpace) PrepareLoad() error {
	as.faultLock.Lock()
	defer as.faultLock.Unlock()

	if as.destroyed {
		return vm.ErrAddressSpaceDestroyed
	}

	as.loading = true

	return nil
}

// CompleteLoad write-protects the resident pages of read-only regions and
// flushes the translations that still allow writing to them.
func (as *AddressSpace) CompleteLoad() error {
	as.faultLock.Lock()
	defer as.faultLock.Unlock()

	if as.destroyed {
		return vm.ErrAddressSpaceDestroyed
	}

	as.loading = false

	_ = as.pt.Exclusive(func(tx *pagetable.Tx) error {
		tx.ForEach(func(_ int, e *pagetable.Entry) {
			if e.State != vm.Resident {
				return
			}

			r, found := as.findRegion(e.VPage)
			if found && !r.Writable {
				tx.SetState(e, e.PAddr, e.Slot, vm.ResidentReadOnly)
			}
		})

		return nil
	})

	as.mgr.invalidateAll()

	return nil
}

// Activate makes the address space current on the CPU that owns cpu. The
// TLB is not tagged, so it is flushed.
func (as *AddressSpace) Activate(cpu *tlb.TLB) {
	cpu.InvalidateAll()
}

// Deactivate is called when the address space stops being current. Nothing
// needs to be done.
func (as *AddressSpace) Deactivate(*tlb.TLB) {
}

// Copy duplicates the address space. It is not supported.
func (as *AddressSpace) Copy() (*AddressSpace, error) {
	return nil, vm.ErrUnimplemented
}

// Resolve handles a fault on vAddr. It makes the page resident and installs
// its translation in cpu, which may be nil. Reads install read-only
// translations so that the first write traps and marks the frame dirty. It
// returns the frame of the page.
func (as *AddressSpace) Resolve(
	cpu *tlb.TLB,
	vAddr vm.VAddr,
	access vm.AccessKind,
) (vm.PAddr, error) {
	as.faultLock.Lock()
	defer as.faultLock.Unlock()

	c := &as.mgr.counters
	c.faults.Add(1)

	if as.destroyed {
		return 0, vm.ErrAddressSpaceDestroyed
	}

	vPage := vm.PageAlign(vAddr)

	r, found := as.findRegion(vPage)
	if !found {
		c.segmentationFaults.Add(1)
		return 0, errors.Wrapf(vm.ErrSegmentationFault,
			"pid %d, %s at 0x%x", as.pid, access, vAddr)
	}

	write := access == vm.AccessWrite
	writable := r.Writable || as.loading

	if write && !writable {
		c.readOnlyViolations.Add(1)
		return 0, errors.Wrapf(vm.ErrReadOnlyViolation,
			"pid %d, write at 0x%x", as.pid, vAddr)
	}

	f := fault{
		as:       as,
		cpu:      cpu,
		vPage:    vPage,
		access:   access,
		write:    write,
		writable: writable,
	}

	return f.resolve()
}

// Destroy returns every frame and backing-store slot of the address space.
// The address space cannot be used afterwards. Destroying it again does
// nothing.
func (as *AddressSpace) Destroy() error {
	as.faultLock.Lock()
	defer as.faultLock.Unlock()

	if as.destroyed {
		return nil
	}

	var result *multierror.Error

	frames := as.mgr.frames
	store := as.mgr.store

	_ = as.pt.Exclusive(func(tx *pagetable.Tx) error {
		var resident []vm.PAddr
		var backed []pagetable.Entry

		tx.ForEach(func(_ int, e *pagetable.Entry) {
			if e.State.IsResident() {
				resident = append(resident, e.PAddr)
			}

			if e.Slot != vm.NoSlot {
				backed = append(backed, *e)
			}

			tx.SetState(e, 0, vm.NoSlot, vm.NotLoaded)
		})

		// No CPU may reach a frame once it is back in the free pool.
		as.mgr.invalidateAll()

		for _, pa := range resident {
			frames.FreeUserPage(pa)
		}

		if store == nil {
			return nil
		}

		for _, e := range backed {
			err := store.Release(e.Slot)
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err,
					"releasing slot %d of page 0x%x", e.Slot, e.VPage))
			}
		}

		return nil
	})

	as.mgr.unregister(as.pid)
	as.destroyed = true

	return result.ErrorOrNil()
}

func (as *AddressSpace) findRegion(vPage vm.VAddr) (Region, bool) {
	for _, r := range as.regions {
		if r.Contains(vPage) {
			return r, true
		}
	}

	return Region{}, false
}
