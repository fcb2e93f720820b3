package addrspace

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/pagetable"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// fault is one fault being resolved, with the fault lock of the address
// space held.
type fault struct {
	as       *AddressSpace
	cpu      *tlb.TLB
	vPage    vm.VAddr
	access   vm.AccessKind
	write    bool
	writable bool

	index int
	from  vm.PageState
	slot  vm.SlotIndex
}

func (f *fault) resolve() (vm.PAddr, error) {
	pa, resident, err := f.reloadResident()
	if err != nil {
		return 0, errors.Wrapf(err, "pid %d, page 0x%x", f.as.pid, f.vPage)
	}

	if resident {
		f.as.mgr.counters.tlbReloads.Add(1)
		f.report(pa)

		return pa, nil
	}

	pa, err = f.load()
	if err != nil {
		return 0, err
	}

	f.report(pa)

	return pa, nil
}

// reloadResident installs the translation of the page if it is already
// resident. Otherwise it records where the content of the page is.
func (f *fault) reloadResident() (pa vm.PAddr, resident bool, err error) {
	frames := f.as.mgr.frames

	err = f.as.pt.Exclusive(func(tx *pagetable.Tx) error {
		e, index, err := tx.GetOrCreate(f.vPage)
		if err != nil {
			return err
		}

		f.index = index
		f.from = e.State
		f.slot = e.Slot

		if !e.State.IsResident() {
			return nil
		}

		if f.write && e.State == vm.ResidentReadOnly {
			tx.SetState(e, e.PAddr, e.Slot, vm.Resident)
		}

		if f.write {
			frames.MarkDirty(e.PAddr)
		}

		f.insert(e.PAddr)

		pa = e.PAddr
		resident = true

		return nil
	})

	return pa, resident, err
}

// load brings the page into a new frame. The frame stays pinned until the
// page table points to it.
func (f *fault) load() (vm.PAddr, error) {
	as := f.as
	frames := as.mgr.frames
	c := &as.mgr.counters

	pa, err := frames.AllocatePinned(vm.Owner{PID: as.pid, Index: f.index})
	if err != nil {
		c.outOfMemory.Add(1)
		return 0, errors.Wrapf(err, "pid %d, page 0x%x", as.pid, f.vPage)
	}

	slot := vm.NoSlot

	err = f.fill(pa)
	if err != nil {
		frames.FreeUserPage(pa)
		return 0, err
	}

	if f.from == vm.InBackingStore {
		slot = f.slot
		frames.MarkBackedUp(pa)
		c.swapIns.Add(1)
	} else {
		c.pageLoads.Add(1)
	}

	state := vm.ResidentReadOnly
	if f.writable {
		state = vm.Resident
	}

	_ = as.pt.Exclusive(func(tx *pagetable.Tx) error {
		tx.SetState(tx.Entry(f.index), pa, slot, state)

		if f.write {
			frames.MarkDirty(pa)
		}

		f.insert(pa)

		return nil
	})

	frames.Unpin(pa)

	return pa, nil
}

func (f *fault) fill(pa vm.PAddr) error {
	as := f.as
	dst := as.mgr.frames.Bytes(pa)

	if f.from == vm.InBackingStore {
		err := as.mgr.store.ReadIn(f.slot, dst)
		if err != nil {
			return errors.Wrapf(vm.BackingStoreFailure(err),
				"pid %d, reading page 0x%x from slot %d",
				as.pid, f.vPage, f.slot)
		}

		return nil
	}

	err := as.mgr.loader.LoadPage(as.pid, f.vPage, dst)
	if err != nil {
		return errors.Wrapf(err, "pid %d, loading page 0x%x",
			as.pid, f.vPage)
	}

	return nil
}

func (f *fault) insert(pa vm.PAddr) {
	if f.cpu != nil {
		f.cpu.Insert(f.vPage, pa, !f.write)
	}
}

func (f *fault) report(pa vm.PAddr) {
	f.as.mgr.invokeFaultHook(vm.FaultEvent{
		PID:       f.as.pid,
		VPage:     f.vPage,
		Access:    f.access,
		PAddr:     pa,
		FromState: f.from,
	})
}
