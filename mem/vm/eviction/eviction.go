// Package eviction provides the policy that reclaims frames from resident
// pages when the frame table runs out of free frames.
package eviction

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/pagetable"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
)

// A PageTableFinder resolves the address space part of a frame owner.
type PageTableFinder interface {
	PageTable(pid vm.PID) (*pagetable.Table, bool)
}

// Stats counts what the policy did.
type Stats struct {
	Evictions     uint64
	WriteOuts     uint64
	ReadOnlyDrops uint64
	CleanReuses   uint64
	Exhaustions   uint64
}

// Policy selects victims in round-robin order over the frame table and moves
// their content to the backing store.
//
// An eviction locks the victim frame, takes the page table lock of the victim
// page, shoots the translation down, writes the content out if needed, and
// retargets the page-table entry. The frame table lock is never held during
// backing-store I/O.
type Policy struct {
	vm.HookableBase

	name       string
	frames     *coremap.Table
	pageTables PageTableFinder
	store      vm.BackingStore
	tlbs       []*tlb.TLB

	swapEnabled                 bool
	readOnlyReclaimWithoutWrite bool

	cursorLock sync.Mutex
	cursor     int

	evictions     atomic.Uint64
	writeOuts     atomic.Uint64
	readOnlyDrops atomic.Uint64
	cleanReuses   atomic.Uint64
	exhaustions   atomic.Uint64
}

// Name returns the name of the policy.
func (p *Policy) Name() string {
	return p.name
}

// Cursor returns the index of the frame the next scan starts from.
func (p *Policy) Cursor() int {
	p.cursorLock.Lock()
	defer p.cursorLock.Unlock()

	return p.cursor
}

// Stats returns the counters of the policy.
func (p *Policy) Stats() Stats {
	return Stats{
		Evictions:     p.evictions.Load(),
		WriteOuts:     p.writeOuts.Load(),
		ReadOnlyDrops: p.readOnlyDrops.Load(),
		CleanReuses:   p.cleanReuses.Load(),
		Exhaustions:   p.exhaustions.Load(),
	}
}

// EvictPage evicts one page and returns its frame, which is free when
// EvictPage returns. Only single frames can be evicted.
func (p *Policy) EvictPage(numFrames int) (vm.PAddr, error) {
	p.mustBeSingleFrame(numFrames)

	v, err := p.evict()
	if err != nil {
		return 0, err
	}

	return p.frames.ReleaseVictim(v), nil
}

// Reclaim evicts one page and hands its frame over to owner. It is called by
// the frame table when an allocation finds no free frame.
func (p *Policy) Reclaim(owner *vm.Owner, pinned bool) (vm.PAddr, error) {
	v, err := p.evict()
	if err != nil {
		return 0, err
	}

	return p.frames.HandOverVictim(v, owner, pinned), nil
}

func (p *Policy) mustBeSingleFrame(numFrames int) {
	if numFrames != 1 {
		log.Panicf("eviction %s: only single frames can be evicted, "+
			"%d requested", p.name, numFrames)
	}
}

func (p *Policy) evict() (coremap.Victim, error) {
	numFrames := p.frames.NumFrames()
	remaining := numFrames

	for remaining > 0 {
		p.cursorLock.Lock()
		v, scanned, found := p.frames.SelectVictim(p.cursor, remaining)
		p.cursor = (p.cursor + scanned) % numFrames
		p.cursorLock.Unlock()

		remaining -= scanned
		if !found {
			break
		}

		evicted, err := p.evacuate(v)
		if err != nil {
			return coremap.Victim{}, err
		}

		if evicted {
			return v, nil
		}
	}

	p.exhaustions.Add(1)

	return coremap.Victim{}, vm.ErrMemoryExhausted
}

// evacuate moves the page in the locked victim frame out of memory. It
// returns false, with the victim unlocked, if the page cannot be evicted.
func (p *Policy) evacuate(v coremap.Victim) (bool, error) {
	pt, found := p.pageTables.PageTable(v.Owner.PID)
	if !found {
		p.frames.AbandonVictim(v)
		return false, nil
	}

	evicted := false
	event := vm.EvictionEvent{PAddr: v.PAddr, Owner: v.Owner}

	err := pt.Exclusive(func(tx *pagetable.Tx) error {
		owned, needsWrite := p.frames.InspectVictim(v)
		if !owned {
			return nil
		}

		e := tx.Entry(v.Owner.Index)
		if !e.State.IsResident() || e.PAddr != v.PAddr {
			log.Panicf("eviction %s: frame 0x%x belongs to page %s, "+
				"which maps 0x%x in state %s",
				p.name, v.PAddr, v.Owner, e.PAddr, e.State)
		}

		drop := e.State == vm.ResidentReadOnly &&
			p.readOnlyReclaimWithoutWrite
		if !drop && !p.swapEnabled {
			return nil
		}

		p.shootdown(e.VPage)

		var err error
		if drop {
			err = p.dropReadOnly(tx, e, &event)
		} else {
			err = p.swapOut(tx, e, v, needsWrite, &event)
		}

		if err != nil {
			return err
		}

		evicted = true
		event.VPage = e.VPage

		return nil
	})

	if err != nil || !evicted {
		p.frames.AbandonVictim(v)
		return false, err
	}

	p.evictions.Add(1)
	p.invokeEvictHook(event)

	return true, nil
}

func (p *Policy) dropReadOnly(
	tx *pagetable.Tx,
	e *pagetable.Entry,
	event *vm.EvictionEvent,
) error {
	if e.Slot != vm.NoSlot {
		err := p.store.Release(e.Slot)
		if err != nil {
			return errors.Wrapf(vm.BackingStoreFailure(err),
				"releasing slot %d of page 0x%x", e.Slot, e.VPage)
		}
	}

	tx.SetState(e, 0, vm.NoSlot, vm.NotLoaded)
	p.readOnlyDrops.Add(1)

	event.NewState = vm.NotLoaded
	event.Slot = vm.NoSlot

	return nil
}

func (p *Policy) swapOut(
	tx *pagetable.Tx,
	e *pagetable.Entry,
	v coremap.Victim,
	needsWrite bool,
	event *vm.EvictionEvent,
) error {
	slot := e.Slot

	if needsWrite {
		if slot != vm.NoSlot {
			err := p.store.Release(slot)
			if err != nil {
				return errors.Wrapf(vm.BackingStoreFailure(err),
					"releasing stale slot %d of page 0x%x", slot, e.VPage)
			}

			e.Slot = vm.NoSlot
		}

		newSlot, err := p.store.WriteOut(p.frames.Bytes(v.PAddr))
		if err != nil {
			return errors.Wrapf(vm.BackingStoreFailure(err),
				"writing out page 0x%x", e.VPage)
		}

		slot = newSlot
		p.frames.MarkBackedUp(v.PAddr)
		p.writeOuts.Add(1)
		event.WrittenOut = true
	} else {
		p.cleanReuses.Add(1)
	}

	tx.SetState(e, 0, slot, vm.InBackingStore)

	event.NewState = vm.InBackingStore
	event.Slot = slot

	return nil
}

// shootdown invalidates every TLB. The policy does not track which slot
// caches which page.
func (p *Policy) shootdown(vm.VAddr) {
	for _, t := range p.tlbs {
		t.InvalidateAll()
	}
}

func (p *Policy) invokeEvictHook(event vm.EvictionEvent) {
	if p.NumHooks() == 0 {
		return
	}

	p.InvokeHook(vm.HookCtx{
		Domain: p,
		Pos:    vm.HookPosEvict,
		Item:   event,
	})
}
