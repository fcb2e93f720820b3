// Package tlb models the translation lookaside buffer and the kernel code that
// keeps it consistent with the page tables.
package tlb

import (
	"log"
	"sync"

	"github.com/sarchlab/demandvm/mem/vm"
)

// An Entry is one slot of the TLB.
type Entry struct {
	VPage    vm.VAddr
	PAddr    vm.PAddr
	Writable bool
	Valid    bool
}

// TLB is a fully associative translation cache with round-robin replacement.
// Its content is always a subset of what the page tables say, so a missing or
// dropped entry only costs a fault.
//
// The lock plays the role of raising the interrupt level while the
// translation registers are manipulated: no two operations interleave.
type TLB struct {
	vm.HookableBase

	lock    sync.Mutex
	name    string
	entries []Entry
	victim  int
}

// Name returns the name of the TLB.
func (t *TLB) Name() string {
	return t.name
}

// NumEntries returns the number of slots.
func (t *TLB) NumEntries() int {
	return len(t.entries)
}

// InvalidateAll clears every slot.
func (t *TLB) InvalidateAll() {
	t.lock.Lock()
	for i := range t.entries {
		t.entries[i] = Entry{}
	}
	t.lock.Unlock()

	t.invoke(vm.HookPosTLBInvalidate, vm.TLBEvent{All: true})
}

// Insert installs a translation into the next victim slot, overwriting
// whatever is there. An older translation of the same page is removed first
// so that a page is never cached twice.
func (t *TLB) Insert(vPage vm.VAddr, pa vm.PAddr, readOnly bool) {
	if !vm.IsFrameAligned(pa) {
		log.Panicf("tlb %s: frame 0x%x is not aligned", t.name, pa)
	}

	vPage = vm.PageAlign(vPage)

	t.lock.Lock()
	t.removeLocked(vPage)

	t.entries[t.victim] = Entry{
		VPage:    vPage,
		PAddr:    pa,
		Writable: !readOnly,
		Valid:    true,
	}
	t.victim = (t.victim + 1) % len(t.entries)
	t.lock.Unlock()

	t.invoke(vm.HookPosTLBInsert, vm.TLBEvent{
		VPage:    vPage,
		PAddr:    pa,
		ReadOnly: readOnly,
	})
}

// RemoveByVirtualPage invalidates the slot that translates the page, if any.
func (t *TLB) RemoveByVirtualPage(vPage vm.VAddr) bool {
	vPage = vm.PageAlign(vPage)

	t.lock.Lock()
	removed := t.removeLocked(vPage)
	t.lock.Unlock()

	if removed {
		t.invoke(vm.HookPosTLBInvalidate, vm.TLBEvent{VPage: vPage})
	}

	return removed
}

func (t *TLB) removeLocked(vPage vm.VAddr) bool {
	for i := range t.entries {
		e := &t.entries[i]
		if e.Valid && e.VPage == vPage {
			*e = Entry{}
			return true
		}
	}

	return false
}

// RemoveByPhysicalAddress invalidates every slot that points to the frame and
// returns how many there were.
func (t *TLB) RemoveByPhysicalAddress(pa vm.PAddr) int {
	t.lock.Lock()

	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.Valid && e.PAddr == pa {
			*e = Entry{}
			n++
		}
	}
	t.lock.Unlock()

	if n > 0 {
		t.invoke(vm.HookPosTLBInvalidate, vm.TLBEvent{PAddr: pa})
	}

	return n
}

// Lookup returns the translation of the page of vAddr.
func (t *TLB) Lookup(vAddr vm.VAddr) (Entry, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	e, found := t.lookupLocked(vm.PageAlign(vAddr))
	if !found {
		return Entry{}, false
	}

	return *e, true
}

// Access performs the hardware side of a memory access. If the page of vAddr
// is cached with the required permission, fn is called with the frame while
// no other TLB operation can run, and Access returns true. Otherwise it
// returns false, which the caller treats as a fault.
func (t *TLB) Access(vAddr vm.VAddr, write bool, fn func(pa vm.PAddr)) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	e, found := t.lookupLocked(vm.PageAlign(vAddr))
	if !found {
		return false
	}

	if write && !e.Writable {
		return false
	}

	fn(e.PAddr)

	return true
}

func (t *TLB) lookupLocked(vPage vm.VAddr) (*Entry, bool) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.Valid && e.VPage == vPage {
			return e, true
		}
	}

	return nil, false
}

// Entries returns a copy of all the slots.
func (t *TLB) Entries() []Entry {
	t.lock.Lock()
	defer t.lock.Unlock()

	entries := make([]Entry, len(t.entries))
	copy(entries, t.entries)

	return entries
}

func (t *TLB) invoke(pos *vm.HookPos, event vm.TLBEvent) {
	if t.NumHooks() == 0 {
		return
	}

	t.InvokeHook(vm.HookCtx{
		Domain: t,
		Pos:    pos,
		Item:   event,
	})
}
