// Package pagetable provides the per-address-space table that maps virtual
// pages to frames or backing-store slots.
package pagetable

import (
	"log"
	"sync"

	"github.com/sarchlab/demandvm/mem/vm"
)

// InitialCapacity is the number of entries allocated by the first growth.
const InitialCapacity = 64

// An Entry maps one virtual page.
type Entry struct {
	VPage vm.VAddr
	PAddr vm.PAddr
	State vm.PageState

	// Slot is the backing-store copy of the page. It is the only location of
	// the page in state InBackingStore. A resident page may keep the slot it
	// was read from, whose content stays valid until the frame is dirtied.
	Slot vm.SlotIndex
}

// Table is the page table of one address space. Entries are appended as
// pages are first touched and are never removed. An entry is identified by
// its index, which does not change when the table grows.
type Table struct {
	lock sync.Mutex

	pid        vm.PID
	entries    []Entry
	maxEntries int
}

// PID returns the PID of the address space the table belongs to.
func (t *Table) PID() vm.PID {
	return t.pid
}

// Exclusive runs fn with the table locked. Entry pointers obtained through tx
// are only valid inside fn.
func (t *Table) Exclusive(fn func(tx *Tx) error) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	return fn(&Tx{t: t})
}

// Lookup returns a copy of the entry that maps the page of vAddr.
func (t *Table) Lookup(vAddr vm.VAddr) (e Entry, index int, found bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	tx := Tx{t: t}

	entry, index, found := tx.Lookup(vAddr)
	if !found {
		return Entry{}, -1, false
	}

	return *entry, index, true
}

// GetOrCreate returns a copy of the entry that maps the page of vAddr,
// appending a NotLoaded entry if there is none.
func (t *Table) GetOrCreate(vAddr vm.VAddr) (Entry, int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	tx := Tx{t: t}

	entry, index, err := tx.GetOrCreate(vAddr)
	if err != nil {
		return Entry{}, -1, err
	}

	return *entry, index, nil
}

// SetState changes the entry at index. It does not release what the entry
// used to point to.
func (t *Table) SetState(
	index int,
	pa vm.PAddr,
	slot vm.SlotIndex,
	state vm.PageState,
) {
	t.lock.Lock()
	defer t.lock.Unlock()

	tx := Tx{t: t}
	tx.SetState(tx.Entry(index), pa, slot, state)
}

// Entry returns a copy of the entry at index.
func (t *Table) Entry(index int) Entry {
	t.lock.Lock()
	defer t.lock.Unlock()

	tx := Tx{t: t}

	return *tx.Entry(index)
}

// Entries returns a copy of all the entries.
func (t *Table) Entries() []Entry {
	t.lock.Lock()
	defer t.lock.Unlock()

	entries := make([]Entry, len(t.entries))
	copy(entries, t.entries)

	return entries
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.entries)
}

// Capacity returns the number of entries the table can hold before it grows.
func (t *Table) Capacity() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return cap(t.entries)
}

// A Tx gives access to the entries of a locked table.
type Tx struct {
	t *Table
}

// Len returns the number of entries.
func (tx *Tx) Len() int {
	return len(tx.t.entries)
}

// Lookup finds the entry that maps the page of vAddr.
func (tx *Tx) Lookup(vAddr vm.VAddr) (e *Entry, index int, found bool) {
	vPage := vm.PageAlign(vAddr)

	for i := range tx.t.entries {
		if tx.t.entries[i].VPage == vPage {
			return &tx.t.entries[i], i, true
		}
	}

	return nil, -1, false
}

// GetOrCreate finds the entry that maps the page of vAddr, appending a
// NotLoaded entry if there is none.
func (tx *Tx) GetOrCreate(vAddr vm.VAddr) (*Entry, int, error) {
	e, index, found := tx.Lookup(vAddr)
	if found {
		return e, index, nil
	}

	t := tx.t
	if len(t.entries) == cap(t.entries) {
		err := t.grow()
		if err != nil {
			return nil, -1, err
		}
	}

	t.entries = append(t.entries, Entry{
		VPage: vm.PageAlign(vAddr),
		State: vm.NotLoaded,
		Slot:  vm.NoSlot,
	})
	index = len(t.entries) - 1

	return &t.entries[index], index, nil
}

// Entry returns the entry at index.
func (tx *Tx) Entry(index int) *Entry {
	if index < 0 || index >= len(tx.t.entries) {
		log.Panicf("page table of pid %d has no entry %d", tx.t.pid, index)
	}

	return &tx.t.entries[index]
}

// ForEach calls fn on every entry, in index order.
func (tx *Tx) ForEach(fn func(index int, e *Entry)) {
	for i := range tx.t.entries {
		fn(i, &tx.t.entries[i])
	}
}

// SetState changes an entry. Callers are responsible for releasing the frame
// or slot the entry used to point to.
func (tx *Tx) SetState(
	e *Entry,
	pa vm.PAddr,
	slot vm.SlotIndex,
	state vm.PageState,
) {
	switch state {
	case vm.Resident, vm.ResidentReadOnly:
		if !vm.IsFrameAligned(pa) {
			log.Panicf("page 0x%x mapped to unaligned frame 0x%x",
				e.VPage, pa)
		}
	case vm.InBackingStore:
		if slot == vm.NoSlot {
			log.Panicf("page 0x%x moved to backing store without slot",
				e.VPage)
		}

		pa = 0
	case vm.NotLoaded:
		pa = 0
	default:
		log.Panicf("unknown page state %d", state)
	}

	e.PAddr = pa
	e.Slot = slot
	e.State = state
}

func (t *Table) grow() error {
	newCap := InitialCapacity
	if cap(t.entries) > 0 {
		newCap = cap(t.entries) * 2
	}

	if t.maxEntries > 0 && newCap > t.maxEntries {
		if len(t.entries) >= t.maxEntries {
			return vm.ErrCapacityExceeded
		}

		newCap = t.maxEntries
	}

	entries := make([]Entry, len(t.entries), newCap)
	copy(entries, t.entries)
	t.entries = entries

	return nil
}
