// Package swap provides backing stores that hold the pages evicted from
// physical memory.
package swap

import (
	"errors"
	"log"
	"sync"

	"github.com/sarchlab/demandvm/mem/vm"
)

var (
	// ErrSwapFull is reported when every slot of a store is in use.
	ErrSwapFull = errors.New("swap is full")

	// ErrBadSlot is reported for slots that are out of range or not in use.
	ErrBadSlot = errors.New("bad swap slot")
)

// Usage is implemented by the stores that can tell how full they are.
type Usage interface {
	NumSlots() int
	UsedSlots() int
}

// slotMap hands out the lowest free slot.
type slotMap struct {
	lock sync.Mutex
	used []bool
	next int
	n    int
}

func newSlotMap(numSlots int) *slotMap {
	if numSlots <= 0 {
		log.Panicf("swap needs at least one slot, got %d", numSlots)
	}

	return &slotMap{used: make([]bool, numSlots)}
}

func (m *slotMap) NumSlots() int {
	return len(m.used)
}

func (m *slotMap) UsedSlots() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.n
}

func (m *slotMap) allocate() (vm.SlotIndex, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for i := m.next; i < len(m.used); i++ {
		if !m.used[i] {
			m.used[i] = true
			m.next = i + 1
			m.n++

			return vm.SlotIndex(i), nil
		}
	}

	return vm.NoSlot, ErrSwapFull
}

func (m *slotMap) release(slot vm.SlotIndex) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.inUse(slot) {
		return ErrBadSlot
	}

	m.used[slot] = false
	m.n--

	if int(slot) < m.next {
		m.next = int(slot)
	}

	return nil
}

func (m *slotMap) check(slot vm.SlotIndex) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.inUse(slot) {
		return ErrBadSlot
	}

	return nil
}

func (m *slotMap) inUse(slot vm.SlotIndex) bool {
	return slot >= 0 && int(slot) < len(m.used) && m.used[slot]
}

func mustBePage(buf []byte) {
	if len(buf) != vm.PageSize {
		log.Panicf("swap transfers whole pages, got %d bytes", len(buf))
	}
}
