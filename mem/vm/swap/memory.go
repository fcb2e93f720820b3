package swap

import (
	"sync"

	"github.com/sarchlab/demandvm/mem/vm"
)

// MemoryStore keeps swapped pages in memory.
type MemoryStore struct {
	*slotMap

	dataLock sync.RWMutex
	data     []byte
}

// NewMemoryStore creates a store of numSlots pages.
func NewMemoryStore(numSlots int) *MemoryStore {
	s := &MemoryStore{slotMap: newSlotMap(numSlots)}
	s.data = make([]byte, numSlots*vm.PageSize)

	return s
}

// WriteOut copies a page into the lowest free slot.
func (s *MemoryStore) WriteOut(src []byte) (vm.SlotIndex, error) {
	mustBePage(src)

	slot, err := s.allocate()
	if err != nil {
		return vm.NoSlot, err
	}

	s.dataLock.Lock()
	copy(s.page(slot), src)
	s.dataLock.Unlock()

	return slot, nil
}

// ReadIn copies the page in slot into dst.
func (s *MemoryStore) ReadIn(slot vm.SlotIndex, dst []byte) error {
	mustBePage(dst)

	err := s.check(slot)
	if err != nil {
		return err
	}

	s.dataLock.RLock()
	copy(dst, s.page(slot))
	s.dataLock.RUnlock()

	return nil
}

// Release frees slot.
func (s *MemoryStore) Release(slot vm.SlotIndex) error {
	return s.release(slot)
}

func (s *MemoryStore) page(slot vm.SlotIndex) []byte {
	start := int(slot) * vm.PageSize
	return s.data[start : start+vm.PageSize]
}
