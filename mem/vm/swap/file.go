package swap

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/mem/vm"
)

// FileStore keeps swapped pages in a swap file of fixed size. Slot i lives
// at offset i*PageSize.
type FileStore struct {
	*slotMap

	file *os.File
}

// OpenFileStore creates, or truncates, the swap file at path and sizes it
// for numSlots pages.
func OpenFileStore(path string, numSlots int) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "opening swap file %s", path)
	}

	s := &FileStore{slotMap: newSlotMap(numSlots), file: f}

	err = f.Truncate(int64(numSlots) * vm.PageSize)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "sizing swap file %s", path)
	}

	return s, nil
}

// Path returns the path of the swap file.
func (s *FileStore) Path() string {
	return s.file.Name()
}

// WriteOut writes a page into the lowest free slot.
func (s *FileStore) WriteOut(src []byte) (vm.SlotIndex, error) {
	mustBePage(src)

	slot, err := s.allocate()
	if err != nil {
		return vm.NoSlot, err
	}

	_, err = s.file.WriteAt(src, offset(slot))
	if err != nil {
		_ = s.release(slot)
		return vm.NoSlot, errors.Wrapf(err, "writing swap slot %d", slot)
	}

	return slot, nil
}

// ReadIn reads the page in slot into dst.
func (s *FileStore) ReadIn(slot vm.SlotIndex, dst []byte) error {
	mustBePage(dst)

	err := s.check(slot)
	if err != nil {
		return err
	}

	_, err = s.file.ReadAt(dst, offset(slot))
	if err != nil {
		return errors.Wrapf(err, "reading swap slot %d", slot)
	}

	return nil
}

// Release frees slot. The content stays in the file until overwritten.
func (s *FileStore) Release(slot vm.SlotIndex) error {
	return s.release(slot)
}

// Close closes the swap file.
func (s *FileStore) Close() error {
	return s.file.Close()
}

func offset(slot vm.SlotIndex) int64 {
	return int64(slot) * vm.PageSize
}
