package vm

// A BackingStore holds the content of pages that are not resident. The
// eviction policy is its only writer and the fault handler its only reader.
// Slot allocation and reclamation are up to the implementation.
type BackingStore interface {
	// WriteOut copies one page into a free slot and returns the slot.
	WriteOut(src []byte) (SlotIndex, error)

	// ReadIn copies the content of a slot into dst.
	ReadIn(slot SlotIndex, dst []byte) error

	// Release returns a slot to the store.
	Release(slot SlotIndex) error
}

// A PageLoader produces the initial content of a page that was never loaded,
// or that was dropped because it could be reproduced.
type PageLoader interface {
	LoadPage(pid PID, vPage VAddr, dst []byte) error
}

// ZeroFillLoader is the PageLoader for anonymous memory. Frames are zeroed
// when allocated, so there is nothing left to do.
type ZeroFillLoader struct{}

// LoadPage leaves dst untouched.
func (ZeroFillLoader) LoadPage(PID, VAddr, []byte) error {
	return nil
}
