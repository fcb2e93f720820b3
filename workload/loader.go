package workload

import (
	"encoding/binary"

	"github.com/sarchlab/demandvm/mem/vm"
)

// Layout of the address spaces created by Run.
const (
	CodeBase vm.VAddr = 0x00400000
	DataBase vm.VAddr = 0x10000000

	// StackTouchPages is the number of pages at the top of the stack that
	// the workload uses.
	StackTouchPages = 4
)

// Loader produces the content of code pages the way an executable file
// would. Every other page is zero filled.
type Loader struct{}

// LoadPage writes the code word of vPage if it belongs to the code segment.
func (Loader) LoadPage(pid vm.PID, vPage vm.VAddr, dst []byte) error {
	if vPage >= CodeBase && vPage < DataBase {
		binary.LittleEndian.PutUint64(dst, codeWord(pid, vPage))
	}

	return nil
}

func codeWord(pid vm.PID, vPage vm.VAddr) uint64 {
	return 0xC0DE<<48 | uint64(pid)<<24 | uint64(vPage-CodeBase)>>vm.Log2PageSize
}

func dataWord(pid vm.PID, vPage vm.VAddr, version uint64) uint64 {
	return uint64(pid)<<48 | (uint64(vPage)>>vm.Log2PageSize)<<20 | version
}
