package datarecording

// Names of the tables written by the Tracer.
const (
	FaultTable    = "page_faults"
	EvictionTable = "evictions"
	FrameTable    = "frame_events"
	TLBTable      = "tlb_events"
	ExecTable     = "exec_info"
)

// FaultEntry is a row of the fault table.
type FaultEntry struct {
	Seq       uint64
	Domain    string
	PID       uint32
	VPage     uint64
	Access    string
	PAddr     uint64
	FromState string
}

// EvictionEntry is a row of the eviction table.
type EvictionEntry struct {
	Seq        uint64
	Domain     string
	PAddr      uint64
	PID        uint32
	EntryIndex int
	VPage      uint64
	NewState   string
	Slot       int64
	WrittenOut bool
}

// FrameEntry is a row of the frame table.
type FrameEntry struct {
	Seq       uint64
	Domain    string
	What      string
	PAddr     uint64
	NumFrames int
	Kernel    bool
	PID       uint32
}

// TLBEntry is a row of the TLB table.
type TLBEntry struct {
	Seq      uint64
	Domain   string
	What     string
	VPage    uint64
	PAddr    uint64
	ReadOnly bool
	WholeTLB bool
}

// ExecInfo is a row of the exec table.
type ExecInfo struct {
	Property string
	Value    string
}
