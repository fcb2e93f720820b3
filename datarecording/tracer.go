package datarecording

import (
	"sync/atomic"

	"github.com/sarchlab/demandvm/mem/vm"
)

// A Tracer is a hook that records the events of the virtual memory
// components it is attached to.
type Tracer struct {
	recorder DataRecorder
	seq      atomic.Uint64
}

// NewTracer creates the event tables in recorder and returns a tracer that
// fills them.
func NewTracer(recorder DataRecorder) *Tracer {
	recorder.CreateTable(FaultTable, FaultEntry{})
	recorder.CreateTable(EvictionTable, EvictionEntry{})
	recorder.CreateTable(FrameTable, FrameEntry{})
	recorder.CreateTable(TLBTable, TLBEntry{})

	return &Tracer{recorder: recorder}
}

// Func records one event.
func (t *Tracer) Func(ctx vm.HookCtx) {
	seq := t.seq.Add(1)
	domain := ctx.Domain.Name()

	switch e := ctx.Item.(type) {
	case vm.FaultEvent:
		t.recorder.InsertData(FaultTable, FaultEntry{
			Seq:       seq,
			Domain:    domain,
			PID:       uint32(e.PID),
			VPage:     uint64(e.VPage),
			Access:    e.Access.String(),
			PAddr:     uint64(e.PAddr),
			FromState: e.FromState.String(),
		})
	case vm.EvictionEvent:
		t.recorder.InsertData(EvictionTable, EvictionEntry{
			Seq:        seq,
			Domain:     domain,
			PAddr:      uint64(e.PAddr),
			PID:        uint32(e.Owner.PID),
			EntryIndex: e.Owner.Index,
			VPage:      uint64(e.VPage),
			NewState:   e.NewState.String(),
			Slot:       int64(e.Slot),
			WrittenOut: e.WrittenOut,
		})
	case vm.FrameEvent:
		entry := FrameEntry{
			Seq:       seq,
			Domain:    domain,
			What:      ctx.Pos.Name,
			PAddr:     uint64(e.PAddr),
			NumFrames: e.NumFrames,
			Kernel:    e.Kernel,
		}
		if e.Owner != nil {
			entry.PID = uint32(e.Owner.PID)
		}

		t.recorder.InsertData(FrameTable, entry)
	case vm.TLBEvent:
		t.recorder.InsertData(TLBTable, TLBEntry{
			Seq:      seq,
			Domain:   domain,
			What:     ctx.Pos.Name,
			VPage:    uint64(e.VPage),
			PAddr:    uint64(e.PAddr),
			ReadOnly: e.ReadOnly,
			WholeTLB: e.All,
		})
	}
}
