package vm

import (
	"fmt"
	"io"
	"sync"
)

// An EventTracer writes one CSV line for every event reported through the
// hooks it is attached to.
type EventTracer struct {
	lock   sync.Mutex
	writer io.Writer
	seq    uint64
}

// NewEventTracer produce a new EventTracer, injecting the dependency of a
// writer.
func NewEventTracer(w io.Writer) *EventTracer {
	t := new(EventTracer)
	t.writer = w

	return t
}

// Func prints the event.
func (t *EventTracer) Func(ctx HookCtx) {
	what := describeEvent(ctx.Item)
	if what == "" {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.seq++

	_, err := fmt.Fprintf(t.writer,
		"%d,%s,%s,%s\n",
		t.seq,
		ctx.Domain.Name(),
		ctx.Pos.Name,
		what)
	if err != nil {
		panic(err)
	}
}

func describeEvent(item interface{}) string {
	switch e := item.(type) {
	case FrameEvent:
		owner := "kernel"
		if e.Owner != nil {
			owner = e.Owner.String()
		}

		return fmt.Sprintf("0x%x,%d,%s", e.PAddr, e.NumFrames, owner)
	case EvictionEvent:
		return fmt.Sprintf("0x%x,%s,0x%x,%s,%d,%t",
			e.PAddr, e.Owner, e.VPage, e.NewState, e.Slot, e.WrittenOut)
	case FaultEvent:
		return fmt.Sprintf("%d,0x%x,%s,0x%x,%s",
			e.PID, e.VPage, e.Access, e.PAddr, e.FromState)
	case TLBEvent:
		if e.All {
			return "all"
		}

		return fmt.Sprintf("0x%x,0x%x,%t", e.VPage, e.PAddr, e.ReadOnly)
	default:
		return ""
	}
}
