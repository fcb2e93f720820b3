package coremap

import (
	"log"

	"github.com/sarchlab/demandvm/mem/vm"
)

// SelectVictim examines at most limit frames, starting from the frame at
// cursor and wrapping around, and locks the first one that holds an unlocked
// user page. It returns the number of frames examined, the chosen frame
// included.
func (t *Table) SelectVictim(cursor, limit int) (v Victim, scanned int, ok bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustBeBootstrapped()

	n := len(t.frames)
	if limit > n {
		limit = n
	}

	cursor %= n

	for scanned < limit {
		index := (cursor + scanned) % n
		scanned++

		f := &t.frames[index]
		if !f.InUse || f.IsKernel || f.Locked || f.Owner == nil {
			continue
		}

		f.Locked = true

		return Victim{
			Index: index,
			PAddr: t.frameAddr(index),
			Owner: *f.Owner,
		}, scanned, true
	}

	return Victim{}, scanned, false
}

// InspectVictim tells if the victim still belongs to the page it was selected
// for, and whether its content must be written out before the frame can be
// reused.
func (t *Table) InspectVictim(v Victim) (owned, needsWrite bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	f := &t.frames[v.Index]
	if !t.ownsVictim(f, v) {
		return false, false
	}

	return true, f.Dirty || !f.InBackingStore
}

// AbandonVictim unlocks a victim that will not be evicted. Nothing happens if
// the frame was freed in the meantime.
func (t *Table) AbandonVictim(v Victim) {
	t.lock.Lock()
	defer t.lock.Unlock()

	f := &t.frames[v.Index]
	if t.ownsVictim(f, v) {
		f.Locked = false
	}
}

// ReleaseVictim frees an evicted frame and returns its address.
func (t *Table) ReleaseVictim(v Victim) vm.PAddr {
	t.lock.Lock()
	defer t.lock.Unlock()

	f := &t.frames[v.Index]
	t.victimMustBeOwned(f, v)

	*f = Frame{}
	t.counters.reclaims++

	return v.PAddr
}

// HandOverVictim frees an evicted frame and allocates it to owner in the same
// critical section, so that no other allocation can take it in between.
func (t *Table) HandOverVictim(
	v Victim,
	owner *vm.Owner,
	pinned bool,
) vm.PAddr {
	t.lock.Lock()
	defer t.lock.Unlock()

	f := &t.frames[v.Index]
	t.victimMustBeOwned(f, v)

	*f = Frame{}
	t.counters.reclaims++

	t.claim(v.Index, 1, owner, pinned)
	t.counters.allocations++

	return v.PAddr
}

func (t *Table) ownsVictim(f *Frame, v Victim) bool {
	return f.InUse && f.Locked && f.Owner != nil && *f.Owner == v.Owner
}

func (t *Table) victimMustBeOwned(f *Frame, v Victim) {
	if !t.ownsVictim(f, v) {
		log.Panicf("frame 0x%x is no longer locked for page %s",
			v.PAddr, v.Owner)
	}
}
