package cmd

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/addrspace"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/eviction"
	"github.com/sarchlab/demandvm/mem/vm/mmu"
	"github.com/sarchlab/demandvm/mem/vm/swap"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
	"github.com/sarchlab/demandvm/workload"
)

type closer interface {
	Close() error
}

// machine is the set of components a run works on.
type machine struct {
	frames *coremap.Table
	tlbs   []*tlb.TLB
	store  vm.BackingStore
	usage  swap.Usage
	mgr    *addrspace.Manager
	policy *eviction.Policy
	mmus   []*mmu.MMU

	closers []closer
}

func buildMachine(cfg Config) (*machine, error) {
	m := &machine{}

	err := m.openStore(cfg)
	if err != nil {
		return nil, err
	}

	evict := m.store != nil || cfg.ReadOnlyReclaim

	m.frames = coremap.MakeBuilder().
		WithTotalRAM(cfg.RAM).
		WithKernelFootprint(cfg.KernelFootprint).
		WithEvictionEnabled(evict).
		Build("Coremap")

	for i := 0; i < cfg.CPUs; i++ {
		m.tlbs = append(m.tlbs, tlb.MakeBuilder().
			WithNumEntries(cfg.TLBEntries).
			Build(cpuName(i)+".TLB"))
	}

	mb := addrspace.MakeBuilder().
		WithFrameTable(m.frames).
		WithTLBs(m.tlbs...).
		WithPageLoader(workload.Loader{})
	if m.store != nil {
		mb = mb.WithBackingStore(m.store)
	}

	m.mgr = mb.Build("AddressSpaces")

	if evict {
		eb := eviction.MakeBuilder().
			WithFrameTable(m.frames).
			WithPageTableFinder(m.mgr).
			WithTLBs(m.tlbs...).
			WithSwapEnabled(m.store != nil).
			WithReadOnlyReclaimWithoutWrite(cfg.ReadOnlyReclaim)
		if m.store != nil {
			eb = eb.WithBackingStore(m.store)
		}

		m.policy = eb.Build("Eviction")
	}

	for i, t := range m.tlbs {
		m.mmus = append(m.mmus, mmu.MakeBuilder().
			WithTLB(t).
			WithFrameTable(m.frames).
			Build(cpuName(i)))
	}

	return m, nil
}

func cpuName(i int) string {
	return fmt.Sprintf("CPU[%d]", i)
}

func (m *machine) openStore(cfg Config) error {
	switch cfg.Swap {
	case SwapMemory:
		s := swap.NewMemoryStore(cfg.SwapSlots)
		m.store, m.usage = s, s
	case SwapFile:
		s, err := swap.OpenFileStore(cfg.SwapPath, cfg.SwapSlots)
		if err != nil {
			return err
		}

		m.store, m.usage = s, s
		m.closers = append(m.closers, s)
	case SwapSQLite:
		s, err := swap.OpenSQLiteStore(cfg.SwapPath, cfg.SwapSlots)
		if err != nil {
			return err
		}

		m.store, m.usage = s, s
		m.closers = append(m.closers, s)
	}

	return nil
}

// hookables returns every component that reports events.
func (m *machine) hookables() []vm.Hookable {
	h := []vm.Hookable{m.frames, m.mgr}

	if m.policy != nil {
		h = append(h, m.policy)
	}

	for _, t := range m.tlbs {
		h = append(h, t)
	}

	return h
}

func (m *machine) acceptHook(hook vm.Hook) {
	for _, h := range m.hookables() {
		h.AcceptHook(hook)
	}
}

func (m *machine) Close() error {
	var result *multierror.Error

	for _, c := range m.closers {
		err := c.Close()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
