package workload_test

import (
	"context"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/addrspace"
	"github.com/sarchlab/demandvm/mem/vm/coremap"
	"github.com/sarchlab/demandvm/mem/vm/eviction"
	"github.com/sarchlab/demandvm/mem/vm/mmu"
	"github.com/sarchlab/demandvm/mem/vm/swap"
	"github.com/sarchlab/demandvm/mem/vm/tlb"
	"github.com/sarchlab/demandvm/workload"
)

type machine struct {
	frames *coremap.Table
	store  *swap.MemoryStore
	mgr    *addrspace.Manager
	policy *eviction.Policy
	mmus   []*mmu.MMU
}

func newMachine(numFrames, numCPUs int) machine {
	m := machine{
		frames: coremap.MakeBuilder().
			WithTotalRAM(uint64(numFrames * vm.PageSize)).
			Build("Coremap"),
		store: swap.NewMemoryStore(256),
	}

	var tlbs []*tlb.TLB
	for i := 0; i < numCPUs; i++ {
		tlbs = append(tlbs, tlb.MakeBuilder().WithNumEntries(8).Build("TLB"))
	}

	m.mgr = addrspace.MakeBuilder().
		WithFrameTable(m.frames).
		WithTLBs(tlbs...).
		WithBackingStore(m.store).
		WithPageLoader(workload.Loader{}).
		Build("Manager")
	m.policy = eviction.MakeBuilder().
		WithFrameTable(m.frames).
		WithPageTableFinder(m.mgr).
		WithBackingStore(m.store).
		WithTLBs(tlbs...).
		Build("Eviction")

	for _, t := range tlbs {
		m.mmus = append(m.mmus, mmu.MakeBuilder().
			WithTLB(t).
			WithFrameTable(m.frames).
			Build("MMU"))
	}

	return m
}

type progress struct {
	started  atomic.Uint64
	finished atomic.Uint64
	failed   atomic.Uint64
}

func (p *progress) Start(n uint64) {
	p.started.Add(n)
}

func (p *progress) Finish(n uint64) {
	p.finished.Add(n)
}

func (p *progress) Fail(n uint64) {
	p.failed.Add(n)
}

var _ = Describe("Workload", func() {
	var (
		cfg workload.Config
	)

	BeforeEach(func() {
		cfg = workload.Config{
			Processes:       3,
			PagesPerProcess: 16,
			Accesses:        300,
			WriteRatio:      0.4,
			Seed:            7,
		}
	})

	It("should run without memory pressure", func() {
		m := newMachine(256, 1)

		report, err := workload.Run(context.Background(), m.mgr, m.mmus, cfg)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Processes).To(Equal(3))
		Expect(report.RunID).NotTo(BeEmpty())
		Expect(report.Loads + report.Stores + report.Fetches).
			To(Equal(uint64(3 * 300)))
		Expect(report.Verified).To(Equal(report.Loads + report.Fetches))
		Expect(m.policy.Stats().Evictions).To(BeZero())
		Expect(m.mgr.NumAddressSpaces()).To(BeZero())
	})

	It("should verify every page under memory pressure", func() {
		m := newMachine(12, 2)

		report, err := workload.Run(context.Background(), m.mgr, m.mmus, cfg)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Verified).To(Equal(report.Loads + report.Fetches))

		stats := m.policy.Stats()
		Expect(stats.Evictions).NotTo(BeZero())
		Expect(stats.WriteOuts).NotTo(BeZero())
		Expect(m.mgr.FaultStats().SwapIns).NotTo(BeZero())

		Expect(m.frames.Stats().UserFrames).To(BeZero())
		Expect(m.store.UsedSlots()).To(BeZero())
	})

	It("should reload dropped code pages from the loader", func() {
		cfg.WriteRatio = 0
		m := newMachine(8, 1)

		report, err := workload.Run(context.Background(), m.mgr, m.mmus, cfg)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Fetches).NotTo(BeZero())
		Expect(m.policy.Stats().ReadOnlyDrops).NotTo(BeZero())
	})

	It("should be deterministic", func() {
		m1 := newMachine(64, 1)
		r1, err := workload.Run(context.Background(), m1.mgr, m1.mmus, cfg)
		Expect(err).NotTo(HaveOccurred())

		m2 := newMachine(64, 1)
		r2, err := workload.Run(context.Background(), m2.mgr, m2.mmus, cfg)
		Expect(err).NotTo(HaveOccurred())

		Expect(r2.Loads).To(Equal(r1.Loads))
		Expect(r2.Stores).To(Equal(r1.Stores))
		Expect(r2.Fetches).To(Equal(r1.Fetches))
	})

	It("should report progress", func() {
		m := newMachine(64, 2)
		p := &progress{}
		cfg.Progress = p

		_, err := workload.Run(context.Background(), m.mgr, m.mmus, cfg)

		Expect(err).NotTo(HaveOccurred())
		Expect(p.started.Load()).To(Equal(uint64(3)))
		Expect(p.finished.Load()).To(Equal(uint64(3)))
		Expect(p.failed.Load()).To(BeZero())
	})

	It("should stop when the context is canceled", func() {
		m := newMachine(64, 2)
		p := &progress{}
		cfg.Progress = p
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := workload.Run(ctx, m.mgr, m.mmus, cfg)

		Expect(err).To(MatchError(context.Canceled))
		Expect(p.failed.Load()).To(Equal(uint64(3)))
		Expect(p.finished.Load()).To(BeZero())
		Expect(m.mgr.NumAddressSpaces()).To(BeZero())
		Expect(m.frames.Stats().UserFrames).To(BeZero())
	})

	It("should reject bad configurations", func() {
		m := newMachine(64, 1)

		for _, bad := range []workload.Config{
			{Processes: 0, PagesPerProcess: 1},
			{Processes: 1, PagesPerProcess: 0},
			{Processes: 1, PagesPerProcess: 1, Accesses: -1},
			{Processes: 1, PagesPerProcess: 1, WriteRatio: 2},
		} {
			_, err := workload.Run(context.Background(), m.mgr, m.mmus, bad)
			Expect(err).To(MatchError(workload.ErrBadConfig))
		}

		_, err := workload.Run(context.Background(), m.mgr, nil, cfg)
		Expect(err).To(MatchError(workload.ErrBadConfig))
	})

	It("should fill code pages only", func() {
		buf := make([]byte, vm.PageSize)

		loader := workload.Loader{}

		Expect(loader.LoadPage(3, workload.DataBase, buf)).To(Succeed())
		Expect(buf[:8]).To(Equal(make([]byte, 8)))

		Expect(loader.LoadPage(3, workload.CodeBase+vm.PageSize, buf)).
			To(Succeed())
		Expect(buf[:8]).NotTo(Equal(make([]byte, 8)))
	})
})
