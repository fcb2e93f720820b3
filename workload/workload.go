// Package workload drives the MMUs with synthetic processes and checks that
// every page reads back what was last written to it.
package workload

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/sarchlab/demandvm/mem/vm/addrspace"
	"github.com/sarchlab/demandvm/mem/vm/mmu"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCorruption is reported when a page does not hold what the workload
	// wrote to it.
	ErrCorruption = errors.New("page content corrupted")

	// ErrFrameLeak is reported when user frames remain in use after every
	// address space is destroyed.
	ErrFrameLeak = errors.New("user frames leaked")

	// ErrBadConfig is reported for configurations that cannot run.
	ErrBadConfig = errors.New("bad workload configuration")
)

// A ProgressReporter follows the processes of a run. A process starts once
// its image is loaded and then either finishes or fails.
type ProgressReporter interface {
	Start(n uint64)
	Finish(n uint64)
	Fail(n uint64)
}

// Config describes a synthetic workload.
type Config struct {
	Processes       int     `json:"processes"`
	PagesPerProcess int     `json:"pagesPerProcess"`
	Accesses        int     `json:"accesses"`
	WriteRatio      float64 `json:"writeRatio"`
	Seed            int64   `json:"seed"`

	Progress ProgressReporter `json:"-"`
}

// DefaultConfig returns a small workload.
func DefaultConfig() Config {
	return Config{
		Processes:       4,
		PagesPerProcess: 32,
		Accesses:        10000,
		WriteRatio:      0.3,
		Seed:            1,
	}
}

func (c Config) validate() error {
	switch {
	case c.Processes <= 0:
		return errors.Wrapf(ErrBadConfig, "%d processes", c.Processes)
	case c.PagesPerProcess <= 0:
		return errors.Wrapf(ErrBadConfig, "%d pages per process",
			c.PagesPerProcess)
	case c.Accesses < 0:
		return errors.Wrapf(ErrBadConfig, "%d accesses", c.Accesses)
	case c.WriteRatio < 0 || c.WriteRatio > 1:
		return errors.Wrapf(ErrBadConfig, "write ratio %g", c.WriteRatio)
	}

	return nil
}

// CodePages returns the size of the code segment of every process.
func (c Config) CodePages() int {
	if c.PagesPerProcess < 4 {
		return 1
	}

	return c.PagesPerProcess / 4
}

// Report summarizes a run.
type Report struct {
	RunID     string
	Processes int
	Loads     uint64
	Stores    uint64
	Fetches   uint64
	Verified  uint64
	Duration  time.Duration
}

// Run creates cfg.Processes address spaces in mgr, spreads them over the
// MMUs and runs them. Each MMU interleaves the accesses of its processes.
// Every address space is destroyed before Run returns.
//
// The page loader of mgr must be Loader, so that code pages dropped by the
// eviction policy come back with the content the loader wrote.
func Run(
	ctx context.Context,
	mgr *addrspace.Manager,
	mmus []*mmu.MMU,
	cfg Config,
) (Report, error) {
	err := cfg.validate()
	if err != nil {
		return Report{}, err
	}

	if len(mmus) == 0 {
		return Report{}, errors.Wrap(ErrBadConfig, "no MMU")
	}

	start := time.Now()
	report := Report{RunID: xid.New().String(), Processes: cfg.Processes}

	procs := make([]*process, cfg.Processes)
	for i := range procs {
		procs[i] = newProcess(mgr.Create(), cfg, cfg.Seed+int64(i))
	}

	runErr := runAll(ctx, mmus, procs, cfg)

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}

	for _, p := range procs {
		report.Loads += p.loads
		report.Stores += p.stores
		report.Fetches += p.fetches
		report.Verified += p.verified

		err = p.as.Destroy()
		if err != nil {
			result = multierror.Append(result,
				errors.Wrapf(err, "destroying pid %d", p.as.PID()))
		}
	}

	if used := mgr.FrameTable().Stats().UserFrames; used > 0 {
		result = multierror.Append(result,
			errors.Wrapf(ErrFrameLeak, "%d frames", used))
	}

	report.Duration = time.Since(start)

	return report, result.ErrorOrNil()
}

func runAll(
	ctx context.Context,
	mmus []*mmu.MMU,
	procs []*process,
	cfg Config,
) error {
	g, ctx := errgroup.WithContext(ctx)

	for i, m := range mmus {
		var mine []*process
		for j := i; j < len(procs); j += len(mmus) {
			mine = append(mine, procs[j])
		}

		if len(mine) == 0 {
			continue
		}

		m := m
		g.Go(func() error {
			return runCPU(ctx, m, mine, cfg)
		})
	}

	return g.Wait()
}

func runCPU(
	ctx context.Context,
	m *mmu.MMU,
	procs []*process,
	cfg Config,
) (err error) {
	started := uint64(0)

	if cfg.Progress != nil {
		defer func() {
			if err != nil {
				cfg.Progress.Fail(started)
			} else {
				cfg.Progress.Finish(started)
			}
		}()
	}

	for _, p := range procs {
		err = p.load(m)
		if err != nil {
			return err
		}

		started++
		if cfg.Progress != nil {
			cfg.Progress.Start(1)
		}
	}

	for step := 0; step < cfg.Accesses; step++ {
		err = ctx.Err()
		if err != nil {
			return err
		}

		for _, p := range procs {
			err = p.step(m)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

type process struct {
	as    *addrspace.AddressSpace
	cfg   Config
	rng   *rand.Rand
	pages []vm.VAddr

	// written holds the last word stored to every page in pages.
	written map[vm.VAddr]uint64
	version uint64

	loads, stores, fetches, verified uint64
}

func newProcess(as *addrspace.AddressSpace, cfg Config, seed int64) *process {
	p := &process{
		as:      as,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		written: make(map[vm.VAddr]uint64),
	}

	for i := 0; i < cfg.PagesPerProcess; i++ {
		p.pages = append(p.pages, DataBase+vm.VAddr(i*vm.PageSize))
	}

	for i := 1; i <= StackTouchPages; i++ {
		p.pages = append(p.pages, addrspace.UserStack-vm.VAddr(i*vm.PageSize))
	}

	return p
}

// load declares the regions and writes the code segment, the way an
// executable loader does.
func (p *process) load(m *mmu.MMU) error {
	codeSize := uint64(p.cfg.CodePages() * vm.PageSize)
	dataSize := uint64(p.cfg.PagesPerProcess * vm.PageSize)

	err := p.as.DefineRegion(CodeBase, codeSize, true, false, true)
	if err != nil {
		return err
	}

	err = p.as.DefineRegion(DataBase, dataSize, true, true, false)
	if err != nil {
		return err
	}

	_, err = p.as.DefineStack()
	if err != nil {
		return err
	}

	err = p.as.PrepareLoad()
	if err != nil {
		return err
	}

	buf := make([]byte, 8)

	for i := 0; i < p.cfg.CodePages(); i++ {
		vPage := CodeBase + vm.VAddr(i*vm.PageSize)
		binary.LittleEndian.PutUint64(buf, codeWord(p.as.PID(), vPage))

		err = m.Store(p.as, vPage, buf)
		if err != nil {
			return errors.Wrapf(err, "loading pid %d", p.as.PID())
		}
	}

	return p.as.CompleteLoad()
}

func (p *process) step(m *mmu.MMU) error {
	if p.rng.Float64() < p.cfg.WriteRatio {
		return p.write(m)
	}

	if p.rng.Intn(4) == 0 {
		return p.fetch(m)
	}

	return p.read(m)
}

func (p *process) write(m *mmu.MMU) error {
	vPage := p.pages[p.rng.Intn(len(p.pages))]

	p.version++
	word := dataWord(p.as.PID(), vPage, p.version)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, word)

	err := m.Store(p.as, vPage, buf)
	if err != nil {
		return errors.Wrapf(err, "pid %d store 0x%x", p.as.PID(), vPage)
	}

	p.written[vPage] = word
	p.stores++

	return nil
}

func (p *process) read(m *mmu.MMU) error {
	vPage := p.pages[p.rng.Intn(len(p.pages))]

	buf := make([]byte, 8)

	err := m.Load(p.as, vPage, buf)
	if err != nil {
		return errors.Wrapf(err, "pid %d load 0x%x", p.as.PID(), vPage)
	}

	p.loads++

	return p.verify(vPage, buf, p.written[vPage])
}

func (p *process) fetch(m *mmu.MMU) error {
	n := p.rng.Intn(p.cfg.CodePages())
	vPage := CodeBase + vm.VAddr(n*vm.PageSize)

	buf := make([]byte, 8)

	err := m.Fetch(p.as, vPage, buf)
	if err != nil {
		return errors.Wrapf(err, "pid %d fetch 0x%x", p.as.PID(), vPage)
	}

	p.fetches++

	return p.verify(vPage, buf, codeWord(p.as.PID(), vPage))
}

func (p *process) verify(vPage vm.VAddr, buf []byte, want uint64) error {
	got := binary.LittleEndian.Uint64(buf)
	if got != want {
		return errors.Wrapf(ErrCorruption,
			"pid %d page 0x%x holds 0x%x, want 0x%x",
			p.as.PID(), vPage, got, want)
	}

	p.verified++

	return nil
}
