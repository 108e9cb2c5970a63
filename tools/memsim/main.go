package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/NebulousLabs/fastrand"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"thingy/kernel"
	"thingy/kernel/cpu"
	"thingy/kernel/irq"
	"thingy/kernel/kfmt"
	"thingy/kernel/kmain"
	"thingy/kernel/mem"
	"thingy/kernel/mm"
	"thingy/kernel/mm/pmm"
	"thingy/multiboot"
)

var (
	machineCount = flag.Int("machines", 4, "number of machines to simulate")
	ramMb        = flag.Int("ram", 32, "RAM size in MiB for each machine")
	opCount      = flag.Int("ops", 10000, "number of heap operations to run on each machine")
	maxAlloc     = flag.Int("max-alloc", 8192, "max size in bytes of a single heap allocation")
	cmdLine      = flag.String("cmdline", "", "kernel command line passed to each machine")
	parallel     = flag.Int("parallel", 0, "max machines running at the same time (0 = no limit)")
)

// The kernel image is loaded at 1M; the simulated image spans 1M.
const (
	kernelStart = 0x100000
	kernelEnd   = 0x200000
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

// allocation tracks a live heap block and the byte pattern written to it.
type allocation struct {
	ptr     mm.VirtAddr
	size    uint32
	user    bool
	pattern byte
}

// workloadStats counts the operations executed by a machine.
type workloadStats struct {
	allocs, frees, reallocs, pageRuns, outOfMemory int
}

// machine is a simulated computer with its own RAM, CPU and console.
type machine struct {
	id      int
	ram     []byte
	ctl     cpu.Emulated
	irqs    irq.Table
	console bytes.Buffer
}

func newMachine(id int, ramSize mm.Size) (*machine, error) {
	ram, err := unix.Mmap(-1, 0, int(ramSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("machine %d: unable to map RAM: %w", id, err)
	}

	return &machine{
		id:  id,
		ram: ram,
		ctl: cpu.Emulated{CR0: cpu.CR0ProtectedMode},
	}, nil
}

func (m *machine) close() error {
	return unix.Munmap(m.ram)
}

func (m *machine) bootInfo() []byte {
	ramSize := uint64(len(m.ram))

	return new(multiboot.Builder).
		AddMemRegion(0, 0x9fc00, multiboot.MemAvailable).
		AddMemRegion(0x9fc00, 0x400, multiboot.MemReserved).
		AddMemRegion(0xf0000, 0x10000, multiboot.MemReserved).
		AddMemRegion(0x100000, ramSize-0x100000, multiboot.MemAvailable).
		SetFramebuffer(multiboot.FramebufferInfo{PhysAddr: 0xb8000, Pitch: 160, Width: 80, Height: 25, Type: multiboot.FramebufferTypeEGA}).
		SetCmdLine(*cmdLine).
		Bytes()
}

// run boots the machine and executes a random heap workload.
func (m *machine) run(ctx context.Context) error {
	console := kfmt.NewPrefixWriter(&m.console, fmt.Sprintf("[machine %d] ", m.id))

	mgr, kerr := kmain.Boot(kmain.Machine{
		Memory:  mm.RAM(m.ram),
		CPU:     &m.ctl,
		IRQ:     &m.irqs,
		Console: console,
	}, m.bootInfo(), kernelStart, kernelEnd)
	if kerr != nil {
		return fmt.Errorf("machine %d: boot failed: %w", m.id, kerr)
	}

	stats, err := runWorkload(ctx, mgr)
	if err != nil {
		return fmt.Errorf("machine %d: %w", m.id, err)
	}

	kfmt.Fprintf(console, "ops: %d allocs, %d frees, %d reallocs, %d page runs, %d out of memory\n",
		stats.allocs, stats.frees, stats.reallocs, stats.pageRuns, stats.outOfMemory)
	if kerr = mgr.DumpTo(console); kerr != nil {
		return fmt.Errorf("machine %d: heap verification failed: %w", m.id, kerr)
	}

	return nil
}

func runWorkload(ctx context.Context, mgr *mem.Manager) (workloadStats, error) {
	var (
		stats workloadStats
		live  []allocation
	)

	for op := 0; op < *opCount; op++ {
		if op%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		var err *kernel.Error
		switch r := fastrand.Intn(100); {
		case r < 50 || len(live) == 0:
			var a allocation
			if a, err = allocBlock(mgr); err == nil {
				live = append(live, a)
				stats.allocs++
			}
		case r < 80:
			index := fastrand.Intn(len(live))
			if err = checkPattern(mgr, live[index]); err == nil {
				err = mgr.Free(live[index].ptr)
			}
			if err == nil {
				live[index] = live[len(live)-1]
				live = live[:len(live)-1]
				stats.frees++
			}
		case r < 95:
			index := fastrand.Intn(len(live))
			if err = reallocBlock(mgr, &live[index]); err == nil {
				stats.reallocs++
			}
		default:
			var page mm.Page
			if page, err = mgr.AllocPages(uint32(1+fastrand.Intn(8)), fastrand.Intn(2) == 0); err == nil {
				err = mgr.FreePages(page)
				stats.pageRuns++
			}
		}

		switch {
		case err == nil:
		case err == pmm.ErrOutOfMemory:
			stats.outOfMemory++
		default:
			return stats, err
		}
	}

	for _, a := range live {
		if err := checkPattern(mgr, a); err != nil {
			return stats, err
		}
	}

	if _, err := mgr.HeapStats(); err != nil {
		return stats, err
	}

	return stats, nil
}

func allocBlock(mgr *mem.Manager) (allocation, *kernel.Error) {
	a := allocation{
		size:    uint32(1 + fastrand.Intn(*maxAlloc)),
		user:    fastrand.Intn(4) == 0,
		pattern: byte(fastrand.Intn(256)),
	}

	var err *kernel.Error
	if a.ptr, err = mgr.Alloc(a.size, a.user); err != nil {
		return a, err
	}

	return a, mgr.WriteVirt(a.ptr, bytes.Repeat([]byte{a.pattern}, int(a.size)))
}

func reallocBlock(mgr *mem.Manager, a *allocation) *kernel.Error {
	size := uint32(1 + fastrand.Intn(*maxAlloc))

	ptr, err := mgr.Realloc(a.ptr, size, a.user)
	if err != nil {
		return err
	}

	if size < a.size {
		a.size = size
	}
	a.ptr = ptr
	if err = checkPattern(mgr, *a); err != nil {
		return err
	}

	a.size = size
	return mgr.WriteVirt(a.ptr, bytes.Repeat([]byte{a.pattern}, int(a.size)))
}

var errPatternMismatch = &kernel.Error{Module: "memsim", Message: "heap block contents were modified", Fatal: true}

func checkPattern(mgr *mem.Manager, a allocation) *kernel.Error {
	data := make([]byte, a.size)
	if err := mgr.ReadVirt(a.ptr, data); err != nil {
		return err
	}

	for _, b := range data {
		if b != a.pattern {
			return errPatternMismatch
		}
	}

	return nil
}

func main() {
	flag.Parse()

	if *machineCount <= 0 {
		exit(errors.New("at least one machine is required"))
	}

	ramSize := mm.Size(*ramMb) * mm.Mb
	if ramSize < 4*mm.Mb || ramSize > pmm.BitmapSpan {
		exit(fmt.Errorf("RAM size must be between 4 and %d MiB", pmm.BitmapSpan/mm.Mb))
	}

	machines := make([]*machine, *machineCount)
	for i := range machines {
		m, err := newMachine(i, ramSize)
		if err != nil {
			exit(err)
		}
		machines[i] = m
	}

	g, ctx := errgroup.WithContext(context.Background())
	if *parallel > 0 {
		g.SetLimit(*parallel)
	}

	for _, m := range machines {
		m := m
		g.Go(func() error { return m.run(ctx) })
	}
	runErr := g.Wait()

	for _, m := range machines {
		os.Stdout.Write(m.console.Bytes())
		if err := m.close(); err != nil {
			exit(err)
		}
	}

	if runErr != nil {
		exit(runErr)
	}
}
