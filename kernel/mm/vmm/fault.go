package vmm

import (
	"io"
	"thingy/kernel"
	"thingy/kernel/cpu"
	"thingy/kernel/irq"
	"thingy/kernel/kfmt"
)

var (
	// panicFn is used by tests to override calls to kfmt.Panic which
	// halts the CPU.
	panicFn = kfmt.Panic

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page fault", Fatal: true}
)

// FaultHandler reports page faults. Demand paging is not supported so every
// page fault is treated as unrecoverable: the handler logs the faulting
// address, the reason and the register state and then hands control to the
// kernel panic handler.
type FaultHandler struct {
	ctl cpu.Control
	w   io.Writer

	// InAllocator, if set, reports whether the fault was raised while a
	// memory allocator call was in progress.
	InAllocator func() bool
}

// InstallFaultHandler registers a FaultHandler for the page fault exception
// with the supplied registrar. Diagnostics are written to w.
func InstallFaultHandler(registrar irq.Registrar, ctl cpu.Control, w io.Writer) *FaultHandler {
	handler := &FaultHandler{ctl: ctl, w: w}
	registrar.HandleInterrupt(irq.PageFaultException, handler.Handle)
	return handler
}

// Handle is the irq.Handler for page faults.
func (h *FaultHandler) Handle(regs *irq.Registers) {
	w := h.w
	if w == nil {
		w = kfmt.GetOutputSink()
	}

	kfmt.Fprintf(w, "\nPage fault while accessing address: 0x%8x\nReason: ", h.ctl.ReadCR2())
	switch regs.Info {
	case 0:
		kfmt.Fprintf(w, "read from non-present page")
	case 1:
		kfmt.Fprintf(w, "page protection violation (read)")
	case 2:
		kfmt.Fprintf(w, "write to non-present page")
	case 3:
		kfmt.Fprintf(w, "page protection violation (write)")
	case 4:
		kfmt.Fprintf(w, "page-fault in user-mode")
	case 8:
		kfmt.Fprintf(w, "page table has reserved bit set")
	case 16:
		kfmt.Fprintf(w, "instruction fetch")
	default:
		kfmt.Fprintf(w, "unknown")
	}

	if h.InAllocator != nil && h.InAllocator() {
		kfmt.Fprintf(w, "\nFault raised while a memory allocator call was in progress")
	}

	kfmt.Fprintf(w, "\n\nRegisters:\n")
	regs.DumpTo(w)

	panicFn(errUnrecoverableFault)
}
