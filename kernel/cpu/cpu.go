// Package cpu describes the control-register and instruction primitives the
// memory subsystem needs from the processor.
package cpu

const (
	// CR0PagingEnabled is the CR0 bit that turns on address translation.
	CR0PagingEnabled = uint32(1 << 31)

	// CR0ProtectedMode is the CR0 bit that enables protected mode.
	CR0ProtectedMode = uint32(1 << 0)
)

// Control provides access to the control registers of a 32-bit x86 CPU.
type Control interface {
	// ReadCR0 returns the value of the CR0 register.
	ReadCR0() uint32

	// WriteCR0 stores val to the CR0 register.
	WriteCR0(val uint32)

	// ReadCR2 returns the faulting linear address of the last page fault.
	ReadCR2() uint32

	// ReadCR3 returns the physical address of the active page directory.
	ReadCR3() uint32

	// WriteCR3 loads the physical address of a page directory and flushes
	// the TLB.
	WriteCR3(pdtPhysAddr uint32)

	// FlushTLBEntry flushes a TLB entry for a particular virtual address.
	FlushTLBEntry(virtAddr uint32)

	// Halt stops instruction execution.
	Halt()
}
