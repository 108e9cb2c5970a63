package cpu

// Emulated is a Control implementation that keeps the register file in
// memory. It backs hosted runs of the kernel (tests and the memsim tool)
// where privileged instructions are not available.
type Emulated struct {
	CR0, CR2, CR3 uint32

	// Halted is set once Halt has been invoked.
	Halted bool

	// FlushedEntries counts the calls to FlushTLBEntry.
	FlushedEntries int

	// OnHalt, if set, is invoked by Halt after the Halted flag is raised.
	OnHalt func()
}

// ReadCR0 returns the value of the CR0 register.
func (c *Emulated) ReadCR0() uint32 { return c.CR0 }

// WriteCR0 stores val to the CR0 register.
func (c *Emulated) WriteCR0(val uint32) { c.CR0 = val }

// ReadCR2 returns the value of the CR2 register.
func (c *Emulated) ReadCR2() uint32 { return c.CR2 }

// ReadCR3 returns the value of the CR3 register.
func (c *Emulated) ReadCR3() uint32 { return c.CR3 }

// WriteCR3 stores the page directory address to the CR3 register.
func (c *Emulated) WriteCR3(pdtPhysAddr uint32) { c.CR3 = pdtPhysAddr }

// FlushTLBEntry records a TLB flush request.
func (c *Emulated) FlushTLBEntry(_ uint32) { c.FlushedEntries++ }

// Halt marks the CPU as halted.
func (c *Emulated) Halt() {
	c.Halted = true
	if c.OnHalt != nil {
		c.OnHalt()
	}
}

// PagingEnabled returns true if the paging bit is set in CR0.
func (c *Emulated) PagingEnabled() bool {
	return c.CR0&CR0PagingEnabled != 0
}

// RaisePageFault latches the faulting address into CR2 the way the MMU does
// before it traps to the page-fault vector.
func (c *Emulated) RaisePageFault(faultAddr uint32) {
	c.CR2 = faultAddr
}
