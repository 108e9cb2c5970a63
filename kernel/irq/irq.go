// Package irq describes the interrupt-dispatch collaborator: exception
// numbers, the register snapshot passed to handlers and the registration
// interface used by kernel subsystems to install their handlers.
package irq

import (
	"io"
	"thingy/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception code for exceptions or the IRQ number
	// for HW interrupts.
	Info uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// PageFaultException occurs when a page directory or one of its
	// entries is not present or when a privilege and/or RW protection
	// check fails.
	PageFaultException = InterruptNumber(14)
)

// Handler is a function that handles an interrupt or exception.
type Handler func(*Registers)

// Registrar is implemented by interrupt dispatchers that allow kernel
// subsystems to install handlers for a particular interrupt number.
type Registrar interface {
	HandleInterrupt(intNumber InterruptNumber, handler Handler)
}

// Table is a Registrar that routes interrupts to the installed handlers. The
// assembly entrypoints (or an emulator) call Dispatch with the trapped
// register snapshot.
type Table struct {
	handlers [256]Handler
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Installing a handler for a number that
// already has one replaces the previous handler.
func (t *Table) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	t.handlers[intNumber] = handler
}

// Dispatch invokes the handler registered for intNumber and returns true. If
// no handler is installed, Dispatch returns false.
func (t *Table) Dispatch(intNumber InterruptNumber, regs *Registers) bool {
	handler := t.handlers[intNumber]
	if handler == nil {
		return false
	}

	handler(regs)
	return true
}
