package kmain

import (
	"io"
	"thingy/kernel"
	"thingy/kernel/cpu"
	"thingy/kernel/irq"
	"thingy/kernel/kfmt"
	"thingy/kernel/mem"
	"thingy/kernel/mm"
	"thingy/multiboot"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Fatal: true}
)

// Machine groups the hardware collaborators that the kernel boots on.
type Machine struct {
	// Memory provides access to physical RAM.
	Memory mm.Memory

	// CPU provides access to the control registers.
	CPU cpu.Control

	// IRQ is used for installing exception handlers.
	IRQ irq.Registrar

	// Console receives all kernel output.
	Console io.Writer
}

// Boot parses the multiboot info payload and brings up the memory subsystem
// of machine. The kernel command line may override the memory manager
// configuration (see mem.ConfigFromCmdLine). Boot only writes to the machine
// console so several machines can be booted in the same process.
func Boot(machine Machine, multibootInfo []byte, kernelStart, kernelEnd uint64) (*mem.Manager, *kernel.Error) {
	info, err := multiboot.New(multibootInfo)
	if err != nil {
		return nil, err
	}
	info.SetKernelImage(kernelStart, kernelEnd)

	cfg, err := mem.ConfigFromCmdLine(info.BootCmdLine())
	if err != nil {
		return nil, err
	}
	cfg.Log = machine.Console

	return mem.Init(info, machine.Memory, machine.CPU, machine.IRQ, cfg)
}

// Kmain is the kernel entrypoint. It is invoked by the rt0 code after setting
// up the GDT and a minimal g0 struct that allows Go code to run on the stack
// allocated by the assembly code.
//
// The rt0 code passes the multiboot info payload provided by the bootloader
// as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the CPU is halted.
//
//go:noinline
func Kmain(machine Machine, multibootInfo []byte, kernelStart, kernelEnd uint64) {
	kfmt.SetOutputSink(machine.Console)
	kfmt.SetHaltFn(machine.CPU.Halt)

	m, err := Boot(machine, multibootInfo, kernelStart, kernelEnd)
	if err != nil {
		kfmt.Panic(err)
		return
	}

	if err = m.DumpTo(machine.Console); err != nil {
		kfmt.Panic(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
