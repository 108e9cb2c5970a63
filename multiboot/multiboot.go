// Package multiboot decodes the multiboot2 information structure that the
// bootloader hands over to the kernel.
package multiboot

import (
	"encoding/binary"
	"strings"
	"thingy/kernel"
)

var (
	errInfoTooShort  = &kernel.Error{Module: "multiboot", Message: "info data is shorter than its header"}
	errInfoTruncated = &kernel.Error{Module: "multiboot", Message: "info data is shorter than its reported total size"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the {totalSize, reserved} header that
	// precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the {type, size} header that precedes
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the {entrySize, entryVersion} header
	// that precedes the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a memory map entry as emitted by
	// multiboot2 compliant loaders.
	mmapEntrySize = 24
)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// Size returns the number of bytes of physical memory backing the
// framebuffer.
func (i *FramebufferInfo) Size() uint64 {
	return uint64(i.Pitch) * uint64(i.Height)
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// ModuleInfo describes a module loaded by the bootloader.
type ModuleInfo struct {
	// The physical start (inclusive) and end (exclusive) address of the
	// module contents.
	Start, End uint32

	// The module name (usually its command line).
	Name string
}

// ModuleVisitor defines a visitor function that gets invoked by VisitModules
// for each module loaded by the boot loader. The visitor must return true to
// continue or false to abort the scan.
type ModuleVisitor func(*ModuleInfo) bool

// Info provides access to a multiboot2 information structure.
type Info struct {
	data []byte

	kernelStart, kernelEnd uint64

	cmdLineKV map[string]string
}

// New wraps the supplied multiboot2 information payload. The payload must
// start with the {totalSize, reserved} header; any bytes past totalSize are
// ignored.
func New(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errInfoTooShort
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if uint64(totalSize) > uint64(len(data)) {
		return nil, errInfoTruncated
	}

	// Loaders that emit an empty payload report a zero total size.
	if totalSize < infoHeaderSize {
		totalSize = uint32(len(data))
	}

	return &Info{data: data[:totalSize]}, nil
}

// SetKernelImage records the physical address range occupied by the loaded
// kernel image. The range is provided by the rt0 code (linker symbols) rather
// than the multiboot payload.
func (info *Info) SetKernelImage(start, end uint64) {
	info.kernelStart, info.kernelEnd = start, end
}

// KernelImage returns the physical start (inclusive) and end (exclusive)
// address of the loaded kernel image.
func (info *Info) KernelImage() (uint64, uint64) {
	return info.kernelStart, info.kernelEnd
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	offset, size := info.findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(info.data[offset:]))
	if entrySize < 20 {
		return
	}

	var (
		entry  MemoryMapEntry
		curOff = offset + mmapHeaderSize
		endOff = offset + int(size)
	)

	for ; curOff+entrySize <= endOff; curOff += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(info.data[curOff:])
		entry.Length = binary.LittleEndian.Uint64(info.data[curOff+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(info.data[curOff+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitModules invokes the supplied visitor for each module that the
// bootloader loaded alongside the kernel.
func (info *Info) VisitModules(visitor ModuleVisitor) {
	var (
		mod    ModuleInfo
		curOff = infoHeaderSize
	)

	for curOff+tagHeaderSize <= len(info.data) {
		tag := tagType(binary.LittleEndian.Uint32(info.data[curOff:]))
		size := int(binary.LittleEndian.Uint32(info.data[curOff+4:]))
		if tag == tagMbSectionEnd || size < tagHeaderSize || curOff+size > len(info.data) {
			return
		}

		if tag == tagModules && size >= tagHeaderSize+8 {
			payload := info.data[curOff+tagHeaderSize : curOff+size]
			mod.Start = binary.LittleEndian.Uint32(payload)
			mod.End = binary.LittleEndian.Uint32(payload[4:])
			mod.Name = cString(payload[8:])

			if !visitor(&mod) {
				return
			}
		}

		// Tags are aligned at 8-byte aligned addresses
		curOff += (size + 7) &^ 7
	}
}

// Framebuffer returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func (info *Info) Framebuffer() *FramebufferInfo {
	offset, size := info.findTagByType(tagFramebufferInfo)
	if size < 22 {
		return nil
	}

	payload := info.data[offset:]
	return &FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(payload),
		Pitch:    binary.LittleEndian.Uint32(payload[8:]),
		Width:    binary.LittleEndian.Uint32(payload[12:]),
		Height:   binary.LittleEndian.Uint32(payload[16:]),
		Bpp:      payload[20],
		Type:     FramebufferType(payload[21]),
	}
}

// BootCmdLine returns the command line key-value pairs passed to the
// kernel.
func (info *Info) BootCmdLine() map[string]string {
	if info.cmdLineKV != nil {
		return info.cmdLineKV
	}

	info.cmdLineKV = make(map[string]string)

	offset, size := info.findTagByType(tagBootCmdLine)
	if size != 0 {
		// The command line is a C-style NULL-terminated string
		pairs := strings.Fields(cString(info.data[offset : offset+int(size)]))
		for _, pair := range pairs {
			kv := strings.Split(pair, "=")
			switch len(kv) {
			case 2: // foo=bar
				info.cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				info.cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return info.cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns the offset of the tag contents and the content
// length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func (info *Info) findTagByType(tagType tagType) (int, uint32) {
	curOff := infoHeaderSize
	for curOff+tagHeaderSize <= len(info.data) {
		curType := binary.LittleEndian.Uint32(info.data[curOff:])
		size := binary.LittleEndian.Uint32(info.data[curOff+4:])
		if curType == uint32(tagMbSectionEnd) || size < tagHeaderSize || curOff+int(size) > len(info.data) {
			break
		}

		if curType == uint32(tagType) {
			return curOff + tagHeaderSize, size - tagHeaderSize
		}

		// Tags are aligned at 8-byte aligned addresses
		curOff += int(size+7) &^ 7
	}

	return 0, 0
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
