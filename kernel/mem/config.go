package mem

import (
	"io"
	"strconv"
	"thingy/kernel"
	"thingy/kernel/mm"
)

// cmdLineIdentitySpan is the boot command line key that overrides
// Config.IdentitySpan.
const cmdLineIdentitySpan = "mem.identity"

var errInvalidIdentitySpan = &kernel.Error{Module: "mem", Message: "invalid value for mem.identity"}

// Config holds the memory subsystem settings.
type Config struct {
	// IdentitySpan is the number of bytes, starting at physical address
	// 0, that are identity mapped into the kernel page directory. It is
	// rounded up to a multiple of 4 MiB. If zero, all available RAM is
	// identity mapped.
	IdentitySpan uint64

	// Log receives the initialization output. If nil, output goes to the
	// kfmt output sink.
	Log io.Writer
}

// DefaultConfig returns the default memory subsystem settings.
func DefaultConfig() Config {
	return Config{}
}

// ConfigFromCmdLine returns the default settings updated with any overrides
// present in the boot command line. Sizes accept an optional K, M or G
// suffix (e.g. mem.identity=16M).
func ConfigFromCmdLine(cmdLine map[string]string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	if val, ok := cmdLine[cmdLineIdentitySpan]; ok {
		span, err := parseSize(val)
		if err != nil {
			return cfg, err
		}
		cfg.IdentitySpan = span
	}

	return cfg, nil
}

// parseSize parses a byte count with an optional K/M/G suffix.
func parseSize(val string) (uint64, *kernel.Error) {
	if val == "" {
		return 0, errInvalidIdentitySpan
	}

	multiplier := uint64(mm.Byte)
	switch val[len(val)-1] {
	case 'k', 'K':
		multiplier = uint64(mm.Kb)
	case 'm', 'M':
		multiplier = uint64(mm.Mb)
	case 'g', 'G':
		multiplier = uint64(mm.Gb)
	}

	if multiplier != uint64(mm.Byte) {
		val = val[:len(val)-1]
	}

	num, err := strconv.ParseUint(val, 0, 32)
	if err != nil {
		return 0, errInvalidIdentitySpan
	}

	size := num * multiplier
	if size > 1<<32 {
		return 0, errInvalidIdentitySpan
	}
	return size, nil
}
