package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint32(0); frameIndex < 128; frameIndex++ {
		frame := Frame{Address: PhysAddr(frameIndex << PageShift), Count: frameIndex + 1}

		if got := frame.Index(); got != frameIndex {
			t.Errorf("expected frame index to be %d; got %d", frameIndex, got)
		}

		if exp, got := uint64(frameIndex+1)*uint64(PageSize), frame.Size(); got != exp {
			t.Errorf("expected frame (index: %d) call to Size() to return %d; got %d", frameIndex, exp, got)
		}
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    PhysAddr
		expFrame Frame
	}{
		{0, Frame{0, 1}},
		{4095, Frame{0, 1}},
		{4096, Frame{4096, 1}},
		{4123, Frame{4096, 1}},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	page := Page{Address: 0x400000, Count: 2}

	if exp, got := VirtAddr(0x402000), page.End(); got != exp {
		t.Fatalf("expected End() to return 0x%x; got 0x%x", exp, got)
	}

	specs := []struct {
		addr VirtAddr
		exp  bool
	}{
		{0x3fffff, false},
		{0x400000, true},
		{0x401fff, true},
		{0x402000, false},
	}

	for specIndex, spec := range specs {
		if got := page.Contains(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(0x%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}

	// a region ending at the top of the address space
	top := Page{Address: 0xfffff000, Count: 1}
	if !top.Contains(0xffffffff) {
		t.Error("expected the last page to contain the last address")
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   VirtAddr
		expPage Page
	}{
		{0, Page{0, 1}},
		{4095, Page{0, 1}},
		{4096, Page{4096, 1}},
		{4123, Page{4096, 1}},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestPagesFor(t *testing.T) {
	specs := []struct {
		size uint64
		exp  uint32
	}{
		{0, 0},
		{1, 1},
		{4096, 1},
		{4097, 2},
		{132, 1},
		{uint64(3 * Mb), 768},
	}

	for specIndex, spec := range specs {
		if got := PagesFor(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected PagesFor(%d) to return %d; got %d", specIndex, spec.size, spec.exp, got)
		}

		if got := Size(spec.size).Pages(); got != spec.exp {
			t.Errorf("[spec %d] expected Size(%d).Pages() to return %d; got %d", specIndex, spec.size, spec.exp, got)
		}
	}
}

func TestRAM(t *testing.T) {
	ram := make(RAM, 2*PageSize)

	b := ram.Bytes(PhysAddr(PageSize), 16)
	if len(b) != 16 {
		t.Fatalf("expected a 16 byte slice; got %d bytes", len(b))
	}

	b[0] = 0xAA
	if ram[PageSize] != 0xAA {
		t.Fatal("expected writes to the returned slice to update RAM")
	}

	if got := ram.Bytes(PhysAddr(2*PageSize-4), 8); got != nil {
		t.Fatal("expected Bytes to return nil for an out of range request")
	}

	if got := ram.Bytes(0xfffffff0, 0x20); got != nil {
		t.Fatal("expected Bytes to return nil for a request that overflows 32 bits")
	}
}
