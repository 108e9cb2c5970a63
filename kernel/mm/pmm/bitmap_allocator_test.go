package pmm

import (
	"bytes"
	"strings"
	"testing"
	"thingy/kernel/mm"
	"thingy/multiboot"

	"github.com/NebulousLabs/fastrand"
)

// testInfo returns boot info for a machine with memSize bytes of RAM starting
// at physical address 0 and a kernel image loaded at [0, kernelEnd).
func testInfo(t *testing.T, memSize, kernelEnd uint64, extra func(*multiboot.Builder)) *multiboot.Info {
	b := new(multiboot.Builder).AddMemRegion(0, memSize, multiboot.MemAvailable)
	if extra != nil {
		extra(b)
	}

	info, err := multiboot.New(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	info.SetKernelImage(0, kernelEnd)
	return info
}

func egaFramebuffer(b *multiboot.Builder) {
	b.SetFramebuffer(multiboot.FramebufferInfo{
		PhysAddr: 0x10000,
		Pitch:    160,
		Width:    80,
		Height:   25,
		Type:     multiboot.FramebufferTypeEGA,
	})
}

func TestBitmapAllocatorInit(t *testing.T) {
	var (
		alloc BitmapAllocator
		buf   bytes.Buffer
	)

	info := testInfo(t, 16*uint64(mm.Mb), 0x10000, func(b *multiboot.Builder) {
		b.AddMemRegion(0x200000, 0x2000, multiboot.MemReserved)
		b.AddModule(0x300000, 0x300010, "init")
		egaFramebuffer(b)
	})
	alloc.Init(info, &buf)

	if exp, got := uint32(4096), alloc.TotalFrames(); got != exp {
		t.Fatalf("expected total frames to be %d; got %d", exp, got)
	}

	// kernel: 16, framebuffer: 1, reserved region: 2, module: 1
	if exp, got := uint32(4096-16-1-2-1), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, got)
	}

	specs := []struct {
		addr mm.PhysAddr
		exp  bool
	}{
		{0, true},
		{0xf000, true},
		{0x10000, true},
		{0x10f9f, true},
		{0x11000, false},
		{0x1fffff, false},
		{0x200000, true},
		{0x201fff, true},
		{0x202000, false},
		{0x300000, true},
		{0x301000, false},
		{0xfff000, false},
		{0x1000000, true},
	}

	for specIndex, spec := range specs {
		if got := alloc.IsReserved(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected IsReserved(0x%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}

	for _, exp := range []string{
		"[pmm] system memory map:\n",
		"type: available\n",
		"type: reserved\n",
		"[pmm] available memory: 16384Kb\n",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected log output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

func TestBitmapAllocatorInitGapsAndSpan(t *testing.T) {
	var alloc BitmapAllocator

	b := new(multiboot.Builder).
		AddMemRegion(0, 0x9f000, multiboot.MemAvailable).
		AddMemRegion(0x100000, 0x100000, multiboot.MemAvailable).
		// not page aligned; only the fully covered frames are usable
		AddMemRegion(0x300800, 0x2000, multiboot.MemAvailable).
		// extends past the bitmap span
		AddMemRegion(0x3000000, 0x2000000, multiboot.MemAvailable)

	info, err := multiboot.New(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	alloc.Init(info, &bytes.Buffer{})

	if exp, got := uint32(BitmapSpan>>mm.PageShift), alloc.TotalFrames(); got != exp {
		t.Fatalf("expected total frames to be %d; got %d", exp, got)
	}

	specs := []struct {
		addr mm.PhysAddr
		exp  bool
	}{
		{0x9e000, false},
		// gap between the first two regions
		{0x9f000, true},
		{0xff000, true},
		{0x100000, false},
		{0x1ff000, false},
		{0x200000, true},
		{0x300000, true},
		{0x301000, false},
		{0x302000, true},
		{0x3000000, false},
		{BitmapSpan - mm.PhysAddr(mm.PageSize), false},
	}

	for specIndex, spec := range specs {
		if got := alloc.IsReserved(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected IsReserved(0x%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}

	if exp, got := uint32(0x9f+0x100+1+0x1000), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, got)
	}
}

func TestBitmapAllocatorSixteenMegScenario(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(testInfo(t, 16*uint64(mm.Mb), 64*uint64(mm.Kb), egaFramebuffer), &bytes.Buffer{})

	first, err := alloc.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}

	if exp := (mm.Frame{Address: 17 << mm.PageShift, Count: 10}); first != exp {
		t.Fatalf("expected first allocation to return %v; got %v", exp, first)
	}

	second, err := alloc.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}

	if second.Index() < first.Index()+first.Count {
		t.Fatalf("expected second allocation %v to not overlap with %v", second, first)
	}

	if err = alloc.Free(first); err != nil {
		t.Fatal(err)
	}

	// Keep allocating until the cursor wraps and the freed run is reused
	for {
		frame, err := alloc.Alloc(10)
		if err != nil {
			t.Fatalf("expected the freed run to be reused before running out of memory; got %v", err)
		}

		if frame == first {
			break
		}
	}
}

func TestBitmapAllocatorAllocErrors(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(testInfo(t, 64*uint64(mm.Kb), 0, nil), &bytes.Buffer{})

	if _, err := alloc.Alloc(0); err != errInvalidFrameCount {
		t.Fatalf("expected to get errInvalidFrameCount; got %v", err)
	}

	if _, err := alloc.Alloc(17); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	// Fragment memory so that there is no run of 2 frames
	for i := 0; i < 16; i++ {
		if _, err := alloc.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}

	for i := uint32(0); i < 16; i += 2 {
		if err := alloc.Free(mm.Frame{Address: mm.PhysAddr(i << mm.PageShift), Count: 1}); err != nil {
			t.Fatal(err)
		}
	}

	if exp, got := uint32(8), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if _, err := alloc.Alloc(2); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory for a fragmented bitmap; got %v", err)
	}

	if ErrOutOfMemory.Fatal {
		t.Fatal("expected ErrOutOfMemory to be recoverable")
	}
}

func TestBitmapAllocatorRunDoesNotWrap(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(testInfo(t, 8*uint64(mm.PageSize), 0, nil), &bytes.Buffer{})

	// Occupy frames [0, 6) and release [0, 2) leaving free frames 0, 1, 6, 7
	run, err := alloc.Alloc(6)
	if err != nil {
		t.Fatal(err)
	}
	if err = alloc.Free(mm.Frame{Address: run.Address, Count: 2}); err != nil {
		t.Fatal(err)
	}

	// The cursor is at frame 6; a 3-frame run must not be assembled from
	// frames 6, 7 and 0.
	if _, err = alloc.Alloc(3); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	frame, err := alloc.Alloc(2)
	if err != nil {
		t.Fatal(err)
	}

	if exp := (mm.Frame{Address: 6 << mm.PageShift, Count: 2}); frame != exp {
		t.Fatalf("expected allocation to return %v; got %v", exp, frame)
	}

	if frame, err = alloc.Alloc(2); err != nil {
		t.Fatal(err)
	}

	if exp := (mm.Frame{Address: 0, Count: 2}); frame != exp {
		t.Fatalf("expected the cursor to wrap and return %v; got %v", exp, frame)
	}
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(testInfo(t, 16*uint64(mm.Mb), 0, nil), &bytes.Buffer{})

	frame, err := alloc.Alloc(4)
	if err != nil {
		t.Fatal(err)
	}

	specs := []mm.Frame{
		// not allocated
		{Address: frame.Address + mm.PhysAddr(4*mm.PageSize), Count: 1},
		// partially allocated
		{Address: frame.Address + mm.PhysAddr(2*mm.PageSize), Count: 4},
		// empty run
		{Address: frame.Address, Count: 0},
		// outside the tracked range
		{Address: BitmapSpan, Count: 1},
	}

	for specIndex, spec := range specs {
		if err := alloc.Free(spec); err != ErrInvalidFree {
			t.Errorf("[spec %d] expected to get ErrInvalidFree; got %v", specIndex, err)
		}
	}

	// Failed frees must not modify the bitmap
	if err = alloc.Free(frame); err != nil {
		t.Fatal(err)
	}

	if err = alloc.Free(frame); err != ErrInvalidFree {
		t.Fatalf("expected a double free to return ErrInvalidFree; got %v", err)
	}

	if !ErrInvalidFree.Fatal {
		t.Fatal("expected ErrInvalidFree to be fatal")
	}
}

func TestBitmapAllocatorRoundTrip(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(testInfo(t, 16*uint64(mm.Mb), 64*uint64(mm.Kb), egaFramebuffer), &bytes.Buffer{})

	var before [bitmapWords]uint32
	copy(before[:], alloc.bitmap[:])
	freeBefore := alloc.FreeFrames()

	for i := 0; i < 100; i++ {
		frame, err := alloc.Alloc(uint32(fastrand.Intn(64) + 1))
		if err != nil {
			t.Fatal(err)
		}

		if err = alloc.Free(frame); err != nil {
			t.Fatal(err)
		}

		if alloc.bitmap != before {
			t.Fatalf("[iteration %d] expected alloc(n) followed by free to restore the bitmap", i)
		}
	}

	if got := alloc.FreeFrames(); got != freeBefore {
		t.Fatalf("expected free frames to be %d; got %d", freeBefore, got)
	}
}

func TestBitmapAllocatorNoDoubleAllocation(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(testInfo(t, 8*uint64(mm.Mb), 64*uint64(mm.Kb), egaFramebuffer), &bytes.Buffer{})

	var (
		owner = make(map[uint32]int)
		live  []mm.Frame
	)

	for i := 0; i < 2000; i++ {
		if len(live) != 0 && fastrand.Intn(3) == 0 {
			victim := fastrand.Intn(len(live))
			if err := alloc.Free(live[victim]); err != nil {
				t.Fatal(err)
			}

			for index := live[victim].Index(); index < live[victim].Index()+live[victim].Count; index++ {
				delete(owner, index)
			}

			live[victim] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		frame, err := alloc.Alloc(uint32(fastrand.Intn(16) + 1))
		if err == ErrOutOfMemory {
			continue
		} else if err != nil {
			t.Fatal(err)
		}

		for index := frame.Index(); index < frame.Index()+frame.Count; index++ {
			if prev, taken := owner[index]; taken {
				t.Fatalf("[iteration %d] frame %d handed out twice (first by iteration %d)", i, index, prev)
			}

			if index < 17 {
				t.Fatalf("[iteration %d] reserved frame %d handed out", i, index)
			}
			owner[index] = i
		}
		live = append(live, frame)
	}

	if exp, got := alloc.TotalFrames()-17-uint32(len(owner)), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frame count to be %d; got %d", exp, got)
	}
}

func TestBitmapAllocatorReserve(t *testing.T) {
	var alloc BitmapAllocator
	alloc.Init(testInfo(t, 16*uint64(mm.Mb), 0, nil), &bytes.Buffer{})

	freeBefore := alloc.FreeFrames()
	alloc.Reserve(0x1800, 0x3001)

	if exp, got := freeBefore-3, alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, got)
	}

	// Reserving an already reserved range is a no-op
	alloc.Reserve(0x1000, 0x2000)
	alloc.Reserve(0x5000, 0x5000)
	if exp, got := freeBefore-3, alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, got)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.PhysAddr(0); frame.Address != exp {
		t.Fatalf("expected frame at 0x%x; got 0x%x", exp, frame.Address)
	}

	if frame, err = alloc.AllocFrame(); err != nil {
		t.Fatal(err)
	}

	if exp := mm.PhysAddr(0x4000); frame.Address != exp {
		t.Fatalf("expected reserved frames to be skipped and get 0x%x; got 0x%x", exp, frame.Address)
	}
}
