package rpi

import (
	"testing"

	"github.com/pkg/errors"
)

func newTestAllocator(t *testing.T) (*Allocator, *fakeSoC) {
	s := newFakeSoC(t, PERIPH_BASE_RPI2)
	return NewAllocator(&Mailbox{dev: s}, s, MEM_FLAG_DIRECT, nil), s
}

func TestAllocRoundsAndLocks(t *testing.T) {
	tests := []struct {
		size     uint32
		wantSize uint32
	}{
		{1, 4096},
		{20 * 32, 4096},
		{4096, 4096},
		{4097, 8192},
	}
	for _, test := range tests {
		a, s := newTestAllocator(t)
		pb, err := a.Alloc(test.size)
		if err != nil {
			t.Fatalf("Alloc(%d) failed: %v", test.size, err)
		}
		if pb.Size() != test.wantSize {
			t.Errorf("Alloc(%d) size got: %d, want: %d", test.size, pb.Size(), test.wantSize)
		}
		want := []uint32{TAG_ALLOCATE_MEMORY, TAG_LOCK_MEMORY}
		if len(s.tags) != len(want) || s.tags[0] != want[0] || s.tags[1] != want[1] {
			t.Errorf("Alloc(%d) tags got: %X, want: %X", test.size, s.tags, want)
		}
		if s.maps != 1 {
			t.Errorf("Alloc(%d) maps got: %d, want: 1", test.size, s.maps)
		}
		if pb.BusAddr(0) == 0 || pb.PhysAddr(0) != BusToPhys(pb.BusAddr(0)) {
			t.Errorf("Alloc(%d) addresses got: bus %08X, phys %08X", test.size, pb.BusAddr(0), pb.PhysAddr(0))
		}
		if fa := s.allocs[pb.Handle()]; fa == nil || !fa.locked || fa.phys != pb.PhysAddr(0) {
			t.Errorf("Alloc(%d) handle %d doesn't name the locked allocation", test.size, pb.Handle())
		}
		s.checkViolations()
	}
}

func TestAllocZero(t *testing.T) {
	a, s := newTestAllocator(t)
	_, err := a.Alloc(0)
	if !IsKind(err, ConfigError) {
		t.Errorf("Alloc(0) got: %v, want a config error", err)
	}
	if len(s.tags) != 0 {
		t.Errorf("Alloc(0) sent tags: %X", s.tags)
	}
}

func TestAllocRollback(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(s *fakeSoC)
		wantKind Kind
		wantTags []uint32
	}{
		{
			"alloc fails",
			func(s *fakeSoC) { s.failTag[TAG_ALLOCATE_MEMORY] = true },
			ProtocolError,
			[]uint32{TAG_ALLOCATE_MEMORY},
		},
		{
			"lock fails",
			func(s *fakeSoC) { s.failTag[TAG_LOCK_MEMORY] = true },
			ProtocolError,
			[]uint32{TAG_ALLOCATE_MEMORY, TAG_LOCK_MEMORY, TAG_RELEASE_MEMORY},
		},
		{
			"map fails",
			func(s *fakeSoC) {
				s.mapErr = func(uintptr) error { return newError(MappingError, "map", errors.New("no")) }
			},
			MappingError,
			[]uint32{TAG_ALLOCATE_MEMORY, TAG_LOCK_MEMORY, TAG_UNLOCK_MEMORY, TAG_RELEASE_MEMORY},
		},
	}
	for _, test := range tests {
		a, s := newTestAllocator(t)
		test.setup(s)
		pb, err := a.Alloc(100)
		if pb != nil || !IsKind(err, test.wantKind) {
			t.Errorf("%s got: %v, %v, want a %v error", test.name, pb, err, test.wantKind)
		}
		if len(s.tags) != len(test.wantTags) {
			t.Errorf("%s tags got: %X, want: %X", test.name, s.tags, test.wantTags)
			continue
		}
		for i := range s.tags {
			if s.tags[i] != test.wantTags[i] {
				t.Errorf("%s tags got: %X, want: %X", test.name, s.tags, test.wantTags)
				break
			}
		}
		if s.live() != 0 {
			t.Errorf("%s leaked %d allocations", test.name, s.live())
		}
	}
}

func TestReleaseOnce(t *testing.T) {
	a, s := newTestAllocator(t)
	pb, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	pb.Store32(0, 0xdeadbeef)
	if got := pb.Load32(0); got != 0xdeadbeef {
		t.Errorf("Load32 got: %08X, want: DEADBEEF", got)
	}
	if err := pb.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	n := len(s.tags)
	want := []uint32{TAG_UNLOCK_MEMORY, TAG_RELEASE_MEMORY}
	if got := s.tags[n-2:]; got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Release tags got: %X, want: %X", got, want)
	}
	if s.unmaps != 1 {
		t.Errorf("unmaps got: %d, want: 1", s.unmaps)
	}
	if err := pb.Release(); err != nil {
		t.Errorf("second Release got: %v, want: nil", err)
	}
	if len(s.tags) != n || s.unmaps != 1 {
		t.Errorf("second Release touched the firmware: tags %X, unmaps %d", s.tags[n:], s.unmaps)
	}
	if !pb.Released() || pb.BusAddr(0) != 0 {
		t.Errorf("released buffer got: released %v, bus %08X", pb.Released(), pb.BusAddr(0))
	}
	s.checkViolations()
}

func TestReleaseKeepsGoing(t *testing.T) {
	a, s := newTestAllocator(t)
	pb, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	s.failTag[TAG_UNLOCK_MEMORY] = true
	err = pb.Release()
	if !IsKind(err, ProtocolError) {
		t.Errorf("Release got: %v, want a protocol error", err)
	}
	if got := s.tags[len(s.tags)-1]; got != TAG_RELEASE_MEMORY {
		t.Errorf("last tag got: %X, want free after failed unlock", got)
	}
}

func TestReleasedAccessPanics(t *testing.T) {
	a, _ := newTestAllocator(t)
	pb, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	pb.Release()
	defer func() {
		if recover() == nil {
			t.Errorf("Load32 on released buffer didn't panic")
		}
	}()
	pb.Load32(0)
}

func TestUint32sAndZero(t *testing.T) {
	a, _ := newTestAllocator(t)
	pb, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer pb.Release()
	for i := 0; i < 4; i++ {
		pb.Store32(uintptr(i)*4, uint32(i+1))
	}
	got := pb.Uint32s(0, 4)
	for i, v := range got {
		if v != uint32(i+1) {
			t.Errorf("Uint32s[%d] got: %d, want: %d", i, v, i+1)
		}
	}
	pb.Zero()
	for i, v := range pb.Uint32s(0, 4) {
		if v != 0 {
			t.Errorf("after Zero, word %d got: %d", i, v)
		}
	}
}
