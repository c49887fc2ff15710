package globaldata

import (
	"bytes"
	"errors"
	"testing"

	vmerrors "github.com/wippyai/vmbridge/errors"
)

func TestNewCopiesImage(t *testing.T) {
	image := []byte{1, 2, 3, 4}
	b := New(4096, image)
	image[0] = 99

	if b.Base() != 4096 {
		t.Errorf("Base() = %d, want 4096", b.Base())
	}
	if b.Size() != 4 {
		t.Errorf("Size() = %d, want 4", b.Size())
	}
	if !bytes.Equal(b.Snapshot(), []byte{1, 2, 3, 4}) {
		t.Errorf("buffer aliases caller image: %v", b.Snapshot())
	}
}

func TestContains(t *testing.T) {
	b := New(4096, make([]byte, 16))

	tests := []struct {
		name   string
		offset uint64
		size   uint64
		want   bool
	}{
		{"whole buffer", 0, 16, true},
		{"tail", 8, 8, true},
		{"empty at end", 16, 0, true},
		{"past end", 12, 8, false},
		{"offset past end", 17, 0, false},
		{"wraps", 8, ^uint64(0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Contains(tt.offset, tt.size); got != tt.want {
				t.Errorf("Contains(%d, %d) = %v, want %v", tt.offset, tt.size, got, tt.want)
			}
		})
	}
}

func TestTypedAccess(t *testing.T) {
	b := New(4096, make([]byte, 16))

	if err := b.WriteU64(0, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteU32(8, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteU16(12, 0xcafe); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteU8(14, 7); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadU64(0); v != 0x0102030405060708 {
		t.Errorf("ReadU64 = %#x", v)
	}
	if v, _ := b.ReadU32(8); v != 0xdeadbeef {
		t.Errorf("ReadU32 = %#x", v)
	}
	if v, _ := b.ReadU16(12); v != 0xcafe {
		t.Errorf("ReadU16 = %#x", v)
	}
	if v, _ := b.ReadU8(14); v != 7 {
		t.Errorf("ReadU8 = %d", v)
	}

	if _, err := b.ReadU64(12); !errors.Is(err, vmerrors.ErrOutOfBounds) {
		t.Errorf("ReadU64 past end: got %v", err)
	}
	if err := b.WriteU32(14, 1); !errors.Is(err, vmerrors.ErrOutOfBounds) {
		t.Errorf("WriteU32 past end: got %v", err)
	}
}

func TestLoad(t *testing.T) {
	b := New(4096, make([]byte, 4))

	if err := b.Load([]byte{9, 8, 7, 6}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.Snapshot(), []byte{9, 8, 7, 6}) {
		t.Errorf("Snapshot() = %v", b.Snapshot())
	}
	if err := b.Load([]byte{1}); err == nil {
		t.Error("Load with wrong size should fail")
	}
}
