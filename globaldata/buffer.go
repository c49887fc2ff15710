package globaldata

import (
	"encoding/binary"
	"sync"

	"github.com/wippyai/vmbridge"
	"github.com/wippyai/vmbridge/errors"
)

var _ vmbridge.Memory = (*Buffer)(nil)

// Buffer is the global data region of one VM handle.
// Its size is fixed at allocation; programs mutate its contents across executions.
type Buffer struct {
	data []byte
	base uint64
	mu   sync.RWMutex
}

// New allocates a buffer holding a copy of image, mapped at guest address base.
func New(base uint64, image []byte) *Buffer {
	data := make([]byte, len(image))
	copy(data, image)
	return &Buffer{base: base, data: data}
}

// Base returns the guest address of the first byte.
func (b *Buffer) Base() uint64 {
	return b.base
}

// Size returns the buffer length in bytes.
func (b *Buffer) Size() uint32 {
	return uint32(len(b.data))
}

// Len returns the buffer length as uint64.
func (b *Buffer) Len() uint64 {
	return uint64(len(b.data))
}

// Contains reports whether [offset, offset+size) lies inside the buffer.
func (b *Buffer) Contains(offset, size uint64) bool {
	end := offset + size
	if end < offset {
		return false
	}
	return end <= uint64(len(b.data))
}

// Snapshot returns a copy of the current contents.
func (b *Buffer) Snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Load replaces the contents with src, which must match the buffer size.
func (b *Buffer) Load(src []byte) error {
	if len(src) != len(b.data) {
		return errors.InvalidInput(errors.PhaseExecute, "global data size changed")
	}
	b.mu.Lock()
	copy(b.data, src)
	b.mu.Unlock()
	return nil
}

// Read returns a copy of length bytes at offset.
func (b *Buffer) Read(offset, length uint32) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.Contains(uint64(offset), uint64(length)) {
		return nil, errors.OutOfBounds(errors.PhaseHost, uint64(offset), uint64(length), uint64(len(b.data)))
	}
	out := make([]byte, length)
	copy(out, b.data[offset:])
	return out, nil
}

// Write copies data into the buffer at offset.
func (b *Buffer) Write(offset uint32, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.Contains(uint64(offset), uint64(len(data))) {
		return errors.OutOfBounds(errors.PhaseHost, uint64(offset), uint64(len(data)), uint64(len(b.data)))
	}
	copy(b.data[offset:], data)
	return nil
}

func (b *Buffer) ReadU8(offset uint32) (uint8, error) {
	v, err := b.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (b *Buffer) ReadU16(offset uint32) (uint16, error) {
	v, err := b.Read(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(v), nil
}

func (b *Buffer) ReadU32(offset uint32) (uint32, error) {
	v, err := b.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

func (b *Buffer) ReadU64(offset uint32) (uint64, error) {
	v, err := b.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v), nil
}

func (b *Buffer) WriteU8(offset uint32, value uint8) error {
	return b.Write(offset, []byte{value})
}

func (b *Buffer) WriteU16(offset uint32, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return b.Write(offset, buf[:])
}

func (b *Buffer) WriteU32(offset uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return b.Write(offset, buf[:])
}

func (b *Buffer) WriteU64(offset uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return b.Write(offset, buf[:])
}
