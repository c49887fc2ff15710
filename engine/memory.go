package engine

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/vmbridge"
	"github.com/wippyai/vmbridge/errors"
)

// GuestMemory is a bounds-checked view of a running program's linear memory.
// Slices returned by Read are copies.
type GuestMemory struct {
	mem api.Memory
}

var (
	_ vmbridge.Memory      = (*GuestMemory)(nil)
	_ vmbridge.MemorySizer = (*GuestMemory)(nil)
)

// NewGuestMemory wraps a wazero memory.
func NewGuestMemory(mem api.Memory) *GuestMemory {
	return &GuestMemory{mem: mem}
}

func outOfBounds(offset, length uint32, size uint32) error {
	return errors.OutOfBounds(errors.PhaseHost, uint64(offset), uint64(length), uint64(size))
}

func (m *GuestMemory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

func (m *GuestMemory) Read(offset uint32, length uint32) ([]byte, error) {
	if m.mem == nil {
		return nil, errors.InvalidState(errors.PhaseHost, "program has no memory")
	}
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, outOfBounds(offset, length, m.mem.Size())
	}
	return bytes.Clone(data), nil
}

func (m *GuestMemory) Write(offset uint32, data []byte) error {
	if m.mem == nil {
		return errors.InvalidState(errors.PhaseHost, "program has no memory")
	}
	if !m.mem.Write(offset, data) {
		return outOfBounds(offset, uint32(len(data)), m.mem.Size())
	}
	return nil
}

func (m *GuestMemory) ReadU8(offset uint32) (uint8, error) {
	data, err := m.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (m *GuestMemory) ReadU16(offset uint32) (uint16, error) {
	data, err := m.Read(offset, 2)
	if err != nil {
		return 0, err
	}
	return uint16(data[0]) | uint16(data[1])<<8, nil
}

func (m *GuestMemory) ReadU32(offset uint32) (uint32, error) {
	val, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, outOfBounds(offset, 4, m.mem.Size())
	}
	return val, nil
}

func (m *GuestMemory) ReadU64(offset uint32) (uint64, error) {
	val, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, outOfBounds(offset, 8, m.mem.Size())
	}
	return val, nil
}

func (m *GuestMemory) WriteU8(offset uint32, value uint8) error {
	return m.Write(offset, []byte{value})
}

func (m *GuestMemory) WriteU16(offset uint32, value uint16) error {
	return m.Write(offset, []byte{byte(value), byte(value >> 8)})
}

func (m *GuestMemory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return outOfBounds(offset, 4, m.mem.Size())
	}
	return nil
}

func (m *GuestMemory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return outOfBounds(offset, 8, m.mem.Size())
	}
	return nil
}

// CString reads a NUL-terminated string starting at offset, reading at most limit bytes.
func (m *GuestMemory) CString(offset uint32, limit uint32) (string, error) {
	size := m.Size()
	if offset >= size {
		return "", outOfBounds(offset, 1, size)
	}
	n := limit
	if rest := size - offset; rest < n {
		n = rest
	}
	data, err := m.Read(offset, n)
	if err != nil {
		return "", err
	}
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return "", errors.InvalidInput(errors.PhaseHost, fmt.Sprintf("string at %#x not terminated within %d bytes", offset, limit))
	}
	return string(data[:end]), nil
}
