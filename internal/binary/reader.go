package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrOverflow is returned when a LEB128 value exceeds the maximum size.
var ErrOverflow = errors.New("leb128: overflow")

// Reader decodes object encodings from a byte slice. Offsets reported in
// errors are relative to the start of the slice.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a new Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.data) - r.off
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

// ReadBytes returns a copy of the next n bytes. A short read consumes nothing.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	copy(buf, r.data[r.off:])
	r.off += n
	return buf, nil
}

// ReadU32 reads an unsigned LEB128 encoded uint32.
func (r *Reader) ReadU32() (uint32, error) {
	v, err := r.uleb(32)
	return uint32(v), err
}

// ReadU64 reads an unsigned LEB128 encoded uint64.
func (r *Reader) ReadU64() (uint64, error) {
	return r.uleb(64)
}

// ReadS32 reads a signed LEB128 encoded int32.
func (r *Reader) ReadS32() (int32, error) {
	v, err := r.sleb(32)
	return int32(v), err
}

// ReadS64 reads a signed LEB128 encoded int64.
func (r *Reader) ReadS64() (int64, error) {
	return r.sleb(64)
}

// uleb decodes at most ceil(bits/7) groups.
func (r *Reader) uleb(bits uint) (uint64, error) {
	var v uint64
	for shift := uint(0); shift < bits; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, r.overflow()
}

func (r *Reader) sleb(bits uint) (int64, error) {
	var v int64
	for shift := uint(0); shift < bits; {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 != 0 {
			continue
		}
		if shift < 64 && b&0x40 != 0 {
			v |= -1 << shift
		}
		return v, nil
	}
	return 0, r.overflow()
}

func (r *Reader) overflow() error {
	return fmt.Errorf("at position %d: %w", r.off, ErrOverflow)
}

// ReadName reads a length-prefixed UTF-8 name.
func (r *Reader) ReadName() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	raw, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", r.WrapError("name", errors.New("invalid UTF-8"))
	}
	return string(raw), nil
}

// ReadU32LE reads a fixed-width little-endian uint32.
func (r *Reader) ReadU32LE() (uint32, error) {
	raw, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// ReadRemaining consumes and returns the rest of the input.
func (r *Reader) ReadRemaining() ([]byte, error) {
	return r.ReadBytes(r.Len())
}

// ParseError locates a decoding failure within a section payload.
type ParseError struct {
	Err      error
	Section  string
	Position int
}

func (e *ParseError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("object: at position %d: %v", e.Position, e.Err)
	}
	return fmt.Sprintf("object: %s at position %d: %v", e.Section, e.Position, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// WrapError attaches the reader's current offset to err.
func (r *Reader) WrapError(section string, err error) error {
	return &ParseError{Err: err, Section: section, Position: r.off}
}
