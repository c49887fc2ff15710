package binary

import (
	"bytes"
	"encoding/binary"
)

// Padded LEB128 widths used at relocation sites.
const (
	PaddedWidth32 = 5
	PaddedWidth64 = 10
)

// Writer provides buffered writing utilities for object and module encoding.
type Writer struct {
	buf *bytes.Buffer
}

// NewWriter creates a new Writer.
func NewWriter() *Writer {
	return &Writer{buf: &bytes.Buffer{}}
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Byte writes a single byte.
func (w *Writer) Byte(b byte) {
	w.buf.WriteByte(b)
}

// WriteBytes writes a byte slice.
func (w *Writer) WriteBytes(data []byte) {
	w.buf.Write(data)
}

// WriteU32 writes an unsigned LEB128 encoded uint32.
func (w *Writer) WriteU32(v uint32) {
	w.WriteU64(uint64(v))
}

// WriteU64 writes an unsigned LEB128 encoded uint64.
func (w *Writer) WriteU64(v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			break
		}
	}
}

// WriteS32 writes a signed LEB128 encoded int32.
func (w *Writer) WriteS32(v int32) {
	w.WriteS64(int64(v))
}

// WriteS64 writes a signed LEB128 encoded int64.
func (w *Writer) WriteS64(v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && (b&0x40) == 0) || (v == -1 && (b&0x40) != 0) {
			more = false
		} else {
			b |= 0x80
		}
		w.buf.WriteByte(b)
	}
}

// WriteName writes a UTF-8 encoded name (length-prefixed).
func (w *Writer) WriteName(s string) {
	w.WriteU32(uint32(len(s)))
	w.buf.WriteString(s)
}

// WriteU32LE writes a little-endian uint32 (fixed 4 bytes).
func (w *Writer) WriteU32LE(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.buf.Write(buf[:])
}

// WritePaddedU32 writes v as a 5-byte unsigned LEB128.
func (w *Writer) WritePaddedU32(v uint32) {
	var buf [PaddedWidth32]byte
	PutPaddedU64(buf[:], uint64(v))
	w.buf.Write(buf[:])
}

// WriteSection writes a section id followed by its length-prefixed payload.
func (w *Writer) WriteSection(id byte, payload []byte) {
	w.Byte(id)
	w.WriteU32(uint32(len(payload)))
	w.WriteBytes(payload)
}

// PutPaddedU64 encodes v as an unsigned LEB128 filling all of dst.
// The caller checks that v fits in 7*len(dst) bits.
func PutPaddedU64(dst []byte, v uint64) {
	last := len(dst) - 1
	for i := range dst {
		b := byte(v & 0x7f)
		v >>= 7
		if i < last {
			b |= 0x80
		}
		dst[i] = b
	}
}

// PutPaddedS64 encodes v as a signed LEB128 filling all of dst.
func PutPaddedS64(dst []byte, v int64) {
	last := len(dst) - 1
	for i := range dst {
		b := byte(v & 0x7f)
		v >>= 7
		if i < last {
			b |= 0x80
		}
		dst[i] = b
	}
}
