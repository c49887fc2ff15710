package module

import (
	"encoding/binary"
	"fmt"
	"math"

	vmerrors "github.com/wippyai/vmbridge/errors"
	bin "github.com/wippyai/vmbridge/internal/binary"
	"github.com/wippyai/vmbridge/reloc"
)

// Patch writes addr+addend into the relocation site at offset in code,
// using the fixed-width encoding of kind.
func Patch(code []byte, kind reloc.Kind, offset uint32, addr uint64, addend int64) error {
	width := kind.Width()
	if width == 0 {
		return vmerrors.Unsupported(vmerrors.PhaseRelocate, fmt.Sprintf("patching %s", kind))
	}
	end := uint64(offset) + uint64(width)
	if end > uint64(len(code)) {
		return vmerrors.OutOfBounds(vmerrors.PhaseRelocate, uint64(offset), uint64(width), uint64(len(code)))
	}

	value, err := addressValue(kind, addr, addend)
	if err != nil {
		return err
	}
	site := code[offset:end]

	switch kind {
	case reloc.MemoryAddrLEB, reloc.MemoryAddrLEB64:
		bin.PutPaddedU64(site, value)
	case reloc.MemoryAddrSLEB:
		bin.PutPaddedS64(site, int64(int32(uint32(value))))
	case reloc.MemoryAddrSLEB64:
		bin.PutPaddedS64(site, int64(value))
	case reloc.MemoryAddrI32:
		binary.LittleEndian.PutUint32(site, uint32(value))
	case reloc.MemoryAddrI64:
		binary.LittleEndian.PutUint64(site, value)
	}
	return nil
}

func addressValue(kind reloc.Kind, addr uint64, addend int64) (uint64, error) {
	value := addr + uint64(addend)
	if addend > 0 && value < addr || addend < 0 && value > addr {
		return 0, vmerrors.Overflow(vmerrors.PhaseRelocate, fmt.Sprintf("%d%+d", addr, addend), "address")
	}
	if !kind.Is64() && value > math.MaxUint32 {
		return 0, vmerrors.Overflow(vmerrors.PhaseRelocate, value, kind.String())
	}
	return value, nil
}
