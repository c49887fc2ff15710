package programs

import (
	"encoding/binary"

	"github.com/wippyai/vmbridge/asm"
	"github.com/wippyai/vmbridge/globaldata"
	"github.com/wippyai/vmbridge/module"
)

// FilterEntry is the entry function of the TOS filter.
const FilterEntry = "filter"

// Verdicts returned by the filter.
const (
	Drop   = 0
	Accept = 1
)

// IP protocol numbers the filter accepts.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Packet layout: Ethernet header followed by a minimal IPv4 header.
const (
	HeaderLen   = 34
	PacketLen   = 42
	OffsetTOS   = 15
	OffsetProto = 23
)

// Offsets of the filter's globals in its global data buffer.
const (
	OffsetPacketCount = 0
	OffsetSumTOS      = 8
	OffsetMovingAvg   = 16
	OffsetWarmup      = 20
	OffsetTolerance   = 24
	FilterDataSize    = 28
)

// FilterPolicy is the adaptive part of the filter, seeded into its globals.
type FilterPolicy struct {
	// Warmup is the number of leading packets accepted without checks.
	Warmup uint32
	// Tolerance is the largest accepted distance between a packet's TOS and
	// the running average.
	Tolerance uint32
}

// DefaultFilterPolicy accepts the first five packets and then tolerates a
// distance of 96 from the average.
var DefaultFilterPolicy = FilterPolicy{Warmup: 5, Tolerance: 96}

// Filter builds the adaptive TOS filter as a relocatable object. Its entry
// takes (ptr i32, len i64) and returns Accept or Drop.
//
// Packets shorter than HeaderLen drop without touching state. Every other
// packet updates packet_count, sum_tos and moving_avg (the integer mean of all
// counted TOS values, this one included). The first Warmup packets accept;
// later ones accept when the protocol is TCP, UDP or ICMP and the TOS lies
// within Tolerance of moving_avg.
func Filter(p FilterPolicy) []byte {
	o := asm.New()
	count := o.Bss("packet_count", 8)
	sum := o.Bss("sum_tos", 8)
	avg := o.Bss("moving_avg_tos", 4)
	warmup := o.Data("warmup", le32(p.Warmup))
	tolerance := o.Data("tolerance", le32(p.Tolerance))
	for _, d := range []*asm.Data{count, sum, avg, warmup, tolerance} {
		d.Local = true
	}

	f := o.Func(FilterEntry, []module.ValType{module.ValI32, module.ValI64}, []module.ValType{module.ValI32})
	tos := f.Local(module.ValI32)
	mean := f.Local(module.ValI32)
	proto := f.Local(module.ValI32)

	// too short
	f.LocalGet(1).I64Const(HeaderLen).Op(asm.OpI64LtU).
		If(asm.BlockVoid).I32Const(Drop).Return().End()

	f.LocalGet(0).Mem(asm.OpI32Load8U, 0, OffsetTOS).LocalSet(tos)

	// packet_count++
	f.I32Const(0).
		LoadSym(asm.OpI64Load, 3, count, 0).
		I64Const(1).Op(asm.OpI64Add).
		Sym(asm.OpI64Store, 3, count, 0)

	// sum_tos += tos
	f.I32Const(0).
		LoadSym(asm.OpI64Load, 3, sum, 0).
		LocalGet(tos).Op(asm.OpI64ExtendI32U).Op(asm.OpI64Add).
		Sym(asm.OpI64Store, 3, sum, 0)

	// moving_avg_tos = sum_tos / packet_count
	f.I32Const(0).
		LoadSym(asm.OpI64Load, 3, sum, 0).
		LoadSym(asm.OpI64Load, 3, count, 0).
		Op(asm.OpI64DivU, asm.OpI32WrapI64).
		LocalTee(mean).
		Sym(asm.OpI32Store, 2, avg, 0)

	// warm-up
	f.LoadSym(asm.OpI64Load, 3, count, 0).
		LoadSym(asm.OpI32Load, 2, warmup, 0).Op(asm.OpI64ExtendI32U).
		Op(asm.OpI64LeU).
		If(asm.BlockVoid).I32Const(Accept).Return().End()

	// protocol
	f.LocalGet(0).Mem(asm.OpI32Load8U, 0, OffsetProto).LocalTee(proto).
		I32Const(ProtoTCP).Op(asm.OpI32Eq).
		LocalGet(proto).I32Const(ProtoUDP).Op(asm.OpI32Eq).Op(asm.OpI32Or).
		LocalGet(proto).I32Const(ProtoICMP).Op(asm.OpI32Eq).Op(asm.OpI32Or).
		Op(asm.OpI32Eqz).
		If(asm.BlockVoid).I32Const(Drop).Return().End()

	// |tos - avg| <= tolerance
	f.LocalGet(tos).LocalGet(mean).Op(asm.OpI32GeU).
		If(asm.BlockI32).
		LocalGet(tos).LocalGet(mean).Op(asm.OpI32Sub).
		Else().
		LocalGet(mean).LocalGet(tos).Op(asm.OpI32Sub).
		End().
		LoadSym(asm.OpI32Load, 2, tolerance, 0).
		Op(asm.OpI32LeU)

	return o.Encode()
}

// FilterState is the filter's view of its globals.
type FilterState struct {
	PacketCount uint64
	SumTOS      uint64
	MovingAvg   uint32
	Policy      FilterPolicy
}

// ReadFilterState decodes the filter's global data buffer.
func ReadFilterState(buf *globaldata.Buffer) (FilterState, error) {
	var s FilterState
	var err error
	if s.PacketCount, err = buf.ReadU64(OffsetPacketCount); err != nil {
		return s, err
	}
	if s.SumTOS, err = buf.ReadU64(OffsetSumTOS); err != nil {
		return s, err
	}
	if s.MovingAvg, err = buf.ReadU32(OffsetMovingAvg); err != nil {
		return s, err
	}
	if s.Policy.Warmup, err = buf.ReadU32(OffsetWarmup); err != nil {
		return s, err
	}
	if s.Policy.Tolerance, err = buf.ReadU32(OffsetTolerance); err != nil {
		return s, err
	}
	return s, nil
}

// FilterReference applies the filter's policy in Go.
type FilterReference struct {
	State FilterState
}

// NewFilterReference starts a reference filter with no packets counted.
func NewFilterReference(p FilterPolicy) *FilterReference {
	return &FilterReference{State: FilterState{Policy: p}}
}

// Decide returns the verdict the filter program gives pkt and updates state.
func (r *FilterReference) Decide(pkt []byte) int {
	if len(pkt) < HeaderLen {
		return Drop
	}
	s := &r.State
	tos := uint32(pkt[OffsetTOS])
	s.PacketCount++
	s.SumTOS += uint64(tos)
	s.MovingAvg = uint32(s.SumTOS / s.PacketCount)

	if s.PacketCount <= uint64(s.Policy.Warmup) {
		return Accept
	}
	switch pkt[OffsetProto] {
	case ProtoTCP, ProtoUDP, ProtoICMP:
	default:
		return Drop
	}
	diff := tos - s.MovingAvg
	if tos < s.MovingAvg {
		diff = s.MovingAvg - tos
	}
	if diff <= s.Policy.Tolerance {
		return Accept
	}
	return Drop
}

// Packet builds a 42-byte Ethernet/IPv4 frame carrying proto and tos.
func Packet(proto, tos uint8) []byte {
	p := make([]byte, PacketLen)
	copy(p[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(p[6:12], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	binary.BigEndian.PutUint16(p[12:14], 0x0800)
	p[14] = 0x45
	p[OffsetTOS] = tos
	binary.BigEndian.PutUint16(p[16:18], 0x001c)
	p[22] = 64
	p[OffsetProto] = proto
	copy(p[26:30], []byte{192, 168, 1, 1})
	copy(p[30:34], []byte{192, 168, 1, 2})
	return p
}

// DemoStream is the TOS sequence of the filter demonstration.
var DemoStream = []uint8{32, 64, 48, 32, 40, 128, 36, 200, 44, 240, 38, 30}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
