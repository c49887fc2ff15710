package asm

// Opcodes accepted by Func.Op and the typed emitters.
const (
	OpUnreachable byte = 0x00
	OpNop         byte = 0x01
	OpBlock       byte = 0x02
	OpLoop        byte = 0x03
	OpIf          byte = 0x04
	OpElse        byte = 0x05
	OpEnd         byte = 0x0B
	OpBr          byte = 0x0C
	OpBrIf        byte = 0x0D
	OpReturn      byte = 0x0F
	OpCall        byte = 0x10
	OpDrop        byte = 0x1A
	OpSelect      byte = 0x1B

	OpLocalGet  byte = 0x20
	OpLocalSet  byte = 0x21
	OpLocalTee  byte = 0x22
	OpGlobalGet byte = 0x23
	OpGlobalSet byte = 0x24

	OpI32Load    byte = 0x28
	OpI64Load    byte = 0x29
	OpI32Load8U  byte = 0x2D
	OpI32Load16U byte = 0x2F
	OpI64Load8U  byte = 0x31
	OpI64Load32U byte = 0x35
	OpI32Store   byte = 0x36
	OpI64Store   byte = 0x37
	OpI32Store8  byte = 0x3A
	OpI32Store16 byte = 0x3B

	OpI32Const byte = 0x41
	OpI64Const byte = 0x42

	OpI32Eqz byte = 0x45
	OpI32Eq  byte = 0x46
	OpI32Ne  byte = 0x47
	OpI32LtS byte = 0x48
	OpI32LtU byte = 0x49
	OpI32GtS byte = 0x4A
	OpI32GtU byte = 0x4B
	OpI32LeU byte = 0x4D
	OpI32GeU byte = 0x4F
	OpI64Eqz byte = 0x50
	OpI64Eq  byte = 0x51
	OpI64LtU byte = 0x54
	OpI64LeU byte = 0x58

	OpI32Add  byte = 0x6A
	OpI32Sub  byte = 0x6B
	OpI32Mul  byte = 0x6C
	OpI32DivU byte = 0x6E
	OpI32And  byte = 0x71
	OpI32Or   byte = 0x72
	OpI32Shl  byte = 0x74
	OpI32ShrU byte = 0x76
	OpI64Add  byte = 0x7C
	OpI64Sub  byte = 0x7D
	OpI64DivU byte = 0x80

	OpI32WrapI64    byte = 0xA7
	OpI64ExtendI32U byte = 0xAD
)

// Block types.
const (
	BlockVoid byte = 0x40
	BlockI32  byte = 0x7F
	BlockI64  byte = 0x7E
)
