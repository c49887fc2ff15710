package programs

import (
	"github.com/wippyai/vmbridge/asm"
	"github.com/wippyai/vmbridge/helpers"
	"github.com/wippyai/vmbridge/module"
)

var (
	i32   = []module.ValType{module.ValI32}
	i32x2 = []module.ValType{module.ValI32, module.ValI32}
	entry = []module.ValType{module.ValI32, module.ValI64}
)

// CounterKey is the store key shared by Producer and Consumer.
const CounterKey = "counter"

// Counter increments a one-byte global on every call and returns it.
func Counter() []byte {
	o := asm.New()
	n := o.Data("calls", []byte{0})
	o.Func(module.DefaultEntryPoint, entry, i32).
		I32Const(0).
		LoadSym(asm.OpI32Load8U, 0, n, 0).
		I32Const(1).Op(asm.OpI32Add).
		Sym(asm.OpI32Store8, 0, n, 0).
		LoadSym(asm.OpI32Load8U, 0, n, 0)
	return o.Encode()
}

// Producer increments CounterKey in the store, logs the new value and
// returns it.
func Producer() []byte {
	o := asm.New()
	get := o.Import(helpers.NameNVSGet, i32, i32)
	set := o.Import(helpers.NameNVSSet, i32x2, i32)
	logf := o.Import(helpers.NameLog, i32x2, i32)
	key := o.Data("key_counter", cstr(CounterKey))
	format := o.Data("fmt_log", cstr("Producer: Set counter to %d\n"))

	f := o.Func(module.DefaultEntryPoint, entry, i32)
	n := f.Local(module.ValI32)
	f.Addr(key, 0).Call(get).
		I32Const(1).Op(asm.OpI32Add).
		LocalSet(n).
		Addr(key, 0).LocalGet(n).Call(set).Op(asm.OpDrop).
		Addr(format, 0).LocalGet(n).Call(logf).Op(asm.OpDrop).
		LocalGet(n)
	return o.Encode()
}

// Consumer reads CounterKey from the store, logs it and returns it.
func Consumer() []byte {
	o := asm.New()
	get := o.Import(helpers.NameNVSGet, i32, i32)
	logf := o.Import(helpers.NameLog, i32x2, i32)
	key := o.Data("key_counter", cstr(CounterKey))
	format := o.Data("fmt_log", cstr("Consumer: Read counter = %d\n"))

	f := o.Func(module.DefaultEntryPoint, entry, i32)
	n := f.Local(module.ValI32)
	f.Addr(key, 0).Call(get).LocalSet(n).
		Addr(format, 0).LocalGet(n).Call(logf).Op(asm.OpDrop).
		LocalGet(n)
	return o.Encode()
}

// Init spawns a task for every id through task_create and returns the
// number of spawns that failed.
func Init(ids ...int32) []byte {
	o := asm.New()
	spawn := o.Import(helpers.NameTaskCreate, i32, i32)
	logf := o.Import(helpers.NameLog, i32x2, i32)
	format := o.Data("fmt_spawn", cstr("Init: spawning program %d"))

	f := o.Func(module.DefaultEntryPoint, entry, i32)
	failed := f.Local(module.ValI32)
	for _, id := range ids {
		f.Addr(format, 0).I32Const(id).Call(logf).Op(asm.OpDrop).
			I32Const(id).Call(spawn).
			I32Const(0).Op(asm.OpI32Ne).
			LocalGet(failed).Op(asm.OpI32Add).
			LocalSet(failed)
	}
	f.LocalGet(failed)
	return o.Encode()
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}
