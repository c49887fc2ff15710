package asm

import (
	"github.com/wippyai/vmbridge/module"
)

// Object accumulates the contents of one relocatable object.
// Imports must be declared before the first function is added so function
// and global indices are final when code is emitted.
type Object struct {
	types      []module.FuncType
	funcImps   []funcImport
	globalImps []globalImport
	funcs      []*Func
	data       []*Data
	memPages   uint32
}

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type globalImport struct {
	module  string
	name    string
	typ     module.ValType
	mutable bool
	data    *Data
}

// Data is a data symbol. Defined symbols own one data segment.
type Data struct {
	Name  string
	Bytes []byte

	// Size is the symbol size recorded in the symbol table.
	// It defaults to len(Bytes).
	Size uint64

	// Align is the segment alignment in bytes, a power of two.
	Align uint32

	Local     bool
	Undefined bool
	bss       bool
}

// New creates an empty object.
func New() *Object {
	return &Object{}
}

// MemoryPages sets the minimum page count of the imported linear memory.
func (o *Object) MemoryPages(n uint32) {
	o.memPages = n
}

func (o *Object) typeIndex(ft module.FuncType) uint32 {
	for i, t := range o.types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	o.types = append(o.types, ft)
	return uint32(len(o.types) - 1)
}

func (o *Object) mustNotHaveFuncs(what string) {
	if len(o.funcs) > 0 {
		panic("asm: " + what + " declared after a function")
	}
}

// Import declares a function import from module env and returns its function index.
func (o *Object) Import(name string, params, results []module.ValType) uint32 {
	return o.ImportFrom(module.EnvModule, name, params, results)
}

// ImportFrom declares a function import from an arbitrary module.
func (o *Object) ImportFrom(mod, name string, params, results []module.ValType) uint32 {
	o.mustNotHaveFuncs("import " + name)
	typ := o.typeIndex(module.FuncType{Params: params, Results: results})
	o.funcImps = append(o.funcImps, funcImport{module: mod, name: name, typ: typ})
	return uint32(len(o.funcImps) - 1)
}

// StackPointer imports env.__stack_pointer and returns its global index.
func (o *Object) StackPointer() uint32 {
	for i, g := range o.globalImps {
		if g.module == module.EnvModule && g.name == module.StackPointer {
			return uint32(i)
		}
	}
	o.mustNotHaveFuncs("stack pointer")
	o.globalImps = append(o.globalImps, globalImport{
		module: module.EnvModule, name: module.StackPointer, typ: module.ValI32, mutable: true,
	})
	return uint32(len(o.globalImps) - 1)
}

// GOT imports GOT.mem.<name> for d and returns its global index.
func (o *Object) GOT(d *Data) uint32 {
	for i, g := range o.globalImps {
		if g.data == d {
			return uint32(i)
		}
	}
	o.mustNotHaveFuncs("GOT entry " + d.Name)
	o.globalImps = append(o.globalImps, globalImport{
		module: module.GOTMemModule, name: d.Name, typ: module.ValI32, mutable: true, data: d,
	})
	return uint32(len(o.globalImps) - 1)
}

// GlobalImport declares an arbitrary global import.
func (o *Object) GlobalImport(mod, name string, typ module.ValType, mutable bool) uint32 {
	o.mustNotHaveFuncs("global " + name)
	o.globalImps = append(o.globalImps, globalImport{module: mod, name: name, typ: typ, mutable: mutable})
	return uint32(len(o.globalImps) - 1)
}

// Data defines an initialized data symbol.
func (o *Object) Data(name string, b []byte) *Data {
	d := &Data{Name: name, Bytes: append([]byte(nil), b...), Size: uint64(len(b)), Align: alignFor(len(b))}
	o.data = append(o.data, d)
	return d
}

// Bss defines a zero-initialized data symbol of size bytes.
func (o *Object) Bss(name string, size int) *Data {
	d := o.Data(name, make([]byte, size))
	d.bss = true
	return d
}

// Extern declares an undefined data symbol.
func (o *Object) Extern(name string) *Data {
	d := &Data{Name: name, Undefined: true}
	o.data = append(o.data, d)
	return d
}

func alignFor(n int) uint32 {
	switch {
	case n >= 8:
		return 8
	case n >= 4:
		return 4
	case n >= 2:
		return 2
	}
	return 1
}

// Func adds a defined function.
func (o *Object) Func(name string, params, results []module.ValType) *Func {
	f := &Func{
		obj:    o,
		Name:   name,
		typ:    o.typeIndex(module.FuncType{Params: params, Results: results}),
		params: uint32(len(params)),
		index:  uint32(len(o.funcImps) + len(o.funcs)),
	}
	o.funcs = append(o.funcs, f)
	return f
}
