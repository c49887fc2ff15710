// Package asm builds wasm32 relocatable objects of the shape a C compiler
// emits: linear memory and __stack_pointer imported from env, one data
// segment per global variable, a linking symbol table and a reloc.CODE
// section listing every site that holds a global's address.
//
//	obj := asm.New()
//	counter := obj.Bss("counter", 8)
//
//	f := obj.Func("entry", []module.ValType{module.ValI32, module.ValI32}, []module.ValType{module.ValI64})
//	f.I32Const(0)
//	f.LoadSym(asm.OpI64Load, 3, counter, 0)
//	f.I64Const(1).Op(asm.OpI64Add)
//	f.Sym(asm.OpI64Store, 3, counter, 0)
//	f.LoadSym(asm.OpI64Load, 3, counter, 0)
//
//	image := obj.Encode()
//
// Declare imports before adding functions; indices are assigned eagerly.
package asm
