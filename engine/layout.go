package engine

import "github.com/wippyai/vmbridge/module"

// layout is the guest memory map of a loaded module:
//
//	[0, globalBase)                  unmapped, address 0 is never valid data
//	[globalBase, +globalSize)        global data buffer
//	[stackBase, stackTop)            guest stack, grows down from stackTop
//	[inputBase, +len(mem))           caller memory passed to Execute
type layout struct {
	globalBase uint64
	globalSize uint64
	stackBase  uint64
	stackTop   uint64
	inputBase  uint64
	pages      uint32
}

func newLayout(cfg Config, globalSize uint64) layout {
	l := layout{globalBase: cfg.GlobalBase, globalSize: globalSize}
	l.stackBase = align16(l.globalBase + globalSize)
	l.stackTop = l.stackBase + cfg.StackSize
	l.inputBase = align16(l.stackTop)
	l.pages = uint32(pagesFor(l.inputBase))
	if l.pages == 0 {
		l.pages = 1
	}
	return l
}

func align16(v uint64) uint64 {
	return (v + 15) &^ 15
}

func pagesFor(size uint64) uint64 {
	return (size + module.PageSize - 1) / module.PageSize
}
