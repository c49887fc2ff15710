package reloc

// Token is the opaque context value a caller registers together with its
// resolver. It is delivered unchanged on every resolver invocation.
type Token uint64

// Request describes one global-data relocation.
//
// Data is the object's initial data image, valid only for the duration of the
// call. SymbolOffset is the symbol's byte offset within Data; SymbolSize is
// advisory.
type Request struct {
	Data         []byte
	SymbolName   string
	SymbolOffset uint64
	SymbolSize   uint64
	Kind         Kind
	Site         uint32
}

// Func resolves a relocation to a guest address.
// Returning 0 or a non-nil error makes the load fail.
type Func func(token Token, req Request) (uint64, error)
