package engine

import (
	"context"
	"errors"
	goruntime "runtime"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/vmbridge/asm"
	vmerrors "github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/module"
	"github.com/wippyai/vmbridge/reloc"
)

var (
	i32 = []module.ValType{module.ValI32}
	i64 = []module.ValType{module.ValI64}
	ptr = []module.ValType{module.ValI32, module.ValI32}
)

type recorder struct {
	mu     sync.Mutex
	tokens []reloc.Token
	reqs   []reloc.Request
	addrs  []uint64
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

// register installs a resolver that records every request and delegates to
// the handle's own global data policy.
func register(t *testing.T, v *VM, token reloc.Token) *recorder {
	t.Helper()
	rec := &recorder{}
	err := v.RegisterRelocationResolver(token, func(tok reloc.Token, req reloc.Request) (uint64, error) {
		addr, err := v.ResolveGlobalData(req)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.tokens = append(rec.tokens, tok)
		req.Data = nil
		rec.reqs = append(rec.reqs, req)
		rec.addrs = append(rec.addrs, addr)
		return addr, err
	})
	if err != nil {
		t.Fatalf("RegisterRelocationResolver: %v", err)
	}
	return rec
}

func newVM(t *testing.T, cfg *Config) *VM {
	t.Helper()
	v, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if v.State() != StateDestroyed {
			_ = v.Destroy(context.Background())
		}
	})
	return v
}

func constObject(value int32) []byte {
	o := asm.New()
	o.Func("entry", nil, i32).I32Const(value)
	return o.Encode()
}

func readObject(data []byte) []byte {
	o := asm.New()
	x := o.Data("x", data)
	o.Func("entry", nil, i32).LoadSym(asm.OpI32Load, 2, x, 0)
	return o.Encode()
}

func counterObject() []byte {
	o := asm.New()
	c := o.Bss("counter", 4)
	o.Func("entry", nil, i32).
		I32Const(0).
		LoadSym(asm.OpI32Load, 2, c, 0).
		I32Const(1).
		Op(asm.OpI32Add).
		Sym(asm.OpI32Store, 2, c, 0).
		LoadSym(asm.OpI32Load, 2, c, 0)
	return o.Encode()
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"nil config", nil, false},
		{"zero config", &Config{}, false},
		{"custom base", &Config{GlobalBase: 0x2000}, false},
		{"unaligned base", &Config{GlobalBase: 0x1001}, true},
		{"unaligned stack", &Config{StackSize: 100}, true},
		{"negative budget", &Config{ExecBudget: -time.Second}, true},
		{"too many pages", &Config{MemoryLimitPages: 70000}, true},
		{"limit too small", &Config{MaxGlobalData: 1 << 20, MemoryLimitPages: 1}, true},
		{"address space", &Config{GlobalBase: 1 << 32}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					_ = v.Destroy(context.Background())
					t.Fatal("expected error")
				}
				if !errors.Is(err, vmerrors.ErrCreation) {
					t.Errorf("expected creation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if v.State() != StateCreated {
				t.Errorf("state = %s, want created", v.State())
			}
			if err := v.Destroy(context.Background()); err != nil {
				t.Errorf("Destroy: %v", err)
			}
		})
	}
}

func TestLoad_NoGlobals(t *testing.T) {
	ctx := context.Background()
	v := newVM(t, nil)
	rec := register(t, v, 1)

	if err := v.Load(ctx, constObject(42)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.calls() != 0 {
		t.Errorf("resolver calls = %d, want 0", rec.calls())
	}
	if v.Globals() != nil {
		t.Error("global data allocated for a program without globals")
	}

	res, err := v.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK() || res.Value != 42 {
		t.Errorf("result = %+v, want ok 42", res)
	}
}

func TestLoad_SingleSymbol(t *testing.T) {
	ctx := context.Background()
	v := newVM(t, nil)
	rec := register(t, v, 1)

	init := []byte{0x01, 0x02, 0x03, 0x04}
	if err := v.Load(ctx, readObject(init)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.calls() != 1 {
		t.Fatalf("resolver calls = %d, want 1", rec.calls())
	}
	req := rec.reqs[0]
	if req.SymbolName != "x" || req.SymbolOffset != 0 || req.SymbolSize != 4 {
		t.Errorf("request = %+v", req)
	}
	if req.Kind != reloc.MemoryAddrLEB {
		t.Errorf("kind = %s, want %s", req.Kind, reloc.MemoryAddrLEB)
	}
	if rec.addrs[0] != DefaultGlobalBase {
		t.Errorf("address = %#x, want %#x", rec.addrs[0], DefaultGlobalBase)
	}

	buf := v.Globals()
	if buf == nil {
		t.Fatal("global data not allocated")
	}
	if got := buf.Snapshot(); string(got) != string(init) {
		t.Errorf("global data = %x, want %x", got, init)
	}

	res, err := v.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != 0x04030201 {
		t.Errorf("value = %#x, want 0x04030201", res.Value)
	}
}

func TestLoad_SharedBuffer(t *testing.T) {
	ctx := context.Background()
	v := newVM(t, nil)
	rec := register(t, v, 1)

	o := asm.New()
	a := o.Data("a", []byte{1, 0, 0, 0})
	b := o.Data("b", []byte{2, 0, 0, 0})
	o.Func("entry", nil, i32).
		LoadSym(asm.OpI32Load, 2, a, 0).
		LoadSym(asm.OpI32Load, 2, b, 0).
		Op(asm.OpI32Add)

	if err := v.Load(ctx, o.Encode()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.calls() != 2 {
		t.Fatalf("resolver calls = %d, want 2", rec.calls())
	}
	if n := v.alloc.Allocations(); n != 1 {
		t.Errorf("allocations = %d, want 1", n)
	}
	if rec.addrs[0] != DefaultGlobalBase || rec.addrs[1] != DefaultGlobalBase+4 {
		t.Errorf("addresses = %#x, want base and base+4", rec.addrs)
	}
	if v.Globals().Len() != 8 {
		t.Errorf("buffer size = %d, want 8", v.Globals().Len())
	}

	res, err := v.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != 3 {
		t.Errorf("value = %d, want 3", res.Value)
	}
}

func TestExecute_StatePersists(t *testing.T) {
	ctx := context.Background()
	v := newVM(t, nil)
	register(t, v, 1)

	if err := v.Load(ctx, counterObject()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for want := uint64(1); want <= 3; want++ {
		res, err := v.Execute(ctx, nil)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if res.Value != want {
			t.Fatalf("run %d: value = %d", want, res.Value)
		}
	}
	n, err := v.Globals().ReadU32(0)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if n != 3 {
		t.Errorf("counter = %d, want 3", n)
	}
}

func TestLoad_BoundsViolation(t *testing.T) {
	ctx := context.Background()
	v := newVM(t, nil)
	register(t, v, 1)

	o := asm.New()
	x := o.Data("x", []byte{1, 2, 3, 4})
	big := o.Data("big", []byte{5, 6, 7, 8})
	big.Size = 64
	o.Func("entry", nil, i32).
		LoadSym(asm.OpI32Load, 2, x, 0).
		LoadSym(asm.OpI32Load, 2, big, 0).
		Op(asm.OpI32Add)

	err := v.Load(ctx, o.Encode())
	if !errors.Is(err, vmerrors.ErrOutOfBounds) {
		t.Fatalf("Load error = %v, want out of bounds", err)
	}
	var ve *vmerrors.Error
	if errors.As(err, &ve) && ve.Symbol != "big" {
		t.Errorf("symbol = %q, want big", ve.Symbol)
	}
	if v.State() != StateCreated {
		t.Errorf("state = %s, want created", v.State())
	}
	if v.Globals() == nil {
		t.Fatal("buffer allocated by the failed load was dropped")
	}

	// The buffer from the failed attempt serves the next load.
	if err := v.Load(ctx, readObject([]byte{9, 9, 9, 9})); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if n := v.alloc.Allocations(); n != 1 {
		t.Errorf("allocations = %d, want 1", n)
	}
	res, err := v.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != 0x04030201 {
		t.Errorf("value = %#x, want the first image's bytes", res.Value)
	}
}

func TestLoad_TokenDelivered(t *testing.T) {
	v := newVM(t, nil)
	const token reloc.Token = 0xDEADBEEF
	rec := register(t, v, token)

	o := asm.New()
	a := o.Data("a", []byte{1, 0, 0, 0})
	b := o.Data("b", []byte{2, 0, 0, 0})
	o.Func("entry", nil, i32).
		LoadSym(asm.OpI32Load, 2, a, 0).
		LoadSym(asm.OpI32Load, 2, b, 0).
		Op(asm.OpI32Add)

	if err := v.Load(context.Background(), o.Encode()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i, tok := range rec.tokens {
		if tok != token {
			t.Errorf("call %d: token = %#x, want %#x", i, tok, token)
		}
	}
}

func TestLoad_NoResolver(t *testing.T) {
	v := newVM(t, nil)

	err := v.Load(context.Background(), readObject([]byte{1, 2, 3, 4}))
	if !errors.Is(err, vmerrors.ErrUnresolved) {
		t.Fatalf("Load error = %v, want unresolved", err)
	}
	if v.State() != StateCreated {
		t.Errorf("state = %s, want created", v.State())
	}

	// Programs without globals need no resolver.
	if err := v.Load(context.Background(), constObject(1)); err != nil {
		t.Errorf("Load without globals: %v", err)
	}
}

func TestLoad_ResolverFailures(t *testing.T) {
	tests := []struct {
		name string
		fn   reloc.Func
	}{
		{"error", func(reloc.Token, reloc.Request) (uint64, error) { return 0, errors.New("no room") }},
		{"zero address", func(reloc.Token, reloc.Request) (uint64, error) { return 0, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVM(t, nil)
			if err := v.RegisterRelocationResolver(1, tt.fn); err != nil {
				t.Fatal(err)
			}
			err := v.Load(context.Background(), readObject([]byte{1, 2, 3, 4}))
			if !errors.Is(err, vmerrors.ErrUnresolved) {
				t.Errorf("Load error = %v, want unresolved", err)
			}
		})
	}
}

func TestLoad_Rejected(t *testing.T) {
	unsupported := func() []byte {
		o := asm.New()
		o.Data("x", []byte{1, 2, 3, 4})
		// function symbol 0, data symbol 1
		o.Func("entry", nil, i32).Op(asm.OpI32Const).Reloc(reloc.MemoryAddrRelSLEB, 1, 0, 5)
		return o.Encode()
	}
	missingHelper := func() []byte {
		o := asm.New()
		fn := o.Import("missing", nil, i32)
		o.Func("entry", nil, i32).Call(fn)
		return o.Encode()
	}
	noEntry := func() []byte {
		o := asm.New()
		o.Func("main", nil, i32).I32Const(1)
		return o.Encode()
	}
	badSignature := func() []byte {
		o := asm.New()
		o.Func("entry", i64, i32).I32Const(1)
		return o.Encode()
	}

	tests := []struct {
		name  string
		image []byte
		want  error
	}{
		{"empty", nil, vmerrors.ErrMalformed},
		{"bad magic", []byte("\x00elf\x01\x00\x00\x00"), vmerrors.ErrMalformed},
		{"truncated", readObject([]byte{1, 2, 3, 4})[:20], vmerrors.ErrMalformed},
		{"unsupported relocation", unsupported(), vmerrors.ErrUnsupported},
		{"unknown helper", missingHelper(), vmerrors.ErrUnresolved},
		{"no entry", noEntry(), &vmerrors.Error{Kind: vmerrors.KindNotFound}},
		{"entry signature", badSignature(), vmerrors.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVM(t, nil)
			register(t, v, 1)
			err := v.Load(context.Background(), tt.image)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Load error = %v, want %v", err, tt.want)
			}
			if vmerrors.CodeOf(err) >= 0 {
				t.Errorf("code = %d, want negative", vmerrors.CodeOf(err))
			}
			if v.State() != StateCreated {
				t.Errorf("state = %s, want created", v.State())
			}
		})
	}
}

func TestLoad_Twice(t *testing.T) {
	v := newVM(t, nil)
	if err := v.Load(context.Background(), constObject(1)); err != nil {
		t.Fatal(err)
	}
	err := v.Load(context.Background(), constObject(2))
	if !errors.Is(err, vmerrors.ErrAlreadyLoaded) {
		t.Errorf("second Load = %v, want invalid state", err)
	}
	if err := v.RegisterRelocationResolver(2, func(reloc.Token, reloc.Request) (uint64, error) { return 1, nil }); err == nil {
		t.Error("registering a resolver after load succeeded")
	}
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	v := newVM(t, nil)
	register(t, v, 1)
	if err := v.Load(ctx, counterObject()); err != nil {
		t.Fatal(err)
	}

	if err := v.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if v.State() != StateDestroyed {
		t.Errorf("state = %s", v.State())
	}
	if v.Globals() != nil {
		t.Error("global data survived destroy")
	}

	if _, err := v.Execute(ctx, nil); !errors.Is(err, vmerrors.ErrDestroyed) {
		t.Errorf("Execute after destroy = %v", err)
	}
	if err := v.Load(ctx, constObject(1)); !errors.Is(err, vmerrors.ErrDestroyed) {
		t.Errorf("Load after destroy = %v", err)
	}
	if err := v.RegisterHelper("log", func(context.Context, *Call) (uint64, error) { return 0, nil }); !errors.Is(err, vmerrors.ErrDestroyed) {
		t.Errorf("RegisterHelper after destroy = %v", err)
	}
	if _, err := v.ResolveGlobalData(reloc.Request{}); !errors.Is(err, vmerrors.ErrDestroyed) {
		t.Errorf("ResolveGlobalData after destroy = %v", err)
	}
	if err := v.Destroy(ctx); !errors.Is(err, vmerrors.ErrDestroyed) {
		t.Errorf("second Destroy = %v", err)
	}
}

func TestExecute_NotLoaded(t *testing.T) {
	v := newVM(t, nil)
	_, err := v.Execute(context.Background(), nil)
	if !errors.Is(err, vmerrors.ErrNotLoaded) {
		t.Errorf("Execute = %v, want not loaded", err)
	}
}

func TestLoad_StackPointer(t *testing.T) {
	v := newVM(t, nil)
	o := asm.New()
	sp := o.StackPointer()
	o.Func("entry", nil, i32).GlobalGet(sp)

	if err := v.Load(context.Background(), o.Encode()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	res, err := v.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(DefaultGlobalBase + DefaultStackSize)
	if res.Value != want {
		t.Errorf("stack pointer = %#x, want %#x", res.Value, want)
	}
}

func TestLoad_GOTEntry(t *testing.T) {
	v := newVM(t, nil)
	rec := register(t, v, 1)

	o := asm.New()
	x := o.Data("x", []byte{7, 0, 0, 0})
	got := o.GOT(x)
	o.Func("entry", nil, i32).GlobalGet(got).Mem(asm.OpI32Load, 2, 0)

	if err := v.Load(context.Background(), o.Encode()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.calls() != 1 || rec.reqs[0].Kind != reloc.GOTEntry {
		t.Fatalf("requests = %+v, want one GOT entry", rec.reqs)
	}
	res, err := v.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 7 {
		t.Errorf("value = %d, want 7", res.Value)
	}
}

// farSegmentObject is a bare object with one 4-byte data segment placed at
// 0x3ffffff0.
func farSegmentObject() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x0b, 0x0e, // data section
		0x01,                               // one segment
		0x00,                               // active, memory 0
		0x41, 0xf0, 0xff, 0xff, 0xff, 0x03, // i32.const 0x3ffffff0
		0x0b,
		0x04, 1, 2, 3, 4,
	}
}

func TestLoad_DataExtentOverLimit(t *testing.T) {
	big := asm.New()
	x := big.Data("x", make([]byte, 64))
	big.Func("entry", nil, i32).LoadSym(asm.OpI32Load, 2, x, 0)

	tests := []struct {
		name  string
		cfg   *Config
		image []byte
	}{
		{"segment far past limit", nil, farSegmentObject()},
		{"data larger than limit", &Config{MaxGlobalData: 32}, big.Encode()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVM(t, tt.cfg)
			register(t, v, 1)

			var before, after goruntime.MemStats
			goruntime.ReadMemStats(&before)
			err := v.Load(context.Background(), tt.image)
			goruntime.ReadMemStats(&after)

			if !errors.Is(err, vmerrors.ErrAllocation) {
				t.Fatalf("Load error = %v, want allocation failure", err)
			}
			if v.State() != StateCreated {
				t.Errorf("state = %s, want created", v.State())
			}
			if grew := after.TotalAlloc - before.TotalAlloc; grew > 64<<20 {
				t.Errorf("Load allocated %d MiB", grew>>20)
			}
		})
	}
}
