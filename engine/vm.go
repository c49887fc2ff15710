package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/globaldata"
	"github.com/wippyai/vmbridge/module"
	"github.com/wippyai/vmbridge/reloc"
)

// State is the lifecycle state of a VM handle.
type State int

const (
	StateCreated State = iota
	StateLoaded
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoaded:
		return "module_loaded"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// VM is one embedded virtual machine instance. It owns a wazero runtime,
// its global data buffer and at most one loaded module.
// Methods are safe for concurrent use; calls are serialized per handle.
type VM struct {
	runtime  wazero.Runtime
	alloc    *reloc.Allocator
	resolver reloc.Func
	helpers  map[string]Helper
	host     api.Module
	prog     *program
	cfg      Config
	token    reloc.Token
	state    State
	mu       sync.Mutex
}

type program struct {
	compiled wazero.CompiledModule
	entry    module.FuncType
	layout   layout
	resolved int
}

// New creates a VM handle in the Created state.
func New(ctx context.Context, cfg *Config) (*VM, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = cfg.withDefaults()
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Creation("invalid configuration", err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}

	v := &VM{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		alloc:   reloc.NewAllocator(c.GlobalBase, c.MaxGlobalData),
		helpers: make(map[string]Helper),
		cfg:     c,
	}
	Logger().Debug("vm created",
		zap.Uint64("global_base", c.GlobalBase),
		zap.Uint64("max_global_data", c.MaxGlobalData),
		zap.Duration("exec_budget", c.ExecBudget))
	return v, nil
}

// Config returns the effective configuration.
func (v *VM) Config() Config {
	return v.cfg
}

// State returns the current lifecycle state.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// RegisterRelocationResolver sets the function the loader calls for every
// global-data relocation, together with the token passed back on each call.
// It must be called before Load.
func (v *VM) RegisterRelocationResolver(token reloc.Token, fn reloc.Func) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateDestroyed:
		return errors.Destroyed(errors.PhaseRegister)
	case StateLoaded:
		return errors.InvalidState(errors.PhaseRegister, "resolver must be registered before load")
	}
	if fn == nil {
		return errors.InvalidInput(errors.PhaseRegister, "nil relocation resolver")
	}
	v.resolver = fn
	v.token = token
	return nil
}

// RegisterHelper makes a helper importable by programs under name.
// It must be called before Load.
func (v *VM) RegisterHelper(name string, h Helper) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateDestroyed:
		return errors.Destroyed(errors.PhaseRegister)
	case StateLoaded:
		return errors.InvalidState(errors.PhaseRegister, "helpers must be registered before load")
	}
	if name == "" || h == nil {
		return errors.InvalidInput(errors.PhaseRegister, "helper needs a name and a function")
	}
	v.helpers[name] = h
	return nil
}

// ResolveGlobalData applies the handle's global data policy to req: the first
// call allocates the buffer from req.Data, later calls resolve into it.
// Resolvers registered through RegisterRelocationResolver may delegate here;
// it does not take the handle lock.
func (v *VM) ResolveGlobalData(req reloc.Request) (uint64, error) {
	return v.alloc.Resolve(req)
}

// Globals returns the global data buffer, nil if no relocation allocated it.
func (v *VM) Globals() *globaldata.Buffer {
	return v.alloc.Buffer()
}

// Load parses image, resolves its relocations through the registered
// resolver and compiles the result. On failure the handle stays in the
// Created state and may load again; a global data buffer allocated by the
// failed attempt is kept.
func (v *VM) Load(ctx context.Context, image []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateDestroyed:
		return errors.Destroyed(errors.PhaseLoad)
	case StateLoaded:
		return errors.InvalidState(errors.PhaseLoad, "module already loaded")
	}

	log := Logger().With(zap.Uint64("token", uint64(v.token)))

	prog, host, err := v.load(ctx, image)
	if err != nil {
		log.Debug("load failed", zap.Error(err), zap.Int("code", errors.CodeOf(err)))
		return err
	}

	v.prog = prog
	v.host = host
	v.state = StateLoaded
	log.Debug("module loaded",
		zap.Int("relocations", prog.resolved),
		zap.Uint64("global_size", prog.layout.globalSize),
		zap.Uint32("pages", prog.layout.pages))
	return nil
}

func (v *VM) load(ctx context.Context, image []byte) (*program, api.Module, error) {
	obj, err := module.Parse(image)
	if err != nil {
		return nil, nil, err
	}
	extent, err := obj.DataExtent()
	if err != nil {
		return nil, nil, err
	}
	if extent > v.cfg.MaxGlobalData {
		return nil, nil, errors.AllocationFailed(errors.PhaseLoad, extent, v.cfg.MaxGlobalData)
	}
	data, err := obj.DataImage()
	if err != nil {
		return nil, nil, err
	}

	globalSize := uint64(len(data))
	if buf := v.alloc.Buffer(); buf != nil && buf.Len() > globalSize {
		globalSize = buf.Len()
	}
	lay := newLayout(v.cfg, globalSize)

	var resolve func(reloc.Request) (uint64, error)
	if v.resolver != nil {
		fn, token := v.resolver, v.token
		resolve = func(req reloc.Request) (uint64, error) {
			return fn(token, req)
		}
	}

	linked, err := module.Link(obj, module.LinkConfig{
		Resolve:  resolve,
		Data:     data,
		Entry:    v.cfg.Entry,
		StackTop: lay.stackTop,
		MinPages: lay.pages,
		MaxPages: v.cfg.MemoryLimitPages,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := checkEntry(v.cfg.Entry, linked.Entry); err != nil {
		return nil, nil, err
	}

	host, err := v.instantiateHelpers(ctx, linked.Imports, obj.Types)
	if err != nil {
		return nil, nil, err
	}

	compiled, err := v.runtime.CompileModule(ctx, linked.Binary)
	if err != nil {
		if host != nil {
			_ = host.Close(ctx)
		}
		return nil, nil, errors.Wrap(errors.PhaseLoad, errors.KindMalformed, err, "compile module")
	}

	return &program{
		compiled: compiled,
		entry:    linked.Entry,
		layout:   lay,
		resolved: linked.Resolved,
	}, host, nil
}

// checkEntry accepts () (i32) (i32, i32) and (i32, i64) parameter lists
// returning nothing, i32 or i64.
func checkEntry(name string, ft module.FuncType) error {
	ok := true
	switch len(ft.Params) {
	case 0:
	case 1:
		ok = ft.Params[0] == module.ValI32
	case 2:
		ok = ft.Params[0] == module.ValI32 && (ft.Params[1] == module.ValI32 || ft.Params[1] == module.ValI64)
	default:
		ok = false
	}
	switch len(ft.Results) {
	case 0:
	case 1:
		ok = ok && (ft.Results[0] == module.ValI32 || ft.Results[0] == module.ValI64)
	default:
		ok = false
	}
	if !ok {
		return errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Symbol(name).
			Detail("entry signature %s", ft).
			Build()
	}
	return nil
}

// Destroy releases the loaded module, the global data buffer and the runtime.
// Destroying twice returns errors.ErrDestroyed.
func (v *VM) Destroy(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateDestroyed {
		return errors.Destroyed(errors.PhaseDestroy)
	}
	v.state = StateDestroyed
	v.prog = nil
	v.host = nil
	v.resolver = nil
	v.helpers = nil
	v.alloc.Release()

	if err := v.runtime.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseDestroy, errors.KindFault, err, "close runtime")
	}
	Logger().Debug("vm destroyed", zap.Uint64("token", uint64(v.token)))
	return nil
}
