package bridge

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/globaldata"
	"github.com/wippyai/vmbridge/reloc"
)

// Bridge exclusively owns one VM handle with a loaded program.
type Bridge struct {
	vm     *engine.VM
	table  *Table
	token  reloc.Token
	closed bool
	mu     sync.Mutex
}

// Option configures Open.
type Option func(*options)

type options struct {
	config   *engine.Config
	helpers  map[string]engine.Helper
	resolver reloc.Func
	table    *Table
}

// WithConfig sets the engine configuration of the VM.
func WithConfig(cfg engine.Config) Option {
	return func(o *options) {
		o.config = &cfg
	}
}

// WithHelper registers one helper under name.
func WithHelper(name string, h engine.Helper) Option {
	return func(o *options) {
		o.helpers[name] = h
	}
}

// WithHelpers registers every helper in set.
func WithHelpers(set map[string]engine.Helper) Option {
	return func(o *options) {
		for name, h := range set {
			o.helpers[name] = h
		}
	}
}

// WithResolver replaces the default resolver. fn receives the bridge's token
// and may use Lookup to reach the bridge. Addresses it returns must lie in
// memory the program can reach.
func WithResolver(fn reloc.Func) Option {
	return func(o *options) {
		o.resolver = fn
	}
}

// WithTable registers the bridge in t instead of the default table.
func WithTable(t *Table) Option {
	return func(o *options) {
		o.table = t
	}
}

// DefaultResolver returns the resolver Open installs: it finds the bridge
// registered under the token in t and applies its VM's global data policy.
func DefaultResolver(t *Table) reloc.Func {
	return func(token reloc.Token, req reloc.Request) (uint64, error) {
		b, ok := t.Lookup(token)
		if !ok {
			return 0, errors.NotFound(errors.PhaseRelocate, "bridge", fmt.Sprintf("token %d", token))
		}
		return b.vm.ResolveGlobalData(req)
	}
}

// Open creates a VM, registers its resolver and helpers and loads image.
// On any failure the VM is destroyed and its token released before Open
// returns.
func Open(ctx context.Context, image []byte, opts ...Option) (*Bridge, error) {
	o := &options{helpers: make(map[string]engine.Helper)}
	for _, opt := range opts {
		opt(o)
	}
	if o.table == nil {
		o.table = defaultTable
	}
	if o.resolver == nil {
		o.resolver = DefaultResolver(o.table)
	}

	vm, err := engine.New(ctx, o.config)
	if err != nil {
		return nil, err
	}

	b := &Bridge{vm: vm, table: o.table}
	b.token = o.table.insert(b)
	log := Logger().With(zap.Uint64("token", uint64(b.token)))

	fail := func(err error) (*Bridge, error) {
		b.markClosed()
		if derr := b.release(ctx); derr != nil {
			log.Warn("teardown after failed open", zap.Error(derr))
		}
		log.Debug("open failed", zap.Error(err))
		return nil, err
	}

	if err := vm.RegisterRelocationResolver(b.token, o.resolver); err != nil {
		return fail(err)
	}
	for name, h := range o.helpers {
		if err := vm.RegisterHelper(name, h); err != nil {
			return fail(err)
		}
	}
	if err := vm.Load(ctx, image); err != nil {
		return fail(err)
	}

	log.Debug("bridge opened", zap.Int("image_size", len(image)))
	return b, nil
}

// Run opens a bridge, passes it to fn and closes it on every exit path,
// including a failed open of the program and a panic in fn.
func Run(ctx context.Context, image []byte, fn func(*Bridge) error, opts ...Option) (err error) {
	b, err := Open(ctx, image, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(b)
}

// Execute runs the program once with mem as its input region.
func (b *Bridge) Execute(ctx context.Context, mem []byte) (engine.Result, error) {
	return b.vm.Execute(ctx, mem)
}

// Globals returns the program's global data, nil if it has none.
func (b *Bridge) Globals() *globaldata.Buffer {
	return b.vm.Globals()
}

// Token returns the context token the bridge is registered under.
func (b *Bridge) Token() reloc.Token {
	return b.token
}

// VM returns the underlying handle.
func (b *Bridge) VM() *engine.VM {
	return b.vm
}

// Close destroys the VM and releases the token. A second call returns
// errors.ErrDestroyed.
func (b *Bridge) Close(ctx context.Context) error {
	if !b.markClosed() {
		return errors.Destroyed(errors.PhaseDestroy)
	}
	err := b.release(ctx)
	Logger().Debug("bridge closed", zap.Uint64("token", uint64(b.token)), zap.Error(err))
	return err
}

func (b *Bridge) markClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	return true
}

func (b *Bridge) release(ctx context.Context) error {
	b.table.remove(b.token)
	return b.vm.Destroy(ctx)
}
