package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	vmerrors "github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/module"
)

// Status is the outcome of one Execute call. Zero is success; every
// fault is negative.
type Status int32

const (
	StatusOK             Status = 0
	StatusFault          Status = -1
	StatusBudgetExceeded Status = -2
	StatusOutOfMemory    Status = -3
	StatusInstantiate    Status = -4
	StatusCanceled       Status = -5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFault:
		return "fault"
	case StatusBudgetExceeded:
		return "budget_exceeded"
	case StatusOutOfMemory:
		return "out_of_memory"
	case StatusInstantiate:
		return "instantiate_failed"
	case StatusCanceled:
		return "canceled"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Result is what a program run produced.
type Result struct {
	Status Status
	Value  uint64
	// Fault describes a negative Status.
	Fault error
}

// OK reports whether the program returned normally.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func faulted(status Status, err error) Result {
	return Result{Status: status, Fault: err}
}

// Execute runs the loaded program once with mem as its input region.
// The returned error is non-nil only when the handle cannot execute at all;
// program faults are reported through Result and leave the handle usable.
func (v *VM) Execute(ctx context.Context, mem []byte) (Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateDestroyed:
		return Result{}, vmerrors.Destroyed(vmerrors.PhaseExecute)
	case StateCreated:
		return Result{}, vmerrors.InvalidState(vmerrors.PhaseExecute, "no module loaded")
	}

	res := v.run(ctx, mem)
	if res.OK() {
		Logger().Debug("program returned",
			zap.Uint64("token", uint64(v.token)),
			zap.Uint64("value", res.Value))
	} else {
		Logger().Debug("program faulted",
			zap.Uint64("token", uint64(v.token)),
			zap.Stringer("status", res.Status),
			zap.Error(res.Fault))
	}
	return res, nil
}

func (v *VM) run(ctx context.Context, input []byte) Result {
	prog := v.prog
	lay := prog.layout

	if uint64(len(input)) > math.MaxUint32-lay.inputBase {
		return faulted(StatusOutOfMemory, vmerrors.AllocationFailed(vmerrors.PhaseExecute, uint64(len(input)), math.MaxUint32-lay.inputBase))
	}

	callCtx := ctx
	if v.cfg.ExecBudget > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.cfg.ExecBudget)
		defer cancel()
	}

	mod, err := v.runtime.InstantiateModule(callCtx, prog.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		if st, ok := interrupted(ctx, callCtx, err); ok {
			return faulted(st, v.fault(st, err))
		}
		return faulted(StatusInstantiate, vmerrors.Wrap(vmerrors.PhaseExecute, vmerrors.KindFault, err, "instantiate program"))
	}
	defer mod.Close(context.Background())

	mem := mod.Memory()
	if mem == nil {
		return faulted(StatusInstantiate, vmerrors.Fault("program has no memory", nil))
	}

	buf := v.alloc.Buffer()
	if buf != nil && buf.Len() > 0 {
		if buf.Base() != lay.globalBase || buf.Len() > lay.globalSize {
			return faulted(StatusFault, vmerrors.Fault(fmt.Sprintf(
				"global data of %d bytes at %#x does not fit the program layout", buf.Len(), buf.Base()), nil))
		}
		if !mem.Write(uint32(lay.globalBase), buf.Snapshot()) {
			return faulted(StatusFault, vmerrors.OutOfBounds(vmerrors.PhaseExecute, lay.globalBase, buf.Len(), uint64(mem.Size())))
		}
	}

	if len(input) > 0 {
		if err := ensureMemory(mem, lay.inputBase+uint64(len(input))); err != nil {
			return faulted(StatusOutOfMemory, err)
		}
		if !mem.Write(uint32(lay.inputBase), input) {
			return faulted(StatusFault, vmerrors.OutOfBounds(vmerrors.PhaseExecute, lay.inputBase, uint64(len(input)), uint64(mem.Size())))
		}
	}

	fn := mod.ExportedFunction(v.cfg.Entry)
	if fn == nil {
		return faulted(StatusInstantiate, vmerrors.NotFound(vmerrors.PhaseExecute, "entry function", v.cfg.Entry))
	}

	results, err := fn.Call(callCtx, entryArgs(prog.entry, lay.inputBase, len(input))...)
	if err != nil {
		st := StatusFault
		if s, ok := interrupted(ctx, callCtx, err); ok {
			st = s
		}
		return faulted(st, v.fault(st, err))
	}

	if buf != nil && buf.Len() > 0 {
		data, ok := mem.Read(uint32(lay.globalBase), uint32(buf.Len()))
		if !ok {
			return faulted(StatusFault, vmerrors.OutOfBounds(vmerrors.PhaseExecute, lay.globalBase, buf.Len(), uint64(mem.Size())))
		}
		if err := buf.Load(data); err != nil {
			return faulted(StatusFault, err)
		}
	}
	if len(input) > 0 {
		data, ok := mem.Read(uint32(lay.inputBase), uint32(len(input)))
		if !ok {
			return faulted(StatusFault, vmerrors.OutOfBounds(vmerrors.PhaseExecute, lay.inputBase, uint64(len(input)), uint64(mem.Size())))
		}
		copy(input, data)
	}

	return Result{Status: StatusOK, Value: resultValue(prog.entry, results)}
}

func (v *VM) fault(st Status, err error) error {
	switch st {
	case StatusBudgetExceeded:
		return vmerrors.New(vmerrors.PhaseExecute, vmerrors.KindBudgetExceeded).
			Cause(err).
			Detail("execution budget of %s exceeded", v.cfg.ExecBudget).
			Build()
	case StatusCanceled:
		return vmerrors.Wrap(vmerrors.PhaseExecute, vmerrors.KindFault, err, "execution canceled")
	}
	return vmerrors.Fault("program trapped", err)
}

// interrupted maps an error caused by context expiry to its status.
// parent is the caller's context and call the budgeted one derived from it.
func interrupted(parent, call context.Context, err error) (Status, bool) {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			if parent.Err() == nil {
				return StatusBudgetExceeded, true
			}
			return StatusCanceled, true
		case sys.ExitCodeContextCanceled:
			return StatusCanceled, true
		}
	}
	if parent.Err() != nil {
		return StatusCanceled, true
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return StatusBudgetExceeded, true
	}
	return 0, false
}

func ensureMemory(mem api.Memory, end uint64) error {
	if end <= uint64(mem.Size()) {
		return nil
	}
	need := pagesFor(end) - pagesFor(uint64(mem.Size()))
	if need > math.MaxUint32 {
		return vmerrors.AllocationFailed(vmerrors.PhaseExecute, end, uint64(mem.Size()))
	}
	if _, ok := mem.Grow(uint32(need)); !ok {
		return vmerrors.AllocationFailed(vmerrors.PhaseExecute, end, uint64(mem.Size()))
	}
	return nil
}

func entryArgs(ft module.FuncType, ptr uint64, n int) []uint64 {
	switch len(ft.Params) {
	case 1:
		return []uint64{ptr}
	case 2:
		return []uint64{ptr, uint64(n)}
	}
	return nil
}

func resultValue(ft module.FuncType, results []uint64) uint64 {
	if len(ft.Results) == 0 || len(results) == 0 {
		return 0
	}
	if ft.Results[0] == module.ValI32 {
		return uint64(api.DecodeU32(results[0]))
	}
	return results[0]
}
