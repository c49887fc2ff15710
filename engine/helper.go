package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/module"
)

// Helper implements a function programs import from module "env".
// The program's import declares the signature; Args holds one word per
// parameter and the returned value is used when the import has a result.
// A non-nil error traps the program.
type Helper func(ctx context.Context, call *Call) (uint64, error)

// Call carries one helper invocation.
type Call struct {
	Memory *GuestMemory
	Name   string
	Args   []uint64
}

// Arg returns argument i truncated to 32 bits, 0 if absent.
func (c *Call) Arg(i int) uint32 {
	if i >= len(c.Args) {
		return 0
	}
	return uint32(c.Args[i])
}

// Arg64 returns argument i, 0 if absent.
func (c *Call) Arg64(i int) uint64 {
	if i >= len(c.Args) {
		return 0
	}
	return c.Args[i]
}

func valueTypes(types []module.ValType) ([]api.ValueType, error) {
	out := make([]api.ValueType, len(types))
	for i, t := range types {
		switch t {
		case module.ValI32:
			out[i] = api.ValueTypeI32
		case module.ValI64:
			out[i] = api.ValueTypeI64
		case module.ValF32:
			out[i] = api.ValueTypeF32
		case module.ValF64:
			out[i] = api.ValueTypeF64
		default:
			return nil, fmt.Errorf("value type %s", t)
		}
	}
	return out, nil
}

func wrapHelper(name string, h Helper, params, results int) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		call := &Call{
			Name:   name,
			Args:   append([]uint64(nil), stack[:params]...),
			Memory: NewGuestMemory(mod.Memory()),
		}
		ret, err := h(ctx, call)
		if err != nil {
			Logger().Debug("helper failed", zap.String("helper", name), zap.Error(err))
			panic(err)
		}
		if results > 0 {
			stack[0] = ret
		}
	}
}

// instantiateHelpers binds every function import of a linked module to a
// registered helper and instantiates them as the "env" host module.
func (v *VM) instantiateHelpers(ctx context.Context, imports []module.Import, types []module.FuncType) (api.Module, error) {
	if len(imports) == 0 {
		return nil, nil
	}

	builder := v.runtime.NewHostModuleBuilder(module.EnvModule)
	seen := make(map[string]module.FuncType, len(imports))

	for _, imp := range imports {
		ft := types[imp.TypeIndex]
		if imp.Module != module.EnvModule {
			return nil, errors.Unresolved(imp.Module+"."+imp.Name, "function import outside env", nil)
		}
		if prev, ok := seen[imp.Name]; ok {
			if !prev.Equal(ft) {
				return nil, errors.New(errors.PhaseLoad, errors.KindMalformed).
					Symbol(imp.Name).
					Detail("imported twice with signatures %s and %s", prev, ft).
					Build()
			}
			continue
		}
		seen[imp.Name] = ft

		h, ok := v.helpers[imp.Name]
		if !ok {
			return nil, errors.Unresolved(imp.Name, "no helper registered", nil)
		}
		if len(ft.Results) > 1 {
			return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
				Symbol(imp.Name).
				Detail("helper signature %s has more than one result", ft).
				Build()
		}
		params, err := valueTypes(ft.Params)
		if err != nil {
			return nil, errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("helper %s: %v", imp.Name, err))
		}
		results, err := valueTypes(ft.Results)
		if err != nil {
			return nil, errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("helper %s: %v", imp.Name, err))
		}

		builder.NewFunctionBuilder().
			WithGoModuleFunction(wrapHelper(imp.Name, h, len(params), len(results)), params, results).
			Export(imp.Name)
	}

	host, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRegister, errors.KindCreation, err, "instantiate helper module")
	}
	return host, nil
}
