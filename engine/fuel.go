package engine

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// ExitCodeOutOfFuel is the reserved exit code the fuel meter closes the
// guest module with. It must not collide with wazero's reserved codes or
// anything a guest interpreter plausibly exits with.
const ExitCodeOutOfFuel uint32 = 0xF0E1

// meter tracks fuel consumption for a single execution. wazero has no native
// instruction counter, so fuel is charged per guest function entry via the
// experimental function-listener hook; for a given interpreter build and
// payload the count is deterministic, which is what budget accounting needs.
type meter struct {
	budget    uint64
	used      atomic.Uint64
	exhausted atomic.Bool
}

func newMeter(budget uint64) *meter {
	return &meter{budget: budget}
}

// charge consumes one unit and force-closes the module once the budget is
// spent. Closing makes the in-flight call trap with ExitCodeOutOfFuel.
func (m *meter) charge(ctx context.Context, mod api.Module) {
	used := m.used.Add(1)
	if m.budget > 0 && used > m.budget {
		if m.exhausted.CompareAndSwap(false, true) {
			_ = mod.CloseWithExitCode(ctx, ExitCodeOutOfFuel)
		}
	}
}

func (m *meter) consumed() uint64 {
	used := m.used.Load()
	if m.budget > 0 && used > m.budget {
		return m.budget
	}
	return used
}

func (m *meter) isExhausted() bool { return m.exhausted.Load() }

type meterKey struct{}

func withMeter(ctx context.Context, m *meter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

func meterFrom(ctx context.Context) *meter {
	m, _ := ctx.Value(meterKey{}).(*meter)
	return m
}

// fuelListeners implements experimental.FunctionListenerFactory. The factory
// is installed on the compile context; the meter itself travels on the
// per-execution instantiate context, so one compiled artifact serves every
// execution's independent budget.
type fuelListeners struct{}

func (fuelListeners) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return fuelListener{}
}

type fuelListener struct{}

func (fuelListener) Before(ctx context.Context, mod api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if m := meterFrom(ctx); m != nil {
		m.charge(ctx, mod)
	}
}

func (fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (fuelListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
