package helpers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/nvs"
)

// Helper IDs, in the numbering programs built for the original firmware use.
const (
	IDLog        = 1
	IDDelayMs    = 2
	IDNVSSet     = 3
	IDNVSGet     = 4
	IDTaskCreate = 5
)

// Import names programs use for each helper.
const (
	NameLog        = "log"
	NameDelayMs    = "delay_ms"
	NameNVSSet     = "nvs_set"
	NameNVSGet     = "nvs_get"
	NameTaskCreate = "task_create"
)

var ids = []int{IDLog, IDDelayMs, IDNVSSet, IDNVSGet, IDTaskCreate}

// Failed is the value a helper returns to the program on failure (-1).
const Failed = ^uint64(0)

// MaxFormatLen bounds the format strings log reads from guest memory.
const MaxFormatLen = 256

// Spawner starts a registered program as a periodic task.
type Spawner interface {
	Spawn(ctx context.Context, id int) error
}

// Host carries the services helpers act on. A nil Store or Spawner makes
// the corresponding helpers fail with -1.
type Host struct {
	Store   nvs.Store
	Spawner Spawner
	Logger  *zap.Logger

	// MaxDelay caps a single delay_ms call. 0 means no cap.
	MaxDelay time.Duration
}

// Set returns every helper keyed by import name, ready for
// engine.VM.RegisterHelper or bridge.WithHelpers.
func (h *Host) Set() map[string]engine.Helper {
	set := make(map[string]engine.Helper, len(ids))
	for _, id := range ids {
		name, fn, _ := h.ByID(id)
		set[name] = fn
	}
	return set
}

// ByID returns the import name and function of helper id.
func (h *Host) ByID(id int) (string, engine.Helper, bool) {
	switch id {
	case IDLog:
		return NameLog, h.Log, true
	case IDDelayMs:
		return NameDelayMs, h.DelayMs, true
	case IDNVSSet:
		return NameNVSSet, h.NVSSet, true
	case IDNVSGet:
		return NameNVSGet, h.NVSGet, true
	case IDTaskCreate:
		return NameTaskCreate, h.TaskCreate, true
	}
	return "", nil, false
}

func (h *Host) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// Log formats a C printf string at arg 0 with the integer at arg 1.
func (h *Host) Log(_ context.Context, c *engine.Call) (uint64, error) {
	format, err := c.Memory.CString(c.Arg(0), MaxFormatLen)
	if err != nil {
		return 0, err
	}
	h.logger().Info(Printf(format, int32(c.Arg(1))), zap.String("source", "program"))
	return 0, nil
}

// DelayMs sleeps for arg 0 milliseconds. Cancellation or an exhausted
// execution budget ends the sleep and traps the program.
func (h *Host) DelayMs(ctx context.Context, c *engine.Call) (uint64, error) {
	d := time.Duration(c.Arg(0)) * time.Millisecond
	if h.MaxDelay > 0 && d > h.MaxDelay {
		d = h.MaxDelay
	}
	if d <= 0 {
		return 0, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// NVSSet stores arg 1 under the key string at arg 0. Returns 0 or -1.
func (h *Host) NVSSet(ctx context.Context, c *engine.Call) (uint64, error) {
	if h.Store == nil {
		return Failed, nil
	}
	key, err := c.Memory.CString(c.Arg(0), nvs.MaxKeyLen+1)
	if err != nil {
		h.logger().Debug("nvs_set: bad key", zap.Error(err))
		return Failed, nil
	}
	if err := h.Store.Set(ctx, key, int32(c.Arg(1))); err != nil {
		h.logger().Debug("nvs_set failed", zap.String("key", key), zap.Error(err))
		return Failed, nil
	}
	return 0, nil
}

// NVSGet returns the value stored under the key string at arg 0, 0 if absent.
func (h *Host) NVSGet(ctx context.Context, c *engine.Call) (uint64, error) {
	if h.Store == nil {
		return 0, nil
	}
	key, err := c.Memory.CString(c.Arg(0), nvs.MaxKeyLen+1)
	if err != nil {
		return 0, nil
	}
	v, ok, err := h.Store.Get(ctx, key)
	if err != nil || !ok {
		return 0, nil
	}
	return uint64(int64(v)), nil
}

// TaskCreate starts the program registered under id arg 0. Returns 0 or -1.
func (h *Host) TaskCreate(ctx context.Context, c *engine.Call) (uint64, error) {
	if h.Spawner == nil {
		return Failed, nil
	}
	id := int(int32(c.Arg(0)))
	if err := h.Spawner.Spawn(ctx, id); err != nil {
		h.logger().Warn("task_create failed", zap.Int("id", id), zap.Error(err))
		return Failed, nil
	}
	return 0, nil
}
