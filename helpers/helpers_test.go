package helpers_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/vmbridge/asm"
	"github.com/wippyai/vmbridge/bridge"
	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/helpers"
	"github.com/wippyai/vmbridge/module"
	"github.com/wippyai/vmbridge/nvs"
)

var (
	i32   = []module.ValType{module.ValI32}
	i32x2 = []module.ValType{module.ValI32, module.ValI32}
)

type spawner struct {
	mu  sync.Mutex
	ids []int
	err error
}

func (s *spawner) Spawn(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, id)
	return nil
}

// producer increments "counter" in the store, logs it and returns it.
func producer() []byte {
	o := asm.New()
	get := o.Import(helpers.NameNVSGet, i32, i32)
	set := o.Import(helpers.NameNVSSet, i32x2, i32)
	logf := o.Import(helpers.NameLog, i32x2, i32)
	key := o.Data("key_counter", []byte("counter\x00"))
	format := o.Data("fmt_log", []byte("Producer: Set counter to %d\n\x00"))

	f := o.Func("entry", i32x2, i32)
	n := f.Local(module.ValI32)
	f.Addr(key, 0).Call(get).
		I32Const(1).Op(asm.OpI32Add).
		LocalSet(n).
		Addr(key, 0).LocalGet(n).Call(set).Op(asm.OpDrop).
		Addr(format, 0).LocalGet(n).Call(logf).Op(asm.OpDrop).
		LocalGet(n)
	return o.Encode()
}

func spawnProgram(id int32) []byte {
	o := asm.New()
	spawn := o.Import(helpers.NameTaskCreate, i32, i32)
	o.Func("entry", nil, i32).I32Const(id).Call(spawn)
	return o.Encode()
}

func TestHost_NVSAndLog(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.InfoLevel)
	store := nvs.NewMemory(0)
	host := &helpers.Host{Store: store, Logger: zap.New(core)}

	for want := int32(1); want <= 3; want++ {
		err := bridge.Run(ctx, producer(), func(b *bridge.Bridge) error {
			res, err := b.Execute(ctx, nil)
			if err != nil {
				return err
			}
			if !res.OK() || int32(res.Value) != want {
				t.Errorf("run %d: result = %+v", want, res)
			}
			return nil
		}, bridge.WithHelpers(host.Set()), bridge.WithTable(bridge.NewTable()))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	v, ok, _ := store.Get(ctx, "counter")
	if !ok || v != 3 {
		t.Errorf("stored counter = %d, %v; want 3", v, ok)
	}
	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("log entries = %d, want 3", len(entries))
	}
	if entries[2].Message != "Producer: Set counter to 3" {
		t.Errorf("message = %q", entries[2].Message)
	}
}

func TestHost_TaskCreate(t *testing.T) {
	tests := []struct {
		name    string
		spawner helpers.Spawner
		want    uint64
	}{
		{"spawned", &spawner{}, 0},
		{"unknown program", &spawner{err: errors.New("no program 9")}, 0xFFFFFFFF},
		{"no scheduler", nil, 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &helpers.Host{Spawner: tt.spawner}
			b, err := bridge.Open(context.Background(), spawnProgram(9),
				bridge.WithHelpers(host.Set()), bridge.WithTable(bridge.NewTable()))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer b.Close(context.Background())

			res, err := b.Execute(context.Background(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.Value != tt.want {
				t.Errorf("value = %#x, want %#x", res.Value, tt.want)
			}
			if s, ok := tt.spawner.(*spawner); ok && s.err == nil {
				if len(s.ids) != 1 || s.ids[0] != 9 {
					t.Errorf("spawned %v, want [9]", s.ids)
				}
			}
		})
	}
}

func TestHost_DelayMs(t *testing.T) {
	host := &helpers.Host{MaxDelay: 10 * time.Millisecond}

	start := time.Now()
	if _, err := host.DelayMs(context.Background(), &engine.Call{Args: []uint64{60_000}}); err != nil {
		t.Fatalf("DelayMs: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("MaxDelay not applied")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	host.MaxDelay = 0
	if _, err := host.DelayMs(ctx, &engine.Call{Args: []uint64{60_000}}); !errors.Is(err, context.Canceled) {
		t.Errorf("DelayMs on canceled context = %v", err)
	}
}

func TestHost_DelayBudget(t *testing.T) {
	o := asm.New()
	sleep := o.Import(helpers.NameDelayMs, i32, i32)
	o.Func("entry", nil, i32).I32Const(10_000).Call(sleep)

	host := &helpers.Host{}
	b, err := bridge.Open(context.Background(), o.Encode(),
		bridge.WithHelpers(host.Set()),
		bridge.WithTable(bridge.NewTable()),
		bridge.WithConfig(engine.Config{ExecBudget: 30 * time.Millisecond}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close(context.Background())

	res, err := b.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.StatusBudgetExceeded {
		t.Errorf("status = %s, want budget_exceeded", res.Status)
	}
}

func TestPrintf(t *testing.T) {
	tests := []struct {
		format string
		v      int32
		want   string
	}{
		{"plain", 1, "plain"},
		{"n=%d\n", 42, "n=42"},
		{"%i", -7, "-7"},
		{"%u", -1, "4294967295"},
		{"%x/%X", 255, "ff/%X"},
		{"%5d|", 42, "   42|"},
		{"%-5d|", 42, "42   |"},
		{"%05d", -42, "-0042"},
		{"%ld", 9, "9"},
		{"100%%", 0, "100%"},
		{"%c", 'A', "A"},
		{"%s", 1, "%s"},
		{"trailing %", 1, "trailing %"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			if got := helpers.Printf(tt.format, tt.v); got != tt.want {
				t.Errorf("Printf(%q, %d) = %q, want %q", tt.format, tt.v, got, tt.want)
			}
		})
	}
}

func TestHost_ByID(t *testing.T) {
	host := &helpers.Host{}
	set := host.Set()

	tests := []struct {
		id   int
		name string
	}{
		{helpers.IDLog, "log"},
		{helpers.IDDelayMs, "delay_ms"},
		{helpers.IDNVSSet, "nvs_set"},
		{helpers.IDNVSGet, "nvs_get"},
		{helpers.IDTaskCreate, "task_create"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, fn, ok := host.ByID(tt.id)
			if !ok || name != tt.name || fn == nil {
				t.Fatalf("ByID(%d) = %q, %v", tt.id, name, ok)
			}
			if set[name] == nil {
				t.Errorf("Set() lacks %q", name)
			}
		})
	}

	if len(set) != len(tests) {
		t.Errorf("Set() has %d helpers, want %d", len(set), len(tests))
	}
	if _, _, ok := host.ByID(6); ok {
		t.Error("ByID(6) succeeded")
	}
}
