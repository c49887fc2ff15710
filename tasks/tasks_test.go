package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wippyai/vmbridge/asm"
	"github.com/wippyai/vmbridge/bridge"
	vmerrors "github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/helpers"
	"github.com/wippyai/vmbridge/module"
	"github.com/wippyai/vmbridge/nvs"
)

var (
	i32   = []module.ValType{module.ValI32}
	i32x2 = []module.ValType{module.ValI32, module.ValI32}
)

func constProgram(v int32) []byte {
	o := asm.New()
	o.Func("entry", nil, i32).I32Const(v)
	return o.Encode()
}

func incrementProgram() []byte {
	o := asm.New()
	get := o.Import(helpers.NameNVSGet, i32, i32)
	set := o.Import(helpers.NameNVSSet, i32x2, i32)
	key := o.Data("key", []byte("counter\x00"))
	f := o.Func("entry", nil, i32)
	n := f.Local(module.ValI32)
	f.Addr(key, 0).Call(get).I32Const(1).Op(asm.OpI32Add).LocalSet(n).
		Addr(key, 0).LocalGet(n).Call(set).Op(asm.OpDrop).
		LocalGet(n)
	return o.Encode()
}

func initProgram(ids ...int32) []byte {
	o := asm.New()
	spawn := o.Import(helpers.NameTaskCreate, i32, i32)
	f := o.Func("entry", nil, i32)
	for _, id := range ids {
		f.I32Const(id).Call(spawn).Op(asm.OpDrop)
	}
	f.I32Const(0)
	return o.Encode()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(1, "a", constProgram(1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(1, "b", constProgram(2)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if p, ok := r.Lookup(1); !ok || p.Name != "b" {
		t.Errorf("Lookup = %+v, %v", p, ok)
	}
	if _, ok := r.Lookup(2); ok {
		t.Error("Lookup of unregistered id succeeded")
	}

	for id := 2; id <= MaxPrograms; id++ {
		if err := r.Register(id, "p", constProgram(0)); err != nil {
			t.Fatalf("Register %d: %v", id, err)
		}
	}
	err := r.Register(MaxPrograms+1, "overflow", constProgram(0))
	if !errors.Is(err, &vmerrors.Error{Kind: vmerrors.KindFull}) {
		t.Errorf("Register on full registry = %v", err)
	}
	if len(r.Programs()) != MaxPrograms {
		t.Errorf("programs = %d", len(r.Programs()))
	}

	if err := r.Register(0, "zero", constProgram(0)); err == nil {
		t.Error("id 0 accepted")
	}
	if err := r.Register(3, "empty", nil); err == nil {
		t.Error("empty image accepted")
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"valid", "init: 2\nprograms:\n  - {id: 1, name: a, path: a.o}\n  - {id: 2, path: b.o}\n", false},
		{"no init", "programs:\n  - {id: 1, path: a.o}\n", false},
		{"empty", "programs: []\n", true},
		{"bad yaml", "programs: [", true},
		{"zero id", "programs:\n  - {id: 0, path: a.o}\n", true},
		{"duplicate", "programs:\n  - {id: 1, path: a.o}\n  - {id: 1, path: b.o}\n", true},
		{"no path", "programs:\n  - {id: 1}\n", true},
		{"unknown init", "init: 9\nprograms:\n  - {id: 1, path: a.o}\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseManifest = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("one.o", constProgram(1))
	write("two.o", constProgram(2))
	write("manifest.yaml", []byte("init: 1\nprograms:\n  - {id: 1, name: one, path: one.o}\n  - {id: 2, path: two.o}\n"))

	m, err := LoadManifest(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	r := NewRegistry()
	if err := m.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p, ok := r.Lookup(2)
	if !ok || p.Name != "two.o" {
		t.Errorf("program 2 = %+v, %v", p, ok)
	}

	if _, err := LoadManifest(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing manifest loaded")
	}
}

func TestScheduler_MaxRuns(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(1, "const", constProgram(5)); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(context.Background(), r, Config{Interval: time.Millisecond, MaxRuns: 3})
	s.SetOptions(bridge.WithTable(bridge.NewTable()))

	if err := s.Spawn(context.Background(), 1); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.Wait()

	st := s.Stats(1)
	if st.Runs != 3 || st.Faults != 0 || st.Errors != 0 {
		t.Errorf("stats = %+v, want 3 clean runs", st)
	}
	if st.Last.Value != 5 {
		t.Errorf("last value = %d", st.Last.Value)
	}
	if s.Active() != 0 {
		t.Errorf("active = %d after wait", s.Active())
	}
}

func TestScheduler_Limits(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(1, "const", constProgram(1)); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(context.Background(), r, Config{Interval: time.Hour, MaxTasks: 1})
	s.SetOptions(bridge.WithTable(bridge.NewTable()))

	if err := s.Spawn(context.Background(), 7); !errors.Is(err, &vmerrors.Error{Kind: vmerrors.KindNotFound}) {
		t.Errorf("Spawn unknown = %v", err)
	}
	if err := s.Spawn(context.Background(), 1); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := s.Spawn(context.Background(), 1); !errors.Is(err, &vmerrors.Error{Kind: vmerrors.KindFull}) {
		t.Errorf("Spawn over limit = %v", err)
	}

	s.Stop()
	s.Wait()
	if err := s.Spawn(context.Background(), 1); err == nil {
		t.Error("Spawn after Stop succeeded")
	}
}

func TestScheduler_InitSpawnsTasks(t *testing.T) {
	ctx := context.Background()
	store := nvs.NewMemory(0)
	r := NewRegistry()
	if err := r.Register(1, "increment", incrementProgram()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(3, "init", initProgram(1, 42)); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(ctx, r, Config{Interval: time.Millisecond, MaxRuns: 2})
	host := &helpers.Host{Store: store, Spawner: s}
	s.SetOptions(bridge.WithHelpers(host.Set()), bridge.WithTable(bridge.NewTable()))

	res, err := s.RunOnce(ctx, 3, nil)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !res.OK() {
		t.Fatalf("init faulted: %v", res.Fault)
	}
	s.Wait()

	if st := s.Stats(1); st.Runs != 2 {
		t.Errorf("increment runs = %d, want 2", st.Runs)
	}
	v, _, _ := store.Get(ctx, "counter")
	if v != 2 {
		t.Errorf("counter = %d, want 2", v)
	}
}
