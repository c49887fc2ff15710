package programs

import (
	"context"
	"testing"

	"github.com/wippyai/vmbridge/bridge"
	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/helpers"
	"github.com/wippyai/vmbridge/module"
	"github.com/wippyai/vmbridge/nvs"
)

func openFilter(t *testing.T, p FilterPolicy) *bridge.Bridge {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Entry = FilterEntry
	b, err := bridge.Open(context.Background(), Filter(p),
		bridge.WithConfig(cfg), bridge.WithTable(bridge.NewTable()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestFilter_DemoStream(t *testing.T) {
	ctx := context.Background()
	b := openFilter(t, DefaultFilterPolicy)

	state, err := ReadFilterState(b.Globals())
	if err != nil {
		t.Fatal(err)
	}
	if state.Policy != DefaultFilterPolicy || state.PacketCount != 0 {
		t.Fatalf("initial state = %+v", state)
	}

	want := []int{1, 1, 1, 1, 1, 1, 1, 0, 1, 0, 1, 1}
	ref := NewFilterReference(DefaultFilterPolicy)
	for i, tos := range DemoStream {
		pkt := Packet(ProtoTCP, tos)
		res, err := b.Execute(ctx, pkt)
		if err != nil {
			t.Fatalf("packet %d: %v", i+1, err)
		}
		if !res.OK() {
			t.Fatalf("packet %d: status %s: %v", i+1, res.Status, res.Fault)
		}
		if int(res.Value) != want[i] {
			t.Errorf("packet %d (tos %d): verdict %d, want %d", i+1, tos, res.Value, want[i])
		}
		if got := ref.Decide(pkt); got != want[i] {
			t.Errorf("reference packet %d (tos %d): verdict %d, want %d", i+1, tos, got, want[i])
		}
	}

	state, err = ReadFilterState(b.Globals())
	if err != nil {
		t.Fatal(err)
	}
	if state != ref.State {
		t.Errorf("program state %+v, reference %+v", state, ref.State)
	}
	if state.PacketCount != 12 || state.SumTOS != 932 || state.MovingAvg != 77 {
		t.Errorf("state = %+v", state)
	}
}

func TestFilter_Rules(t *testing.T) {
	ctx := context.Background()
	policy := FilterPolicy{Warmup: 1, Tolerance: 10}

	tests := []struct {
		name string
		pkt  []byte
		want int
	}{
		{"short packet", Packet(ProtoTCP, 50)[:HeaderLen-1], Drop},
		{"tcp close", Packet(ProtoTCP, 55), Accept},
		{"udp close", Packet(ProtoUDP, 50), Accept},
		{"icmp close", Packet(ProtoICMP, 52), Accept},
		{"other protocol", Packet(47, 50), Drop},
		{"outlier", Packet(ProtoTCP, 200), Drop},
	}

	b := openFilter(t, policy)
	ref := NewFilterReference(policy)

	// warm-up packet accepted whatever its protocol
	if res, _ := b.Execute(ctx, Packet(47, 50)); res.Value != Accept {
		t.Fatalf("warm-up verdict = %d", res.Value)
	}
	ref.Decide(Packet(47, 50))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := b.Execute(ctx, tt.pkt)
			if err != nil {
				t.Fatal(err)
			}
			if int(res.Value) != tt.want {
				t.Errorf("verdict = %d, want %d", res.Value, tt.want)
			}
			if got := ref.Decide(tt.pkt); got != tt.want {
				t.Errorf("reference verdict = %d, want %d", got, tt.want)
			}
		})
	}

	state, _ := ReadFilterState(b.Globals())
	if state.PacketCount != 6 {
		t.Errorf("short packet counted: packet_count = %d", state.PacketCount)
	}
}

func TestFilter_Layout(t *testing.T) {
	obj, err := module.Parse(Filter(DefaultFilterPolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]uint64{
		"packet_count":   OffsetPacketCount,
		"sum_tos":        OffsetSumTOS,
		"moving_avg_tos": OffsetMovingAvg,
		"warmup":         OffsetWarmup,
		"tolerance":      OffsetTolerance,
	}
	for name, off := range want {
		sym, ok := obj.Lookup(module.SymbolData, name)
		if !ok {
			t.Errorf("symbol %s missing", name)
			continue
		}
		seg, err := obj.SegmentFor(sym)
		if err != nil {
			t.Fatal(err)
		}
		if got := seg.Offset + sym.Offset; got != off {
			t.Errorf("%s at %d, want %d", name, got, off)
		}
	}
	image, err := obj.DataImage()
	if err != nil {
		t.Fatal(err)
	}
	if len(image) != FilterDataSize {
		t.Errorf("data image = %d bytes, want %d", len(image), FilterDataSize)
	}
}

func TestCounter(t *testing.T) {
	ctx := context.Background()
	b, err := bridge.Open(ctx, Counter(), bridge.WithTable(bridge.NewTable()))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(ctx)

	for want := uint64(1); want <= 300; want++ {
		res, err := b.Execute(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Value != want%256 {
			t.Fatalf("call %d: value %d", want, res.Value)
		}
	}
}

func TestProducerConsumer(t *testing.T) {
	ctx := context.Background()
	host := &helpers.Host{Store: nvs.NewMemory(0)}
	run := func(image []byte) uint64 {
		t.Helper()
		var value uint64
		err := bridge.Run(ctx, image, func(b *bridge.Bridge) error {
			res, err := b.Execute(ctx, nil)
			value = res.Value
			return err
		}, bridge.WithHelpers(host.Set()), bridge.WithTable(bridge.NewTable()))
		if err != nil {
			t.Fatal(err)
		}
		return value
	}

	if v := run(Consumer()); v != 0 {
		t.Errorf("consumer before producer = %d", v)
	}
	run(Producer())
	run(Producer())
	if v := run(Consumer()); v != 2 {
		t.Errorf("consumer = %d, want 2", v)
	}
}

type spawner struct{ ids []int }

func (s *spawner) Spawn(_ context.Context, id int) error {
	if id > 2 {
		return context.Canceled
	}
	s.ids = append(s.ids, id)
	return nil
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	sp := &spawner{}
	host := &helpers.Host{Spawner: sp}
	err := bridge.Run(ctx, Init(1, 2, 3), func(b *bridge.Bridge) error {
		res, err := b.Execute(ctx, nil)
		if err != nil {
			return err
		}
		if res.Value != 1 {
			t.Errorf("failed spawns = %d, want 1", res.Value)
		}
		return nil
	}, bridge.WithHelpers(host.Set()), bridge.WithTable(bridge.NewTable()))
	if err != nil {
		t.Fatal(err)
	}
	if len(sp.ids) != 2 {
		t.Errorf("spawned %v", sp.ids)
	}
}
