package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/vmbridge/bridge"
	"github.com/wippyai/vmbridge/config"
	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/helpers"
	"github.com/wippyai/vmbridge/internal/programs"
	"github.com/wippyai/vmbridge/reloc"
	"github.com/wippyai/vmbridge/tasks"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

const usage = `Usage: vmbridge -object <file.o> [-entry name] [-input hex|@file] [-config file]
       vmbridge -manifest <deploy.yaml> [-config file]
       vmbridge -demo filter|tasks
       vmbridge [-object <file.o>] -i  (interactive mode)
       vmbridge -schema
`

// run executes the command line and returns the process exit code. Deferred
// cleanup completes before run returns.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vmbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configFile  = fs.String("config", "", "Path to configuration file (yaml, toml or json)")
		objectFile  = fs.String("object", "", "Path to relocatable program object")
		entry       = fs.String("entry", "", "Entry function (overrides engine.entry)")
		input       = fs.String("input", "", "Program memory as hex, or @file")
		demo        = fs.String("demo", "", "Run a built-in demo: filter or tasks")
		manifest    = fs.String("manifest", "", "Run the programs of a task manifest (overrides tasks.manifest)")
		schema      = fs.Bool("schema", false, "Print the configuration JSON schema and exit")
		interactive = fs.Bool("i", false, "Interactive mode with TUI")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	fail := func(err error) int {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *schema {
		data, err := config.Schema()
		if err != nil {
			return fail(err)
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fail(err)
	}
	if *entry != "" {
		cfg.Engine.Entry = *entry
	}
	if *manifest != "" {
		cfg.Tasks.Manifest = *manifest
	}

	if !*interactive && *demo == "" && cfg.Tasks.Manifest == "" && *objectFile == "" {
		fmt.Fprint(stderr, usage)
		return 1
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return fail(err)
	}
	defer func() { _ = logger.Sync() }()
	engine.SetLogger(logger.Named("engine"))
	reloc.SetLogger(logger.Named("reloc"))
	bridge.SetLogger(logger.Named("bridge"))
	tasks.SetLogger(logger.Named("tasks"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newPrinter(stdout)
	switch {
	case *interactive:
		var s *session
		if s, err = newSession(cfg, *objectFile); err == nil {
			err = runInteractive(s)
		}
	case *demo == "filter":
		err = runFilterDemo(ctx, cfg, out)
	case *demo == "tasks":
		err = runTaskDemo(ctx, cfg, logger, out)
	case *demo != "":
		err = fmt.Errorf("unknown demo %q", *demo)
	case cfg.Tasks.Manifest != "":
		err = runManifest(ctx, cfg, logger, out)
	default:
		err = runObject(ctx, cfg, logger, out, *objectFile, *input)
	}
	if err != nil {
		return fail(err)
	}
	return 0
}

func parseInput(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "@") {
		data, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return data, nil
	}
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return data, nil
}

// newHost opens the configured store and builds helpers around it. The
// returned close function releases the store.
func newHost(cfg *config.Config, logger *zap.Logger, sp helpers.Spawner) (*helpers.Host, func(), error) {
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, nil, err
	}
	host := &helpers.Host{
		Store:    store,
		Spawner:  sp,
		Logger:   logger.Named("program"),
		MaxDelay: cfg.Engine.ExecBudget,
	}
	return host, func() { _ = store.Close() }, nil
}

func runObject(ctx context.Context, cfg *config.Config, logger *zap.Logger, out *printer, path, input string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	mem, err := parseInput(input)
	if err != nil {
		return err
	}
	host, closeHost, err := newHost(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeHost()

	return bridge.Run(ctx, image, func(b *bridge.Bridge) error {
		out.header("Program", path)
		res, err := b.Execute(ctx, mem)
		if err != nil {
			return err
		}
		out.result(res)
		if buf := b.Globals(); buf != nil {
			out.dump("globals", buf.Base(), buf.Snapshot())
		}
		if len(mem) > 0 {
			out.dump("memory", 0, mem)
		}
		return nil
	}, bridge.WithConfig(cfg.EngineConfig()), bridge.WithHelpers(host.Set()))
}

func runFilterDemo(ctx context.Context, cfg *config.Config, out *printer) error {
	ec := cfg.EngineConfig()
	ec.Entry = programs.FilterEntry
	policy := cfg.FilterPolicy()

	return bridge.Run(ctx, programs.Filter(policy), func(b *bridge.Bridge) error {
		out.header("TOS filter", fmt.Sprintf("warmup %d, tolerance %d", policy.Warmup, policy.Tolerance))
		for i, tos := range programs.DemoStream {
			res, err := b.Execute(ctx, programs.Packet(programs.ProtoTCP, tos))
			if err != nil {
				return err
			}
			if !res.OK() {
				out.result(res)
				continue
			}
			state, err := programs.ReadFilterState(b.Globals())
			if err != nil {
				return err
			}
			out.verdict(i+1, tos, res.Value == programs.Accept, state.MovingAvg)
		}
		state, err := programs.ReadFilterState(b.Globals())
		if err != nil {
			return err
		}
		out.line(fmt.Sprintf("packets %d, sum %d, average %d", state.PacketCount, state.SumTOS, state.MovingAvg))
		return nil
	}, bridge.WithConfig(ec))
}

// Demo program ids.
const (
	demoProducer = 1
	demoConsumer = 2
	demoInit     = 3
)

func runTaskDemo(ctx context.Context, cfg *config.Config, logger *zap.Logger, out *printer) error {
	reg := tasks.NewRegistry()
	for _, p := range []struct {
		id    int
		name  string
		image []byte
	}{
		{demoProducer, "producer", programs.Producer()},
		{demoConsumer, "consumer", programs.Consumer()},
		{demoInit, "init", programs.Init(demoProducer, demoConsumer)},
	} {
		if err := reg.Register(p.id, p.name, p.image); err != nil {
			return err
		}
	}

	sc := cfg.SchedulerConfig()
	if sc.MaxRuns == 0 {
		sc.MaxRuns = 3
	}
	if sc.Interval == tasks.DefaultInterval {
		sc.Interval = 500 * time.Millisecond
	}
	return runScheduler(ctx, cfg, logger, out, reg, sc, demoInit)
}

func runManifest(ctx context.Context, cfg *config.Config, logger *zap.Logger, out *printer) error {
	m, err := tasks.LoadManifest(cfg.Tasks.Manifest)
	if err != nil {
		return err
	}
	reg := tasks.NewRegistry()
	if err := m.Register(reg); err != nil {
		return err
	}
	return runScheduler(ctx, cfg, logger, out, reg, cfg.SchedulerConfig(), m.Init)
}

// runScheduler runs program initID once and waits for the tasks it spawned.
// With initID 0 every registered program is spawned directly.
func runScheduler(ctx context.Context, cfg *config.Config, logger *zap.Logger, out *printer, reg *tasks.Registry, sc tasks.Config, initID int) error {
	s := tasks.NewScheduler(ctx, reg, sc)
	host, closeHost, err := newHost(cfg, logger, s)
	if err != nil {
		return err
	}
	defer closeHost()
	s.SetOptions(bridge.WithConfig(cfg.EngineConfig()), bridge.WithHelpers(host.Set()))

	if initID != 0 {
		res, err := s.RunOnce(ctx, initID, nil)
		if err != nil {
			s.Stop()
			return err
		}
		out.header("init", fmt.Sprintf("program %d", initID))
		out.result(res)
	} else {
		for _, p := range reg.Programs() {
			if err := s.Spawn(ctx, p.ID); err != nil {
				logger.Warn("spawn failed", zap.Int("program", p.ID), zap.Error(err))
			}
		}
	}

	s.Wait()
	for _, p := range reg.Programs() {
		st := s.Stats(p.ID)
		if st.Runs == 0 {
			continue
		}
		out.line(fmt.Sprintf("%-10s runs %d, faults %d, errors %d, last %s=%d",
			p.Name, st.Runs, st.Faults, st.Errors, st.Last.Status, int64(st.Last.Value)))
	}
	return nil
}
