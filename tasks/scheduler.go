package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/vmbridge/bridge"
	"github.com/wippyai/vmbridge/engine"
	"github.com/wippyai/vmbridge/errors"
)

// Scheduler limits.
const (
	MaxTasks        = 10
	DefaultInterval = 5 * time.Second
)

// Config controls periodic tasks.
type Config struct {
	// Interval separates two runs of a task. Defaults to DefaultInterval.
	Interval time.Duration

	// MaxTasks bounds concurrently running tasks. Defaults to MaxTasks.
	MaxTasks int

	// MaxRuns ends a task after that many runs. 0 runs until Stop.
	MaxRuns int
}

// Stats counts the runs of one program across all of its tasks.
type Stats struct {
	Last   engine.Result
	Runs   int
	Faults int
	Errors int
}

// Scheduler runs registered programs as periodic tasks. Every run opens a
// fresh bridge, executes the program once with empty memory and closes it.
type Scheduler struct {
	reg    *Registry
	ctx    context.Context
	cancel context.CancelFunc
	opts   []bridge.Option
	stats  map[int]*Stats
	cfg    Config
	active int
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler whose tasks live until ctx is done or
// Stop is called.
func NewScheduler(ctx context.Context, reg *Registry, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxTasks <= 0 || cfg.MaxTasks > MaxTasks {
		cfg.MaxTasks = MaxTasks
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		reg:    reg,
		ctx:    ctx,
		cancel: cancel,
		stats:  make(map[int]*Stats),
		cfg:    cfg,
	}
}

// SetOptions sets the bridge options every run opens with. Helpers that
// refer back to the scheduler are installed here after construction.
func (s *Scheduler) SetOptions(opts ...bridge.Option) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append([]bridge.Option(nil), opts...)
}

func (s *Scheduler) options() []bridge.Option {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Spawn starts a task for program id. The task is bound to the scheduler's
// lifetime, not to ctx, since programs spawn tasks from inside a run.
func (s *Scheduler) Spawn(_ context.Context, id int) error {
	p, ok := s.reg.Lookup(id)
	if !ok {
		return errors.NotFound(errors.PhaseSchedule, "program", fmt.Sprintf("%d", id))
	}
	if s.ctx.Err() != nil {
		return errors.InvalidState(errors.PhaseSchedule, "scheduler stopped")
	}

	s.mu.Lock()
	if s.active >= s.cfg.MaxTasks {
		s.mu.Unlock()
		return errors.New(errors.PhaseSchedule, errors.KindFull).
			Symbol(p.Name).
			Detail("%d tasks running", s.active).
			Build()
	}
	s.active++
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(p)
	return nil
}

func (s *Scheduler) loop(p Program) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	log := Logger().With(zap.Int("program", p.ID), zap.String("name", p.Name))
	log.Info("task started", zap.Duration("interval", s.cfg.Interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for runs := 0; s.cfg.MaxRuns == 0 || runs < s.cfg.MaxRuns; runs++ {
		select {
		case <-s.ctx.Done():
			log.Info("task stopped", zap.Int("runs", runs))
			return
		case <-timer.C:
		}

		res, err := s.run(s.ctx, p)
		switch {
		case err != nil:
			log.Warn("run failed", zap.Error(err))
		case !res.OK():
			log.Warn("program faulted", zap.Stringer("status", res.Status), zap.Error(res.Fault))
		default:
			log.Debug("program returned", zap.Uint64("value", res.Value))
		}
		timer.Reset(s.cfg.Interval)
	}
	log.Info("task finished", zap.Int("runs", s.cfg.MaxRuns))
}

// RunOnce opens program id, executes it once with mem and closes it.
func (s *Scheduler) RunOnce(ctx context.Context, id int, mem []byte) (engine.Result, error) {
	p, ok := s.reg.Lookup(id)
	if !ok {
		return engine.Result{}, errors.NotFound(errors.PhaseSchedule, "program", fmt.Sprintf("%d", id))
	}
	return s.exec(ctx, p, mem)
}

func (s *Scheduler) run(ctx context.Context, p Program) (engine.Result, error) {
	return s.exec(ctx, p, nil)
}

func (s *Scheduler) exec(ctx context.Context, p Program, mem []byte) (engine.Result, error) {
	var res engine.Result
	err := bridge.Run(ctx, p.Image, func(b *bridge.Bridge) error {
		var err error
		res, err = b.Execute(ctx, mem)
		return err
	}, s.options()...)
	s.record(p.ID, res, err)
	return res, err
}

func (s *Scheduler) record(id int, res engine.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[id]
	if !ok {
		st = &Stats{}
		s.stats[id] = st
	}
	st.Runs++
	switch {
	case err != nil:
		st.Errors++
	case !res.OK():
		st.Faults++
	}
	st.Last = res
}

// Stats returns the run statistics of program id.
func (s *Scheduler) Stats(id int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[id]; ok {
		return *st
	}
	return Stats{}
}

// Active returns the number of running tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop cancels every task. Running executions end at their next budget
// check; Wait blocks until they have.
func (s *Scheduler) Stop() {
	s.cancel()
}

// Wait blocks until every task has ended.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
