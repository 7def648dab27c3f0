// Package scheduler repeats complete scan runs on a cron schedule. At most
// one run is in progress at a time; a tick that fires during a run is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ipsix/avsweep/internal/logging"
)

// RunFunc performs one complete run. Each call must acquire and release its
// own engine handle.
type RunFunc func(ctx context.Context) error

type Config struct {
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@hourly" or "@every 30m".
	Schedule   string
	RunOnStart bool
}

type Scheduler struct {
	logger     *logging.Logger
	cron       *cron.Cron
	entry      cron.EntryID
	run        RunFunc
	runOnStart bool

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	wg      sync.WaitGroup
	running atomic.Bool

	runs    atomic.Int64
	skipped atomic.Int64
}

func New(logger *logging.Logger, cfg Config, run RunFunc) (*Scheduler, error) {
	if run == nil {
		return nil, errors.New("run function is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	s := &Scheduler{
		logger:     logger,
		run:        run,
		runOnStart: cfg.RunOnStart,
		ctx:        context.Background(),
	}
	adapter := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter)),
	)
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(func() { s.execute("schedule") }))
	return s, nil
}

// Start begins ticking. ctx is handed to every run; cancelling it interrupts
// the run in progress but does not stop the schedule.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	if s.runOnStart {
		s.Trigger()
	}
}

// Trigger starts a run immediately unless one is already in progress or the
// scheduler is stopped. It reports whether a run was started.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skip("trigger")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.invoke("trigger")
	}()
	return true
}

// Stop prevents new runs and waits for the one in progress to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Next is the time of the next scheduled run.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) Runs() int64 { return s.runs.Load() }

func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

func (s *Scheduler) execute(reason string) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skip(reason)
		return
	}
	defer s.running.Store(false)
	s.invoke(reason)
}

func (s *Scheduler) skip(reason string) {
	s.skipped.Add(1)
	s.logger.Warn("run skipped, previous run still in progress", logging.Field{Key: "reason", Value: reason})
}

func (s *Scheduler) invoke(reason string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	started := time.Now()
	s.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panic recovered",
				logging.Field{Key: "reason", Value: reason},
				logging.Field{Key: "panic", Value: r},
				logging.Field{Key: "stack", Value: string(debug.Stack())},
			)
		}
	}()

	err := s.run(ctx)
	duration := time.Since(started).String()
	if err != nil {
		s.logger.Error("run failed",
			logging.Field{Key: "reason", Value: reason},
			logging.Err(err),
			logging.Field{Key: "duration", Value: duration},
		)
		return
	}
	s.logger.Info("run completed",
		logging.Field{Key: "reason", Value: reason},
		logging.Field{Key: "duration", Value: duration},
	)
}

// cronLogger routes cron's own messages into the structured logger. Cron's
// info messages are chatty, so they go to debug.
type cronLogger struct {
	logger *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error("cron: "+msg, append(fields(keysAndValues), logging.Err(err))...)
}

func fields(kv []interface{}) []logging.Field {
	out := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logging.Field{Key: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return out
}
