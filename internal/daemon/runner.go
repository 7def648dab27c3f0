// Package daemon runs watch mode in the foreground: it drives the scheduler
// and maps process signals onto it.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/scheduler"
)

type Runner struct {
	sched   *scheduler.Scheduler
	logger  *logging.Logger
	signals <-chan os.Signal
}

func New(sched *scheduler.Scheduler, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{sched: sched, logger: logger}
}

// WithSignals replaces the process signal subscription.
func (r *Runner) WithSignals(ch <-chan os.Signal) *Runner {
	r.signals = ch
	return r
}

// Run blocks until shutdown. SIGHUP starts a run immediately. The first
// SIGINT or SIGTERM, or ctx ending, stops the schedule and waits for the run
// in progress; a second SIGINT or SIGTERM interrupts that run.
func (r *Runner) Run(ctx context.Context) error {
	sigCh := r.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 4)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(ch)
		sigCh = ch
	}

	runCtx, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	defer interrupt()

	r.sched.Start(runCtx)
	r.logger.Info("watch started", logging.Field{Key: "next_run", Value: r.sched.Next().Format("2006-01-02T15:04:05Z07:00")})

	stopped := make(chan struct{})
	stopping := false
	stop := func(reason string) {
		if stopping {
			return
		}
		stopping = true
		r.logger.Info("watch stopping", logging.Field{Key: "reason", Value: reason})
		go func() {
			r.sched.Stop()
			close(stopped)
		}()
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			stop("context done")
		case sig, ok := <-sigCh:
			if !ok {
				sigCh = nil
				stop("signal channel closed")
				continue
			}
			r.handleSignal(sig, stopping, stop, interrupt)
		case <-stopped:
			r.logger.Info("watch stopped",
				logging.Field{Key: "runs", Value: r.sched.Runs()},
				logging.Field{Key: "skipped", Value: r.sched.Skipped()},
			)
			return nil
		}
	}
}

func (r *Runner) handleSignal(sig os.Signal, stopping bool, stop func(string), interrupt context.CancelFunc) {
	switch sig {
	case syscall.SIGHUP:
		if stopping {
			return
		}
		if r.sched.Trigger() {
			r.logger.Info("run requested by signal")
		}
	case syscall.SIGINT, syscall.SIGTERM:
		if stopping {
			r.logger.Warn("interrupting run in progress", logging.Field{Key: "signal", Value: sig.String()})
			interrupt()
			return
		}
		r.logger.Warn("shutdown signal received", logging.Field{Key: "signal", Value: sig.String()})
		stop(sig.String())
	default:
		r.logger.Warn("unexpected signal received", logging.Field{Key: "signal", Value: sig.String()})
	}
}
