package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/walker"
)

type Config struct {
	// RunID identifies the run in logs and alerts; a random one is used when empty.
	RunID      string
	Capability engine.Capability
	// Database is the signature location handed to the engine.
	Database string
	Options  engine.Options
	// ScanTimeout bounds each per-file engine call; zero means no bound.
	ScanTimeout time.Duration
	Walker      *walker.Walker
	Workers     int
	Policy      Policy
	Metrics     *Metrics
	Logger      *logging.Logger
	// OnResult and OnWarning are never called concurrently.
	OnResult  func(Result)
	OnWarning func(walker.Warning)
}

// Report describes one finished run.
type Report struct {
	RunID    string
	Backend  string
	Root     string
	Started  time.Time
	Finished time.Time
	Stats    Stats
	Summary  Summary
	Outcome  Outcome
	// Err is the fatal error that ended the run early, if any.
	Err      error
	Aborted  bool
	Warnings int
}

func (r Report) ExitCode() int {
	return r.Outcome.ExitCode()
}

// Run performs initialize, load and compile, the walk with per-file scans,
// and teardown. The handle is released exactly once on every path.
func Run(ctx context.Context, cfg Config) Report {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyAbort
	}

	report := Report{RunID: cfg.RunID, Started: time.Now()}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}
	if cfg.Walker != nil {
		report.Root = cfg.Walker.Root()
	}
	logger = logger.With(logging.Field{Key: "run_id", Value: report.RunID})
	finish := func(stats Stats, precision uint64, err error) Report {
		report.Finished = time.Now()
		report.Stats = stats
		report.Summary = stats.Snapshot(precision)
		report.Err = err
		report.Outcome = Classify(stats, err)
		if err != nil {
			logger.Error("scan failed", logging.Err(err), logging.Field{Key: "outcome", Value: report.Outcome.String()})
		}
		logger.Info("scan finished",
			logging.Field{Key: "outcome", Value: report.Outcome.String()},
			logging.Field{Key: "scanned", Value: stats.FilesScanned},
			logging.Field{Key: "infected", Value: stats.FilesInfected},
			logging.Field{Key: "unreadable", Value: stats.FilesUnreadable},
			logging.Field{Key: "engine_errors", Value: stats.EngineErrors},
			logging.Field{Key: "duration", Value: report.Finished.Sub(report.Started).String()},
		)
		return report
	}

	if cfg.Walker == nil {
		return finish(Stats{}, 1, errors.New("no directory to scan"))
	}

	h, err := engine.Initialize(cfg.Capability)
	if err != nil {
		return finish(Stats{}, 1, err)
	}
	report.Backend = h.Backend()
	defer func() {
		if err := h.Teardown(); err != nil {
			logger.Warn("engine release failed", logging.Err(err))
		}
	}()

	sigs, err := h.LoadAndCompile(cfg.Database, cfg.Options)
	if err != nil {
		return finish(Stats{}, h.CountPrecision(), err)
	}
	logger.Info("scan started",
		logging.Field{Key: "backend", Value: h.Backend()},
		logging.Field{Key: "signatures", Value: sigs},
		logging.Field{Key: "root", Value: report.Root},
		logging.Field{Key: "workers", Value: workers},
	)

	var (
		emitMu   sync.Mutex
		abortErr error
	)
	walkCtx, cancelWalk := context.WithCancel(ctx)
	defer cancelWalk()

	emit := func(res Result) {
		emitMu.Lock()
		defer emitMu.Unlock()
		if res.Kind == EngineError {
			logger.Warn("engine error", logging.Field{Key: "path", Value: res.Path}, logging.Field{Key: "error", Value: res.Message})
			if policy == PolicyAbort && abortErr == nil {
				abortErr = fmt.Errorf("aborted after engine error on %s: %s", res.Path, res.Message)
				cancelWalk()
			}
		}
		if cfg.OnResult != nil {
			cfg.OnResult(res)
		}
	}
	warn := func(w walker.Warning) {
		emitMu.Lock()
		defer emitMu.Unlock()
		report.Warnings++
		logger.Warn("directory read error", logging.Field{Key: "path", Value: w.Path}, logging.Err(w.Err))
		if cfg.OnWarning != nil {
			cfg.OnWarning(w)
		}
	}

	scanner := NewScanner(h, cfg.Metrics).WithTimeout(cfg.ScanTimeout)
	paths := make(chan string)
	partials := make([]Stats, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(stats *Stats) {
			defer wg.Done()
			for path := range paths {
				if walkCtx.Err() != nil {
					continue
				}
				emit(scanner.Scan(ctx, path, stats))
			}
		}(&partials[i])
	}

	walkErr := cfg.Walker.Walk(walkCtx, func(path string) error {
		select {
		case paths <- path:
			return nil
		case <-walkCtx.Done():
			return walkCtx.Err()
		}
	}, warn)
	close(paths)
	wg.Wait()

	stats := Stats{SignaturesLoaded: sigs}
	for _, p := range partials {
		stats.Merge(p)
	}

	report.Aborted = abortErr != nil
	return finish(stats, h.CountPrecision(), runError(ctx, abortErr, walkErr))
}

// runError picks the error that ended the run. A cancellation only counts as
// an interruption when it cut the walk short.
func runError(ctx context.Context, abortErr, walkErr error) error {
	switch {
	case abortErr != nil:
		return abortErr
	case walkErr == nil:
		return nil
	case ctx.Err() != nil && errors.Is(walkErr, ctx.Err()):
		return fmt.Errorf("scan interrupted: %w", walkErr)
	default:
		return walkErr
	}
}
