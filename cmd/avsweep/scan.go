package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ipsix/avsweep/internal/config"
	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/notify"
	"github.com/ipsix/avsweep/internal/report"
	"github.com/ipsix/avsweep/internal/scan"
	"github.com/ipsix/avsweep/internal/walker"
)

var (
	flagBackend       string
	flagDatabase      string
	flagWorkers       int
	flagRecursive     bool
	flagInclude       []string
	flagExclude       []string
	flagOnEngineError string
	flagFormat        string
	flagNoColor       bool
	flagNoHeuristics  bool
	flagInfectedOnly  bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Scan the regular files of a directory",
		Long: "Scan every regular file directly inside dir (default .), or the whole tree with --recursive.\n" +
			"Exit status: 0 clean, 1 infected, 2 engine error, 3 all files unreadable, 4 directory inaccessible.",
		Args: cobra.MaximumNArgs(1),
		RunE: runScan,
	}
	addScanFlags(cmd)
	cmd.Flags().StringVar(&flagFormat, "format", "text", "summary format: text|table|json")
	cmd.Flags().BoolVar(&flagNoColor, "no-color", false, "disable colorized output")
	cmd.Flags().BoolVar(&flagInfectedOnly, "infected-only", false, "only print infected files and errors")
	rootCmd.AddCommand(cmd)
}

func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagBackend, "backend", "", "engine backend (see avsweep engines)")
	cmd.Flags().StringVar(&flagDatabase, "database", "", "signature database, directory or file")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "concurrent file scans")
	cmd.Flags().BoolVarP(&flagRecursive, "recursive", "r", false, "descend into subdirectories")
	cmd.Flags().StringSliceVar(&flagInclude, "include", nil, "only scan paths matching these globs")
	cmd.Flags().StringSliceVar(&flagExclude, "exclude", nil, "skip paths matching these globs")
	cmd.Flags().StringVar(&flagOnEngineError, "on-engine-error", "", "abort|continue after a per-file engine error")
	cmd.Flags().BoolVar(&flagNoHeuristics, "no-heuristics", false, "disable heuristic detection")
}

// applyScanFlags lets explicitly set flags win over the config file.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Engine.Backend = flagBackend
	}
	if flags.Changed("database") {
		cfg.Engine.Database = flagDatabase
	}
	if flags.Changed("workers") {
		cfg.Scan.Workers = flagWorkers
	}
	if flags.Changed("recursive") {
		cfg.Scan.Recursive = flagRecursive
	}
	if flags.Changed("include") {
		cfg.Scan.Include = flagInclude
	}
	if flags.Changed("exclude") {
		cfg.Scan.Exclude = flagExclude
	}
	if flags.Changed("on-engine-error") {
		cfg.Scan.OnEngineError = flagOnEngineError
	}
	if flags.Changed("no-heuristics") {
		cfg.Engine.Heuristics = !flagNoHeuristics
	}
	return cfg.Validate()
}

// runner holds everything one scan run needs except the handle, which every
// run acquires and releases itself.
type runner struct {
	cfg      config.Config
	logger   *logging.Logger
	dir      string
	base     scan.Config
	notifier *notify.Notifier
}

func newRunner(cfg config.Config, logger *logging.Logger, dir string) (*runner, error) {
	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	capability, err := reg.Get(cfg.Engine.Backend)
	if err != nil {
		return nil, err
	}
	policy, err := scan.ParsePolicy(cfg.Scan.OnEngineError)
	if err != nil {
		return nil, err
	}
	w, err := walker.New(dir, walker.Options{
		Recursive: cfg.Scan.Recursive,
		Include:   cfg.Scan.Include,
		Exclude:   cfg.Scan.Exclude,
	})
	if err != nil {
		return nil, err
	}
	metrics, err := scan.NewMetrics(nil, capability.Name())
	if err != nil {
		return nil, err
	}
	notifier, err := notify.Build(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	return &runner{
		cfg:      cfg,
		logger:   logger,
		dir:      dir,
		notifier: notifier,
		base: scan.Config{
			Capability:  capability,
			Database:    cfg.Engine.Database,
			Options:     cfg.Engine.Options(),
			ScanTimeout: cfg.Engine.ScanTimeoutDuration(),
			Walker:      w,
			Workers:     cfg.Scan.Workers,
			Policy:      policy,
			Metrics:     metrics,
			Logger:      logger,
		},
	}, nil
}

func (r *runner) run(ctx context.Context, printer *report.Printer) scan.Report {
	rc := r.base
	rc.RunID = uuid.NewString()
	backend := rc.Capability.Name()
	rc.OnResult = func(res scan.Result) {
		if printer != nil {
			printer.Result(res)
		}
		if res.Kind == scan.Infected && r.notifier != nil {
			r.notifier.Notify(notify.FromResult(rc.RunID, backend, res))
		}
	}
	rc.OnWarning = func(w walker.Warning) {
		if printer != nil {
			printer.Warning(w)
		}
	}
	return scan.Run(ctx, rc)
}

func (r *runner) close() {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.notifier.Close(ctx); err != nil {
		r.logger.Warn("notifier close failed", logging.Err(err))
	}
}

func scanDir(args []string) string {
	if len(args) == 0 {
		return "."
	}
	return args[0]
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyScanFlags(cmd, &cfg); err != nil {
		return err
	}
	format, err := report.ParseFormat(flagFormat)
	if err != nil {
		return err
	}

	r, err := newRunner(cfg, logger, scanDir(args))
	if err != nil {
		return err
	}
	defer r.close()

	out := cmd.OutOrStdout()
	var printer *report.Printer
	// JSON output is a single document, so per-file lines are left out.
	if format != report.FormatJSON {
		printer = report.NewPrinter(out, report.PrinterOptions{
			Color:        colorFor(out, flagNoColor),
			InfectedOnly: flagInfectedOnly,
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rep := r.run(ctx, printer)

	if err := report.Summary(out, rep, format); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if code := rep.ExitCode(); code != 0 {
		return &exitError{code: code, err: rep.Err}
	}
	return nil
}

func colorFor(w io.Writer, noColor bool) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return report.ColorEnabled(f, noColor)
}
