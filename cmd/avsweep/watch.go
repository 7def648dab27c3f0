package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ipsix/avsweep/internal/daemon"
	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/report"
	"github.com/ipsix/avsweep/internal/scan"
	"github.com/ipsix/avsweep/internal/scheduler"
)

var (
	flagSchedule   string
	flagRunOnStart bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Rescan a directory on a schedule",
		Long: "Run a complete scan of dir on a cron schedule, with a fresh engine for each run.\n" +
			"SIGHUP starts a run now; SIGINT or SIGTERM stops after the run in progress.",
		Args: cobra.MaximumNArgs(1),
		RunE: runWatch,
	}
	addScanFlags(cmd)
	cmd.Flags().StringVar(&flagSchedule, "schedule", "", "cron spec or @every <duration>")
	cmd.Flags().BoolVar(&flagRunOnStart, "run-on-start", false, "scan once immediately")
	rootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("schedule") {
		cfg.Watch.Schedule = flagSchedule
	}
	if cmd.Flags().Changed("run-on-start") {
		cfg.Watch.RunOnStart = flagRunOnStart
	}
	if err := applyScanFlags(cmd, &cfg); err != nil {
		return err
	}

	r, err := newRunner(cfg, logger, scanDir(args))
	if err != nil {
		return err
	}
	defer r.close()

	out := cmd.OutOrStdout()
	printer := report.NewPrinter(out, report.PrinterOptions{InfectedOnly: true})
	sched, err := scheduler.New(logger, scheduler.Config{
		Schedule:   cfg.Watch.Schedule,
		RunOnStart: cfg.Watch.RunOnStart,
	}, func(ctx context.Context) error {
		rep := r.run(ctx, printer)
		if err := report.Summary(out, rep, report.FormatText); err != nil {
			logger.Warn("write summary failed", logging.Err(err))
		}
		if rep.Outcome == scan.OutcomeOK || rep.Outcome == scan.OutcomeInfected {
			return nil
		}
		if rep.Err != nil {
			return rep.Err
		}
		return fmt.Errorf("run finished with outcome %s", rep.Outcome)
	})
	if err != nil {
		return err
	}
	return daemon.New(sched, logger).Run(cmd.Context())
}
