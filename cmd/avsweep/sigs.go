package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ipsix/avsweep/internal/config"
	"github.com/ipsix/avsweep/internal/logging"
	"github.com/ipsix/avsweep/internal/sigdb"
)

var (
	flagSigsDatabase string
	flagFetchSHA256  string
)

func init() {
	sigs := &cobra.Command{
		Use:   "sigs",
		Short: "Manage the signature database",
	}
	sigs.PersistentFlags().StringVar(&flagSigsDatabase, "database", "", "signature database directory")

	importCmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import a signature file, directory or archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(db *sigdb.DB, _ *logging.Logger) error {
				status, err := db.Import(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), status)
			})
		},
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download and import signatures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(func(db *sigdb.DB, _ *logging.Logger) error {
				status, err := db.Fetch(cmd.Context(), args[0], flagFetchSHA256)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), status)
			})
		},
	}
	fetchCmd.Flags().StringVar(&flagFetchSHA256, "sha256", "", "expected SHA-256 of the download")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the signature database status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _, err := sigsDatabase()
			if err != nil {
				return err
			}
			if !sigdb.IsDatabase(path) {
				return fmt.Errorf("no signature database at %s", path)
			}
			db, err := sigdb.OpenReadOnly(path)
			if err != nil {
				return err
			}
			defer db.Close()
			status, err := db.Status()
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every signature from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(func(db *sigdb.DB, logger *logging.Logger) error {
				if err := db.Reset(); err != nil {
					return err
				}
				logger.Info("signature database reset")
				return nil
			})
		},
	}

	sigs.AddCommand(importCmd, fetchCmd, infoCmd, resetCmd)
	rootCmd.AddCommand(sigs)
}

func sigsDatabase() (string, *logging.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return "", nil, err
	}
	path := cfg.Engine.Database
	if flagSigsDatabase != "" {
		path = flagSigsDatabase
	}
	if path == "" {
		path = config.DefaultDatabase
	}
	return path, logger, nil
}

func withDatabase(fn func(db *sigdb.DB, logger *logging.Logger) error) error {
	path, logger, err := sigsDatabase()
	if err != nil {
		return err
	}
	db, err := sigdb.Open(path, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db, logger)
}

func printStatus(w io.Writer, status sigdb.Status) error {
	updated := "never"
	if !status.UpdatedAt.IsZero() {
		updated = status.UpdatedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "Version: %s\nSignatures: %d\nUpdated: %s\n", status.Version, status.Signatures, updated)
	if len(status.Sources) == 0 {
		return nil
	}
	names := make([]string, 0, len(status.Sources))
	for name := range status.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.Header("Source", "Files", "Signatures", "Skipped", "Updated")
	for _, name := range names {
		src := status.Sources[name]
		row := []string{
			name,
			strconv.Itoa(src.Files),
			strconv.Itoa(src.Signatures),
			strconv.Itoa(src.Skipped),
			src.UpdatedAt.Format(time.RFC3339),
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("append source row: %w", err)
		}
	}
	return table.Render()
}
