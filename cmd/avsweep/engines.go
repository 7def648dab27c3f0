package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ipsix/avsweep/internal/config"
	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/engine/clamd"
	"github.com/ipsix/avsweep/internal/engine/native"
	"github.com/ipsix/avsweep/internal/logging"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "engines",
		Short: "List the available engine backends",
		Args:  cobra.NoArgs,
		RunE:  runEngines,
	})
}

func buildRegistry(cfg config.Config, logger *logging.Logger) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	caps := []engine.Capability{
		native.New(logger),
		clamd.New(cfg.Engine.ClamdAddress, logger),
	}
	caps = append(caps, optionalEngines(cfg, logger)...)
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func runEngines(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Backend", "Count precision (bytes)", "Selected")
	for _, name := range reg.List() {
		c, err := reg.Get(name)
		if err != nil {
			return err
		}
		selected := ""
		if name == cfg.Engine.Backend {
			selected = "*"
		}
		if err := table.Append([]string{name, strconv.FormatUint(c.CountPrecision(), 10), selected}); err != nil {
			return fmt.Errorf("append engine row: %w", err)
		}
	}
	return table.Render()
}
