package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ipsix/avsweep/internal/daemon"
)

var flagVerify string

func init() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and executable digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "avsweep %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			digest, err := daemon.SelfDigest()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "sha256 %s\n", digest)
			if flagVerify != "" {
				if err := daemon.VerifySelfIntegrity(flagVerify); err != nil {
					return &exitError{code: 1, err: err}
				}
				fmt.Fprintln(out, "integrity OK")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagVerify, "verify", "", "fail unless the executable has this SHA-256")
	rootCmd.AddCommand(cmd)
}
