package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			report, err := newDaemonClient(cfg.Server.ListenAddr).status()
			if err != nil {
				return fmt.Errorf("query daemon at %s: %w", cfg.Server.ListenAddr, err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			conn := report.Connection
			fmt.Fprintf(out, "state:      %s\n", conn.State)
			if conn.Endpoint != "" {
				fmt.Fprintf(out, "endpoint:   %s\n", conn.Endpoint)
			}
			if conn.Identity != "" {
				fmt.Fprintf(out, "identity:   %s\n", conn.Identity)
			}
			if conn.Attempt > 0 {
				fmt.Fprintf(out, "attempt:    %d\n", conn.Attempt)
			}
			if conn.LastError != "" {
				fmt.Fprintf(out, "last error: %s\n", conn.LastError)
			}
			target := report.ActiveTargetID
			if target == "" {
				target = "(none)"
			}
			fmt.Fprintf(out, "target:     %s\n", target)
			fmt.Fprintf(out, "relay:      %d clients, %d pending\n", report.RelayClients, report.PendingSelections)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status report")
	return cmd
}
