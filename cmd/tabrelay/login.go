package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/tabrelay/internal/store"
)

func newLoginCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login <endpoint> <identity>",
		Short: "Connect the daemon to an endpoint and remember the credentials",
		Long: `Asks the running daemon to connect. When no daemon is reachable and a
Redis store is configured, the credentials are stored for the next run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, identity := args[0], args[1]
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}

			report, err := newDaemonClient(cfg.Server.ListenAddr).connect(endpoint, identity)
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "connected to %s as %s (%s)\n", endpoint, identity, report.Connection.State)
				return nil
			}
			var daemonErr *errDaemon
			if errors.As(err, &daemonErr) {
				return err
			}
			if cfg.Store.RedisAddr == "" {
				return fmt.Errorf("daemon not reachable at %s and no redis store configured: %w", cfg.Server.ListenAddr, err)
			}

			ctx := cmdContext(cmd)
			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := st.SetSetting(ctx, store.KeyEndpoint, endpoint); err != nil {
				return fmt.Errorf("save endpoint failed: %w", err)
			}
			if err := st.SetSetting(ctx, store.KeyIdentity, identity); err != nil {
				return fmt.Errorf("save identity failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved credentials for %s; the next run connects automatically\n", endpoint)
			return nil
		},
	}
}

func newLogoutCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Disconnect the daemon and forget the identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}

			_, err = newDaemonClient(cfg.Server.ListenAddr).disconnect()
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
				return nil
			}
			if cfg.Store.RedisAddr == "" {
				return fmt.Errorf("daemon not reachable at %s: %w", cfg.Server.ListenAddr, err)
			}

			ctx := cmdContext(cmd)
			st, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := st.DeleteSetting(ctx, store.KeyIdentity); err != nil {
				return fmt.Errorf("forget identity failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "identity forgotten")
			return nil
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
