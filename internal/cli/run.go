package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetsched/internal/app"
)

func newRunCmd(opts []app.Option) *cobra.Command {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scheduler node",
		Long:  "Run a scheduler node until SIGINT or SIGTERM. The config file is watched and hot-reloadable sections apply without a restart.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath, opts...)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return errors.Join(fmt.Errorf("start: %w", err), a.Stop(context.Background(), app.StopFatalError))
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return errors.Join(a.Err(), stopErr)
			}
			return stopErr
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	var cfgPath string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file without starting a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.CheckConfig(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			driver := cfg.Storage.Driver
			if driver == "" {
				driver = "memory"
			}
			fmt.Fprintf(out, "Config OK: %s\n", cfgPath)
			fmt.Fprintf(out, "  Node:     %s\n", orDash(cfg.Node.ID))
			fmt.Fprintf(out, "  Storage:  %s\n", driver)
			fmt.Fprintf(out, "  HTTP:     %s\n", orDash(cfg.HTTP.Addr))
			if len(cfg.Admission.Disabled) > 0 {
				fmt.Fprintf(out, "  Disabled: %s\n", strings.Join(cfg.Admission.Disabled, ", "))
			}
			return nil
		},
	}
	check.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	cmd.AddCommand(check)
	return cmd
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
