package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nasmon/nasmon/internal/audit"
	"github.com/nasmon/nasmon/internal/config"
)

// newDetectCmd creates the detect subcommand, which runs one detection pass
// without starting the server. It must not run against a store that a live
// server is writing to.
func newDetectCmd() *cobra.Command {
	var (
		clientIP string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection pass and print the alarms it created",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientIP != "" {
				addr, err := netip.ParseAddr(clientIP)
				if err != nil {
					return fmt.Errorf("--client-ip: %w", err)
				}
				clientIP = addr.Unmap().String()
			}

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, logCloser := newLogger(cfg.LogLevel, cfg.LogFile)
			defer logCloser.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			res, runErr := a.detector.RunDetection(ctx, clientIP)
			if err := a.close(context.WithoutCancel(ctx)); err != nil {
				logger.Error("close store", slog.Any("error", err))
			}
			if runErr != nil {
				return runErr
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&clientIP, "client-ip", "", "also run the network checks for this address")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "upper bound for the whole pass")
	return cmd
}

// newVerifyAuditCmd creates the verify-audit subcommand.
func newVerifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit [path]",
		Short: "Verify the hash chain of the operator journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				path = cfg.Audit.Path
			}
			if path == "" {
				return errors.New("no journal path given and audit.path is not configured")
			}
			entries, err := audit.Verify(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", path, len(entries))
			return nil
		},
	}
}
