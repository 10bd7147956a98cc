package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/envelopes/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagListenAddr     = "listen-addr"
	flagStateDir       = "state-dir"
	flagFallbackPath   = "fallback-path"
	flagDatabaseURL    = "database-url"
	flagNotifyChannel  = "notify-channel"
	flagPollInterval   = "poll-interval"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagJWTCookieName  = "jwt-cookie-name"
	flagGracePeriod    = "grace-period"
	flagProbeTargets   = "probe-targets"
	flagProbeTimeout   = "probe-timeout"
	flagCheckInterval  = "check-interval"
	flagWatchFiles     = "watch-files"
	flagOutput         = "output"
	envPrefix          = "ENVELOPES"
)

var errBalanceMismatch = errors.New("balance mismatch")

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "envelopes: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &app.Config{}
	cmd := &cobra.Command{
		Use:           "envelopes",
		Short:         "Offline-first envelope budgeting ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagListenAddr, "", "HTTP listen address (default 127.0.0.1:9191)")
	flags.String(flagStateDir, "", "directory holding the local cache and session state (default ./data)")
	flags.String(flagFallbackPath, "", "backup document loaded when no cache exists")
	flags.String(flagDatabaseURL, "", "remote document store (postgres:// or sqlite://); empty runs local-only")
	flags.String(flagNotifyChannel, "", "PostgreSQL NOTIFY channel for change wakeups")
	flags.Duration(flagPollInterval, 0, "remote subscription poll interval")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key; empty disables authentication")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.Duration(flagGracePeriod, 0, "how long a past sign-in stays valid while offline")
	flags.String(flagProbeTargets, "", "comma-separated connectivity probes (https:// or grpc:// targets)")
	flags.Duration(flagProbeTimeout, 0, "per-probe timeout")
	flags.Duration(flagCheckInterval, 0, "connectivity re-check interval")
	flags.String(flagWatchFiles, "", "comma-separated files whose changes trigger a connectivity check")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}
	cmd.AddCommand(serveCmd, newExportCommand(cfg), newImportCommand(cfg), newVerifyCommand(cfg), newConnectivityCommand(cfg))
	return cmd
}

func runServe(cmd *cobra.Command, cfg *app.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx, *cfg, logger)
}

func newExportCommand(cfg *app.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the local ledger as a backup document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := app.OpenLocal(cmd.Context(), *cfg, nil)
			if err != nil {
				return err
			}
			output, err := cmd.Flags().GetString(flagOutput)
			if err != nil {
				return err
			}
			return local.Export(output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP(flagOutput, "o", "-", "destination file; - writes to stdout")
	return cmd
}

func newImportCommand(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "import <backup.json>",
		Short: "Replace the local ledger with a backup document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := app.OpenLocal(cmd.Context(), *cfg, nil)
			if err != nil {
				return err
			}
			result, err := local.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !result.Success {
				return errors.New(result.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			return nil
		},
	}
}

func newVerifyCommand(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay transactions and compare them with the cached balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := app.OpenLocal(cmd.Context(), *cfg, nil)
			if err != nil {
				return err
			}
			mismatches := local.Ledger.VerifyBalances()
			for _, mismatch := range mismatches {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: cached %s, replayed %s\n", mismatch.EnvelopeID, mismatch.Cached, mismatch.Replayed)
			}
			if len(mismatches) > 0 {
				return fmt.Errorf("%w in %d envelopes", errBalanceMismatch, len(mismatches))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d envelopes consistent (source: %s)\n", len(local.Ledger.Snapshot().Envelopes), local.Source)
			return nil
		},
	}
}

func newConnectivityCommand(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "connectivity",
		Short: "Run one connectivity check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			online, err := app.CheckConnectivity(cmd.Context(), *cfg, nil)
			if err != nil {
				return err
			}
			if online {
				fmt.Fprintln(cmd.OutOrStdout(), "online")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "offline")
			}
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *app.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagListenAddr, flagStateDir, flagFallbackPath, flagDatabaseURL, flagNotifyChannel, flagPollInterval,
		flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagGracePeriod,
		flagProbeTargets, flagProbeTimeout, flagCheckInterval, flagWatchFiles,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.StateDir = strings.TrimSpace(v.GetString(flagStateDir))
	cfg.FallbackPath = strings.TrimSpace(v.GetString(flagFallbackPath))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.NotifyChannel = strings.TrimSpace(v.GetString(flagNotifyChannel))
	cfg.PollInterval = v.GetDuration(flagPollInterval)
	cfg.AllowedOrigins = app.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.GracePeriod = v.GetDuration(flagGracePeriod)
	cfg.ProbeTimeout = v.GetDuration(flagProbeTimeout)
	cfg.CheckInterval = v.GetDuration(flagCheckInterval)
	if v.IsSet(flagProbeTargets) {
		cfg.ProbeTargets = app.ParseList(v.GetString(flagProbeTargets))
	}
	if v.IsSet(flagWatchFiles) {
		cfg.WatchFiles = app.ParseList(v.GetString(flagWatchFiles))
	}

	return cfg.Validate()
}
