package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chirpwatch/internal/app"
	"chirpwatch/internal/config"
	"chirpwatch/internal/storage"
	logx "chirpwatch/pkg/logx"
)

var (
	version = "dev"

	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "chirpwatch",
	Short:         "Track social accounts and announce new posts",
	Long:          "chirpwatch resolves the newest post of tracked accounts across several backends and notifies subscribers when it changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitor until interrupted",
	RunE:  runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "chirpwatch", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level for one-shot commands")
	rootCmd.AddCommand(runCmd, versionCmd, checkCmd, mirrorsCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	// The supervisor derives from ctx, so both fire on a signal.
	reason := app.StopFatalError
	if ctx.Err() != nil {
		reason = app.StopUnknown
		select {
		case s := <-sigs:
			reason = app.StopSIGINT
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
		default:
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// oneShot builds an engine over an in-memory store so CLI probes never
// touch the daemon's persisted state. A missing config file means defaults.
func oneShot(ctx context.Context) (*app.Engine, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &config.Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	return app.NewEngine(ctx, app.EngineDeps{
		Config: cfg,
		Store:  storage.NewMemory(),
		Logger: logx.NewConsole(logLevel),
	})
}
