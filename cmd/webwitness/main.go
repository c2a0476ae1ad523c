// Package main implements the webwitness CLI.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"webwitness/internal/browser"
	"webwitness/internal/config"
	"webwitness/internal/recorder"
	"webwitness/internal/server"
	"webwitness/internal/session"
	"webwitness/internal/store"
	"webwitness/internal/viewer"
)

var (
	cfgPath string
	verbose bool
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "webwitness",
	Short: "Tamper-evidencing capture of rendered web pages",
	Long: `webwitness isolates each capture in a disposable browser context,
lets an operator view and steer it in near-real-time, and records every
artifact into an append-only hash-chained manifest.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Storage.Root)
	if err != nil {
		return err
	}

	launcher := browser.New(browser.Options{
		Headless:       cfg.Session.Headless,
		ViewportWidth:  cfg.Session.ViewportWidth,
		ViewportHeight: cfg.Session.ViewportHeight,
		UserAgent:      cfg.Session.UserAgent,
		ClickDelay:     cfg.Session.ClickDelay(),
		FrameQuality:   cfg.Recording.FrameQuality,
	}, logger)

	enc := recorder.NewFFmpeg(cfg.Recording.FFmpegPath, logger)
	hub := viewer.NewHub(logger)

	reg := session.NewRegistry(session.Settings{
		TTL:               cfg.Session.TTL(),
		NavigationTimeout: cfg.Session.NavigationTimeout(),
		Headless:          cfg.Session.Headless,
		FPS:               cfg.Recording.FPS,
		StopTimeout:       cfg.Recording.StopTimeout(),
	}, st, launcher, enc, hub, logger)

	srv := server.New(cfg.Server.Addr, cfg.Server.PublicViewerOrigin,
		cfg.Viewer.JPEGQuality, reg, hub, st, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting webwitness",
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", st.Root()))
	return srv.Run(ctx)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "webwitness.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
