package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vincentbai/target-inspector/internal/config"
	"github.com/vincentbai/target-inspector/internal/database"
	"github.com/vincentbai/target-inspector/internal/devtools"
	"github.com/vincentbai/target-inspector/internal/flicker"
	"github.com/vincentbai/target-inspector/internal/inspector"
	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/matcher"
	"github.com/vincentbai/target-inspector/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Observe browser pages and serve their personalization activity",
		Long: `Attaches to every page of a browser started with --remote-debugging-port,
records the personalization calls each page makes and serves them to the UI.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.GetConsolidatedConfig(path, config.EnvMap(os.Environ()), getConfig(cmd.Flags()))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().AddFlagSet(configFlagSet())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := log.NewText(os.Stderr, cfg.LogLevel.String, cfg.LogFilter.String)
	if err != nil {
		return err
	}

	dbPath, err := databasePath(cfg)
	if err != nil {
		return err
	}
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Infof("serve", "archiving activities to %s", dbPath)

	m := matcher.New(cfg.InteractHosts...)
	hub := server.NewHub(logger)
	archiver := database.NewArchiver(db, logger)
	defer archiver.Close()
	manager := inspector.NewManager(logger, inspector.Options{
		Matcher:    m,
		Correlator: flicker.NewCorrelator(db, m, cfg.SettleDelay.Duration, logger),
		Notifiers:  []inspector.Notifier{archiver, hub},
	})
	defer manager.Close()

	srv := server.NewServer(manager, db, hub, cfg.Address.String, logger)
	attacher := devtools.NewAttacher(cfg.DevToolsURL.String, cfg.AttachInterval.Duration, manager, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("serve", "polling %s for pages", cfg.DevToolsURL.String)
		return attacher.Run(gctx)
	})
	return g.Wait()
}
