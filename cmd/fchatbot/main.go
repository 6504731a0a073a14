package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AoiTakara/fchatlib/internal/bot"
	"github.com/AoiTakara/fchatlib/internal/client"
	"github.com/AoiTakara/fchatlib/internal/config"
	"github.com/AoiTakara/fchatlib/internal/log"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "fchatbot",
		Short:         "F-Chat bot engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger := log.New("error")
		logger.Error().Err(err).Msg("bot exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	bootLog := log.New("info")

	cfg, path, err := config.Load(bootLog, configPath)
	if err != nil {
		// Missing required config is fatal: no partial start.
		bootLog.Error().Err(err).Str("path", path).Msg("configuration rejected")
		return err
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().
		Str("character", cfg.Character).
		Str("room", cfg.Room).
		Str("config", path).
		Msg("starting bot")

	engine, err := bot.New(&cfg, logger)
	if err != nil {
		return err
	}

	err = engine.Run(ctx)
	if errors.Is(err, client.ErrConnectionClosed) {
		// Terminal by design: a clean server close means the identity was
		// invalidated or force-disconnected.
		logger.Error().Msg("server closed the connection, not retrying")
	}
	return err
}
