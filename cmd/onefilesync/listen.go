package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/onefilesync/internal/config"
	"github.com/openmined/onefilesync/internal/envelope"
	"github.com/openmined/onefilesync/internal/listener"
	"github.com/openmined/onefilesync/internal/logging"
	"github.com/openmined/onefilesync/internal/transfer"
	"github.com/openmined/onefilesync/internal/version"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Serve the sync file to an agent (default)",
		Args:  cobra.NoArgs,
		RunE:  runListen,
	}
}

func runListen(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	info, err := os.Stat(cfg.SyncFile)
	if err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("sync file %s is a directory", cfg.SyncFile)
	}

	cmd.SilenceUsage = true

	logger, closer, err := logging.New(logging.Options{
		Verbosity: cfg.LogLevel,
		File:      cfg.LogFile,
		Console:   cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info("onefilesync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
	if cfg.Path != "" {
		logger.Info("using settings file", "path", cfg.Path)
	}

	fs := afero.NewOsFs()
	files := transfer.NewManager(fs, cfg.SyncFile, transfer.Options{
		KeepFailed: cfg.KeepFailedStaging,
		Logger:     logger,
	})
	engine := listener.NewEngine(cfg, fs, files, clockwork.NewRealClock(), logger)
	server := listener.NewServer(cfg, engine, newEnvelope(cfg), logger)

	defer logger.Info("Bye!")
	if err := server.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newEnvelope(cfg *config.Config) *envelope.Envelope {
	var c envelope.Cipher
	switch cfg.Cipher {
	case config.CipherExec:
		c = envelope.NewExec(cfg.OpenSSLBinary, cfg.Token)
	default:
		c = envelope.NewOpenSSL(cfg.Token)
	}
	return envelope.New(c, cfg.CipherTimeout)
}
