package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmined/onefilesync/internal/config"
	"github.com/openmined/onefilesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flag name -> config key
var flagKeys = map[string]string{
	"port":        config.KeyPort,
	"token":       config.KeyToken,
	"syncfile":    config.KeySyncFile,
	"loglevel":    config.KeyLogLevel,
	"logfile":     config.KeyLogFile,
	"grace":       config.KeyGracePeriod,
	"cipher":      config.KeyCipher,
	"keep-failed": config.KeyKeepFailedStaging,
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "onefilesync",
		Short:   "Keep one file in sync between two hosts",
		Long:    "onefilesync listens for an agent and answers digest, send and request commands for a single file.",
		Version: version.Detailed(),
		Args:    cobra.NoArgs,
		RunE:    runListen,
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "Settings file (yaml, json or toml)")
	flags.String("env-file", config.DefaultEnvFile, "Dotenv file, loaded without overriding the environment")
	flags.IntP("port", "p", config.DefaultPort, "TCP port to listen on")
	flags.StringP("token", "t", config.DefaultToken, "Shared secret")
	flags.StringP("syncfile", "f", config.DefaultSyncFile, "File to keep in sync")
	flags.IntP("loglevel", "l", config.DefaultLogLevel, "0 = errors, 1 = info, 2 = debug")
	flags.String("logfile", config.DefaultLogFile, "Log file, empty to disable")
	flags.String("grace", config.DefaultGracePeriod.String(), "Grace period after a local change (seconds or duration)")
	flags.String("cipher", config.CipherNative, "Envelope implementation: native or exec")
	flags.Bool("keep-failed", false, "Keep staged files that fail verification")

	rootCmd.AddCommand(
		newListenCmd(),
		newProbeCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves the effective configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return config.Load(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
