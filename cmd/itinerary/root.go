package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/itinerary/internal/cli"
	"github.com/aretw0/itinerary/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "itinerary",
	Short: "Itinerary runs multi-step email journeys",
	Long: `Itinerary executes email campaign graphs: it enrolls prospects, sends
their messages, waits, branches on engagement and tracks every step.

Configuration comes from ITINERARY_* environment variables; the flags below
override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("store", "", "Storage backend: memory, sqlite or redis (env ITINERARY_STORE)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (env ITINERARY_SQLITE_PATH)")
	rootCmd.PersistentFlags().String("redis", "", "Redis address (env ITINERARY_REDIS_ADDR)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (env ITINERARY_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json (env ITINERARY_LOG_FORMAT)")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	override := func(name string, target *string) {
		if flags.Changed(name) {
			*target, _ = flags.GetString(name)
		}
	}
	override("store", &cfg.Store)
	override("db", &cfg.SQLitePath)
	override("redis", &cfg.RedisAddr)
	override("log-level", &cfg.LogLevel)
	override("log-format", &cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// withRuntime builds the configured runtime, runs fn and releases it.
func withRuntime(cmd *cobra.Command, fn func(rt *cli.Runtime) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := cli.NewRuntime(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.Logger.Error("failed to close store", "err", err)
		}
	}()
	return fn(rt)
}
