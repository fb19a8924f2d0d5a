package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parastate/archivist/pkg/config"
	"github.com/parastate/archivist/pkg/log"
	"github.com/parastate/archivist/pkg/supervisor"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "archivist",
	Short: "Archivist indexes chain blocks, state and metadata into Postgres",
	Long: `Archivist re-executes a chain's historical blocks against its own
runtime to recover state at every height, then indexes blocks, runtime
metadata and storage changes into a Postgres database for querying.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("archivist version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(logLevel, logJSON, nil)
}

var runCmd = &cobra.Command{
	Use:   "run [chain_spec]",
	Short: "Run the indexer against a chain database and Postgres",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		chainDBPath, _ := cmd.Flags().GetString("chain-db")
		databaseURL, _ := cmd.Flags().GetString("database-url")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if len(args) == 1 {
			cfg.ChainSpec = args[0]
		}
		if chainDBPath != "" {
			cfg.ChainDBPath = chainDBPath
		}
		if databaseURL != "" {
			cfg.DatabaseURL = databaseURL
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sup, err := supervisor.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("initialize supervisor: %w", err)
		}

		sup.Drive(ctx)
		cmdLog := log.WithComponent("cmd")
		cmdLog.Info().Str("chain_spec", cfg.ChainSpec).Msg("archivist running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()
		sup.BlockUntilStopped(ctx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

const shutdownGrace = 30 * time.Second

func init() {
	runCmd.Flags().String("chain-db", "", "Path to the chain's on-disk KV store (overrides config)")
	runCmd.Flags().String("database-url", "", "Postgres connection string (overrides config)")
}
