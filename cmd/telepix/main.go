package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	migrations "github.com/telepix/telepix/db"
	"github.com/telepix/telepix/internal/config"
	"github.com/telepix/telepix/internal/db"
	"github.com/telepix/telepix/internal/logger"
	"github.com/telepix/telepix/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "telepix",
		Short:         "Telepix - multi-tenant Telegram PIX sales bots",
		Version:       version.GetInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to config.toml (default $CONFIG_PATH or config.toml)")

	serve := serveCmd()
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and every active bot session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exportConfigPath(cmd)
			newApp().Run()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|version|force <version>]",
		Short: "Apply or roll back the database schema",
		Long: `Apply or roll back the schema for bots, payment buttons, leads and payments.

Examples:
  telepix migrate up
  telepix migrate force 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exportConfigPath(cmd)
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			log := logger.Init(cfg.Log.Level, cfg.Log.Format)
			sub, err := fs.Sub(migrations.MigrationsFS, "migrations")
			if err != nil {
				return fmt.Errorf("migrations fs: %w", err)
			}
			return db.RunMigrate(log, cfg.Postgres, sub, args[0], args[1:])
		},
	}
}

// exportConfigPath lets --config override CONFIG_PATH for provideConfig.
func exportConfigPath(cmd *cobra.Command) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		_ = os.Setenv("CONFIG_PATH", path)
	}
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
