// Package commands implements the budgetctl command line.
package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-budget-transfers/internal/app"
	"github.com/pesio-ai/be-budget-transfers/internal/config"
	"github.com/pesio-ai/be-budget-transfers/internal/lock"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
)

// Version is overridden at build time.
var Version = "dev"

type globalFlags struct {
	configFile string
	logLevel   string
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:     "budgetctl",
		Short:   "Operate the budget transfer approval service",
		Version: Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(
		newMigrateCommand(g),
		newTemplatesCommand(g),
		newLedgerCommand(g),
		newApprovalsCommand(),
	)
	return rootCmd
}

func (g *globalFlags) load() (*config.Config, *logger.Logger, error) {
	if g.configFile != "" {
		if err := os.Setenv("CONFIG_FILE", g.configFile); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{
		Level:       g.logLevel,
		Environment: "cli",
		ServiceName: "budgetctl",
		Version:     Version,
		Output:      os.Stderr,
	})
	return cfg, log, nil
}

// services opens the configured storage and wires the service layer.
func (g *globalFlags) services(ctx context.Context) (*app.Services, func(), error) {
	cfg, log, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	stores, closeFn, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return app.NewServices(stores, lock.NewLocalLocker(), nil, log), closeFn, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
