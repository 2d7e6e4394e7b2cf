// Command tagflow runs the insurance-enrichment backoffice: spreadsheet
// uploads, row claims for workers, enrichment writeback and merged
// downloads.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/tagflow/pipeline"
)

var version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("tagflow", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "tagflow",
		Short:         "Spreadsheet enrichment backoffice",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file (defaults plus environment when empty)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the config; a missing default file is ignored")

	root.AddCommand(newServeCmd(g), newMigrateCmd(g), newReclaimCmd(g))
	return root
}

// load reads the env file, then the config, and installs the JSON logger.
func (g *globalFlags) load(cmd *cobra.Command) (*pipeline.Config, error) {
	if g.envFile != "" {
		err := godotenv.Load(g.envFile)
		if err != nil && !(errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file")) {
			return nil, fmt.Errorf("env file %s: %w", g.envFile, err)
		}
	}
	cfg, err := pipeline.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}
