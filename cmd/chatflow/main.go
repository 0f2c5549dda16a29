package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatflow/internal/config"
)

var version = "dev"

var noColor bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatflow",
		Short:         "Staged chat pipeline with filtered retrieval over past interactions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if os.Getenv("NO_COLOR") != "" {
				noColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newServeCmd(),
		newStopCmd(),
		newStatusCmd(),
		newAskCmd(),
		newFlowsCmd(),
		newTraceCmd(),
		newFiltersCmd(),
		newIngestCmd(),
		newConfigCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadValidConfig loads the config and rejects it when a service could not
// start with it.
func loadValidConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%w (config file: %s)", err, config.ConfigFilePath())
	}
	return cfg, nil
}
