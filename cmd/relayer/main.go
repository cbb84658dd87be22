// Command relayer runs the analysis relay server and its maintenance tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/relayer/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relayer",
		Short: "relayer - upload, analyse and share thickness-map results",
		Long: `relayer accepts chunked uploads of scan files, runs the configured
analysis tool on them, and serves the resulting colour scale, assets and
archives. Runs can be shared through a public link.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")

	root.AddCommand(
		newServeCmd(opts),
		newHistoryCmd(opts),
		newShareCmd(opts),
		newUnshareCmd(opts),
		newSweepCmd(opts),
		newInspectCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads --config, falling back to discovery.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
