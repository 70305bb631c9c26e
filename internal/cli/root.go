package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/crosspkg/internal/catalog"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crosspkg",
		Short: "Query and resolve packages across distribution repositories",
		Long: `Crosspkg maintains a unified catalog of package metadata from
Debian/APT, RPM and opkg repositories, keeps it fresh with incremental
syncs, and answers search and dependency-resolution queries against it.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", "crosspkg.toml", "Path to configuration file")

	// Add subcommands
	rootCmd.AddCommand(NewSyncCmd())
	rootCmd.AddCommand(NewSearchCmd())
	rootCmd.AddCommand(NewResolveCmd())
	rootCmd.AddCommand(NewReposCmd())

	return rootCmd
}

// openFromFlags loads the configuration named by --config and opens the
// catalog it points at.
func openFromFlags(cmd *cobra.Command) (*Config, *catalog.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := catalog.Open(cfg.Catalog)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}
