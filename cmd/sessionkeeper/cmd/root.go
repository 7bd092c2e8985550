package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/sessionkeeper/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sessionkeeper",
	Short: "SessionKeeper keeps browser-style login sessions alive",
	Long: `A session service and tab host that keep identity-provider logins,
server sessions and sibling tabs in step.
Complete documentation is available at https://github.com/jmcleod/sessionkeeper`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
}

// loadConfig reads --config. Callers apply their own flags on top.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// override copies a flag value into dst when the flag was given on the
// command line, so file settings survive unset flags.
func override[T any](cmd *cobra.Command, name string, dst *T, val T) {
	if cmd.Flags().Changed(name) {
		*dst = val
	}
}
