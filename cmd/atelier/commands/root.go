package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "Atelier - event-driven project orchestration core",
	Long: `Atelier orchestrates a clan of specialized worker agents through a
multi-phase project workflow. A selected purpose determines which roles are
instantiated; the workflow engine drives them phase by phase while the
project store accumulates status, artifacts and conversation history.

State is mirrored to Redis so a session can be reseeded after restart.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no subcommand is specified, show help
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	// Silence Cobra's default error and usage printing; formatted colored
	// errors are printed directly in the printer package.
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
