package main

import (
	"fmt"
	"os"

	"github.com/holthome/preseed/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "preseed",
	Short: "Restore service datasets before their services start",
	Long: "preseed makes sure every managed service finds its data directory populated at boot:\n" +
		"it skips paths that already hold data, otherwise restores them by replication,\n" +
		"local snapshot rollback or restic, and as a last resort leaves an empty dataset.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := os.Getenv("PRESEED_CONFIG")
	if def == "" {
		def = config.DefaultPath
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", def, "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Human-readable debug logging")

	rootCmd.AddCommand(runCmd, checkCmd, statusCmd, historyCmd, doctorCmd, notifyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
