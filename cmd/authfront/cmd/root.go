package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var globals globalOptions

var rootCmd = &cobra.Command{
	Use:   "authfront",
	Short: "Authentication front-end client and mock backend",
	Long: `authfront drives the login, signup and password reset flows of an
authentication REST backend from the terminal, and can serve an in-memory
mock of that backend for local development.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if globals.verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	globals.bind(rootCmd)
}
