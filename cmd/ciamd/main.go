// Command ciamd is the multi-tenant CIAM platform's server binary: the
// authentication core, OAuth2/OIDC provider (native and federated), FGA
// engine, and identity-aware reverse proxy, all serving out of one
// process. One subcommand per operating mode (serve, migrate, version).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ciamd",
		Short: "Multi-tenant CIAM platform",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandMigrate())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
