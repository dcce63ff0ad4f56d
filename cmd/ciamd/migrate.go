package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ciamlabs/identity-core/internal/config"
	"github.com/ciamlabs/identity-core/internal/logging"
	"github.com/ciamlabs/identity-core/internal/store/postgres"
)

func commandMigrate() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "migrate [flags] [config file]",
		Short:   "Apply the persistent store schema and exit",
		Example: "ciamd migrate config.yaml",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			if len(args) == 1 {
				configPath = args[0]
			}
			return runMigrate(configPath)
		},
	}
	return cmd
}

// runMigrate connects to the shared pool, which applies the idempotent
// schema DDL as a side effect of postgres.Open, then disconnects. There is
// no separate migration-file runner: this module has no schema-version
// table of its own, per internal/store/postgres/schema.go.
func runMigrate(configPath string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.DatabaseURL == "memory" {
		fmt.Println("memory storage has no schema to apply")
		return nil
	}
	logger := logging.New(c.Logger.Format, c.Logger.Level)
	gw, err := postgres.Open(postgres.Config{SharedDSN: c.DatabaseURL, Logger: logger})
	if err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	defer gw.Close()
	fmt.Println("schema applied")
	return nil
}
