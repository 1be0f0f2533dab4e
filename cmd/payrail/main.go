package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "payrail",
		Short:        "Payrail - idempotent payment webhook pipeline",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(allCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook intake and operator HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(coreModules(), serverModules())
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the webhook, billing and notification queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(coreModules(), workerModules())
		},
	}
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run billing retry, reconciliation, ledger redrive and registry sweep jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(coreModules(), schedulerModules())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	}
}

func allCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run every component in one process",
		Long: `Run the HTTP intake, queue workers and scheduler in one process.

Without REDIS_ADDR the process dispatches inline and uses in-process locks,
which is the local development default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []fx.Option{coreModules(), serverModules(), workerModules(), schedulerModules()}
			if !skipMigrate {
				opts = append([]fx.Option{migrationModules()}, opts...)
			}
			return runApp(opts...)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on start")
	return cmd
}
