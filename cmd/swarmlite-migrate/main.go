package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/config"
	internalstorage "github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/storage"
)

var rootCmd = &cobra.Command{Use: "swarmlite-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			connStr = config.Load().DBConnStr
		}
		if connStr == "" {
			fmt.Println("Error: --db flag or DB_CONN_STR / DB_* env vars required")
			os.Exit(1)
		}

		if err := internalstorage.ApplyMigrations(connStr); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "database connection string (optional if DB_* env vars are set)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
