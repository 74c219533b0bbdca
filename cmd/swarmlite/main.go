package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/cli"
)

var rootCmd = &cobra.Command{Use: "swarmlite"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
