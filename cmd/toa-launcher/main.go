package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "toa-launcher",
		Short: "TOA launcher — keeps the game in sync with the release channel",
		Long:  "Checks the remote release manifest at startup, downloads changed files transactionally, and rebuilds/relaunches the game binary when code changed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(configPath, false)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "launcher.yaml", "Path to launcher config")

	root.AddCommand(
		runCmd(&configPath),
		updateCmd(&configPath),
		statusCmd(&configPath),
		rollbackCmd(&configPath),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the launch-time update flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(*configPath, false)
		},
	}
}

func updateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Force an update check even when auto-update is disabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(*configPath, true)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the launcher version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
