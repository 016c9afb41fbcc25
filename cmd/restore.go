package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"spindle/checkpoint"
	"spindle/workspace"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [checkpoint-ref]",
	Short: "Reset the workspace to a checkpoint taken before a tool ran",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		workspacePath, err := workspace.DetectWorkspace()
		if err != nil {
			fmt.Printf("Error detecting workspace: %v\n", err)
			os.Exit(1)
		}

		manager, err := checkpoint.NewGitManager(workspacePath)
		if err != nil {
			fmt.Printf("Error opening checkpoint store: %v\n", err)
			os.Exit(1)
		}

		if err := manager.Restore(cmd.Context(), args[0]); err != nil {
			fmt.Printf("Error restoring checkpoint: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Workspace restored to " + shortRef(args[0]))
	},
}
