package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"spindle/task"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume a persisted task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskID := args[0]

		if err := runEngine(cmd.Context(), func(ctx context.Context, eng *task.Engine) error {
			return eng.ResumeTask(ctx, taskID)
		}); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}
