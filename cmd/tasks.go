package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"spindle/session"
	"spindle/workspace"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List persisted tasks in this workspace",
	Run: func(cmd *cobra.Command, args []string) {
		workspacePath, err := workspace.DetectWorkspace()
		if err != nil {
			fmt.Printf("Error detecting workspace: %v\n", err)
			os.Exit(1)
		}

		store, err := session.NewFileStore(workspacePath)
		if err != nil {
			fmt.Printf("Error opening task store: %v\n", err)
			os.Exit(1)
		}

		metas, err := store.List()
		if err != nil {
			fmt.Printf("Error listing tasks: %v\n", err)
			os.Exit(1)
		}

		if len(metas) == 0 {
			fmt.Println("No tasks found.")
			return
		}

		for _, m := range metas {
			kind := "root"
			if m.ParentID != "" {
				kind = "sub-task of " + m.ParentID
			}
			fmt.Printf("%s  %-18s %-6s %s  (%d tokens)\n",
				m.ID, m.State, m.Mode, kind, m.Usage.Total())
		}
	},
}
