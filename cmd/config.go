package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"spindle/config"
	"spindle/workspace"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit workspace configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every configuration key with its effective value",
	Run: func(cmd *cobra.Command, args []string) {
		_, cfg, err := workspaceConfig()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		for _, key := range config.Keys() {
			value, err := cfg.Get(key)
			if err != nil {
				continue
			}
			// never echo credentials
			if key == "api_key" && value != "" {
				value = "(set)"
			}
			fmt.Printf("%-22s %v\n", key, value)
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, cfg, err := workspaceConfig()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		value, err := cfg.Get(args[0])
		if err != nil {
			failUnknownKey(err)
		}
		fmt.Printf("%s = %v\n", args[0], value)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value in this workspace",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		workspacePath, cfg, err := workspaceConfig()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if err := cfg.Set(args[0], args[1]); err != nil {
			failUnknownKey(err)
		}
		if err := config.SaveLocalConfig(workspacePath, cfg); err != nil {
			fmt.Printf("Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
	},
}

// workspaceConfig resolves the workspace and its merged configuration
func workspaceConfig() (string, *config.Config, error) {
	workspacePath, err := workspace.DetectWorkspace()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.LoadConfig(workspacePath)
	if err != nil {
		return "", nil, err
	}
	return workspacePath, cfg, nil
}

func failUnknownKey(err error) {
	fmt.Printf("Error: %v\n", err)
	fmt.Printf("Known keys: %s\n", strings.Join(config.Keys(), ", "))
	os.Exit(1)
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
