package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rayz/bridge/internal/config"
	"github.com/rayz/bridge/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the bridge configuration",
}

var configInitCmd = &cobra.Command{
	Use:               "init",
	Short:             "Write the default configuration file",
	Long:              `Write the default configuration to ~/.rayz/config.yaml, or to --config when given. An existing file is never overwritten.`,
	PersistentPreRunE: skipConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			paths, err := config.GetPaths()
			if err != nil {
				return err
			}
			path = paths.ConfigFile
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Println(ui.RenderSuccess("Wrote " + path))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if used := settings.ConfigFileUsed(); used != "" {
			fmt.Println(ui.RenderDim("# " + used))
		}
		keys := settings.AllKeys()
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("%s = %v\n", key, settings.Get(key))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
