package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rayz/bridge/internal/config"
	"github.com/rayz/bridge/internal/logging"
	"github.com/rayz/bridge/internal/ui"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var (
	cfgFile  string
	cfg      *config.Config
	settings *viper.Viper
)

// flagKeys maps command line flags onto config keys. A flag only overrides
// the file and environment when it is set explicitly.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"log-format":    "log.format",
	"http-addr":     "bridge.http_addr",
	"health-addr":   "bridge.health_addr",
	"auto-manage":   "discovery.auto_manage",
	"port":          "device.port",
	"send-interval": "registry.send_interval",
}

var rootCmd = &cobra.Command{
	Use:   "rayzctl",
	Short: "RayZ bridge - connects the admin console to laser tag devices",
	Long: `rayzctl finds RayZ weapons and targets on the local network, keeps
connections to them and pushes game configuration and commands.

Use "rayzctl [command] --help" for more information about a command.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.rayz/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text or json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Shorthand for --log-level=debug")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(gameCmd)
	rootCmd.AddCommand(configCmd)
}

// initConfig resolves configuration for every command: .env, then the config
// file, then RAYZ_* variables, then explicit flags
func initConfig(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		v.Set("log.level", "debug")
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded
	settings = v

	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		ui.SetNoColor(true)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return err
	}
	logrus.WithField("config", v.ConfigFileUsed()).Debug("configuration loaded")
	return nil
}

// skipConfig replaces initConfig for commands that must run without a
// readable config file
func skipConfig(cmd *cobra.Command, args []string) error {
	return nil
}

// bindFlags binds every known flag present on fs to its config key
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind --%s: %w", f.Name, err)
		}
	})
	return bindErr
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Show version information",
	PersistentPreRunE: skipConfig,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rayzctl\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
	},
}
