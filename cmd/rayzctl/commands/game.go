package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rayz/bridge/internal/registry"
	"github.com/rayz/bridge/internal/session"
	"github.com/rayz/bridge/internal/ui"
)

var gameCmd = &cobra.Command{
	Use:   "game",
	Short: "Configure and start a game from a project snapshot",
	Long: `Load a project snapshot exported by the admin console, connect to its
devices and push configuration to them. Long running games should use
"rayzctl serve" and its HTTP API instead.`,
}

var gameStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Configure every project device and start the game",
	RunE: runGame(func(cmd *cobra.Command, sess *session.Session) error {
		res, err := sess.StartGame(cmd.Context())
		fmt.Print(ui.RenderBroadcast("config", res.Config))
		if err != nil {
			return err
		}
		fmt.Print(ui.RenderBroadcast("start", res.Start))
		return nil
	}),
}

var gameSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the full configuration to every project device",
	RunE:  runGame(report("config", (*session.Session).SyncConfig)),
}

var gameRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Push only the game rules to every connected device",
	RunE:  runGame(report("rules", (*session.Session).SyncRules)),
}

func init() {
	gameCmd.PersistentFlags().StringP("project", "p", "", "Project snapshot (JSON)")
	gameCmd.MarkPersistentFlagRequired("project")

	gameCmd.AddCommand(gameStartCmd)
	gameCmd.AddCommand(gameSyncCmd)
	gameCmd.AddCommand(gameRulesCmd)
}

// runGame loads the project into a fresh session, connects its devices and
// hands the session to fn
func runGame(fn func(*cobra.Command, *session.Session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("project")

		opts, err := sessionOptions(cfg)
		if err != nil {
			return err
		}
		opts.Registry.Connection = oneShot(opts.Registry.Connection)
		sess := session.New(opts)
		defer sess.Close()

		failures, err := manageProject(cmd.Context(), sess, path)
		if err != nil {
			return err
		}
		for ip, err := range failures {
			fmt.Println(ui.RenderError(fmt.Errorf("%s: %w", ip, err)))
		}
		if err := fn(cmd, sess); err != nil {
			if errors.Is(err, session.ErrNothingConfigured) {
				return fmt.Errorf("%w (is any project device reachable?)", err)
			}
			return err
		}
		return nil
	}
}

// report runs a fleet-wide operation and prints its summary
func report(name string, op func(*session.Session, context.Context) (registry.BroadcastResult, error)) func(*cobra.Command, *session.Session) error {
	return func(cmd *cobra.Command, sess *session.Session) error {
		res, err := op(sess, cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(ui.RenderBroadcast(name, res))
		if res.Sent == 0 {
			return session.ErrNothingConfigured
		}
		return nil
	}
}
