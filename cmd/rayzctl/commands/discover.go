package commands

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/rayz/bridge/internal/discovery"
	"github.com/rayz/bridge/internal/ui"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan the local network for RayZ devices",
	Long: `Browse for RayZ devices over mDNS for a while and list what answered.

Devices that announce their departure during the scan are not listed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		jsonOut, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		svc := discovery.NewService(discoveryOptions(cfg))
		spinner := ui.NewSpinner(os.Stderr, "Scanning for devices...")
		svc.Subscribe(discovery.CallbackFuncs{
			Found: func(d discovery.DiscoveredDevice) {
				spinner.SetMessage(fmt.Sprintf("Scanning for devices... %d found", len(svc.Devices())))
			},
		})

		if err := svc.Start(); err != nil {
			return err
		}
		spinner.Start()
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
		spinner.Stop()
		devices := svc.Devices()
		svc.Stop()

		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(devices)
		}
		fmt.Print(ui.RenderDiscovered(devices))
		return nil
	},
}

func init() {
	discoverCmd.Flags().DurationP("timeout", "t", 5*time.Second, "How long to scan")
	discoverCmd.Flags().Bool("json", false, "Print devices as JSON")
}
