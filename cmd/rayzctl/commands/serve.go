package commands

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rayz/bridge/internal/bridge"
	"github.com/rayz/bridge/internal/bridgeid"
	"github.com/rayz/bridge/internal/logging"
	"github.com/rayz/bridge/internal/msglog"
	"github.com/rayz/bridge/internal/session"
	"github.com/rayz/bridge/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge: discovery, device connections and the HTTP API",
	Long: `Run the bridge until interrupted.

The bridge browses for RayZ devices, keeps a connection to every managed
device and exposes the session over HTTP (REST plus a WebSocket discovery
channel at /ws). A gRPC health service reports readiness to supervisors.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", "", "HTTP API listen address")
	serveCmd.Flags().String("health-addr", "", "gRPC health listen address (empty disables it)")
	serveCmd.Flags().Bool("auto-manage", false, "Connect to every discovered device")
	serveCmd.Flags().String("project", "", "Project snapshot (JSON) to load at startup")
	serveCmd.Flags().Bool("no-discovery", false, "Do not browse for devices at startup")
	serveCmd.Flags().BoolP("follow", "f", false, "Print device traffic as it happens")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Component("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeID, err := bridgeid.GetOrCreate()
	if err != nil {
		return err
	}

	opts, err := sessionOptions(cfg)
	if err != nil {
		return err
	}
	sess := session.New(opts)
	defer sess.Close()

	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		unsubscribe := sess.Messages().Subscribe(func(e msglog.Entry) {
			fmt.Println(ui.RenderLogEntry(e))
		})
		defer unsubscribe()
	}

	if path, _ := cmd.Flags().GetString("project"); path != "" {
		failures, err := manageProject(ctx, sess, path)
		if err != nil {
			return err
		}
		for ip, err := range failures {
			log.WithError(err).WithField("ip", ip).Warn("project device unreachable")
		}
	}

	if noDiscovery, _ := cmd.Flags().GetBool("no-discovery"); !noDiscovery {
		if err := sess.StartDiscovery(); err != nil {
			return err
		}
	}

	var health *bridge.HealthServer
	if cfg.Bridge.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Bridge.HealthAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Bridge.HealthAddr, err)
		}
		health = bridge.NewHealthServer(logging.Component("health"))
		go func() {
			if err := health.Serve(lis); err != nil {
				log.WithError(err).Error("health server stopped")
			}
		}()
		defer health.Stop()
	}

	fmt.Print(ui.RenderPanel("RayZ bridge "+Version, []ui.InfoLine{
		{Label: "Bridge", Value: bridgeid.Short(bridgeID)},
		{Label: "Session", Value: bridgeid.Short(sess.ID())},
		{Label: "HTTP", Value: cfg.Bridge.HTTPAddr},
		{Label: "Health", Value: orOff(cfg.Bridge.HealthAddr)},
		{Label: "Discovery", Value: discoveryLabel(sess)},
	}))

	server := bridge.NewServer(sess, bridgeID, logging.Component("bridge"))
	if health != nil {
		health.SetServing(true)
	}
	log.WithFields(logrus.Fields{
		"bridge":  bridgeID,
		"session": sess.ID(),
	}).Info("bridge started")

	err = server.ListenAndServe(ctx, cfg.Bridge.HTTPAddr)
	if health != nil {
		health.SetServing(false)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("bridge stopped")
	return nil
}

func discoveryLabel(sess *session.Session) string {
	if !sess.Discovery().Running() {
		return "off"
	}
	parts := []string{"browsing " + cfg.Discovery.Service}
	if cfg.Discovery.AutoManage {
		parts = append(parts, "auto-manage")
	}
	return strings.Join(parts, ", ")
}

func orOff(addr string) string {
	if addr == "" {
		return "off"
	}
	return addr
}

