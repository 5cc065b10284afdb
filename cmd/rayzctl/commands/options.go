package commands

import (
	"context"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/rayz/bridge/internal/config"
	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/discovery"
	"github.com/rayz/bridge/internal/gameconfig"
	"github.com/rayz/bridge/internal/logging"
	"github.com/rayz/bridge/internal/registry"
	"github.com/rayz/bridge/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func connectionOptions(c *config.Config) device.Options {
	return device.Options{
		Dialer: &device.WebSocketDialer{
			Path:         c.Device.Path,
			PingInterval: c.Device.PingInterval,
		},
		Port:             c.Device.Port,
		HandshakeTimeout: c.Device.HandshakeTimeout,
		WriteTimeout:     c.Device.WriteTimeout,
		ErrorCooldown:    c.Device.ErrorCooldown,
		AutoReconnect:    c.Device.AutoReconnect,
		BackoffMin:       c.Device.BackoffMin,
		BackoffMax:       c.Device.BackoffMax,
		Log:              logging.Component("device"),
	}
}

func discoveryOptions(c *config.Config) discovery.Options {
	return discovery.Options{
		Service:        c.Discovery.Service,
		Domain:         c.Discovery.Domain,
		BrowseInterval: c.Discovery.BrowseInterval,
		StaleTimeout:   c.Discovery.StaleTimeout,
		Log:            logging.Component("discovery"),
	}
}

func registryOptions(c *config.Config) (registry.Options, error) {
	allow, err := c.AllowList()
	if err != nil {
		return registry.Options{}, err
	}
	return registry.Options{
		SendInterval: c.Registry.SendInterval,
		Connection:   connectionOptions(c),
		Allow:        allow,
		Log:          logging.Component("registry"),
	}, nil
}

func sessionOptions(c *config.Config) (session.Options, error) {
	reg, err := registryOptions(c)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Registry:    reg,
		Discovery:   discoveryOptions(c),
		LogCapacity: c.Log.Capacity,
		SettleDelay: c.Registry.SettleDelay,
		AutoManage:  c.Discovery.AutoManage,
		Log:         logging.Component("session"),
	}, nil
}

// loadProject reads a project snapshot exported by the admin console
func loadProject(path string) (*gameconfig.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}
	var p gameconfig.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse project %s: %w", path, err)
	}
	return &p, nil
}

// manageProject loads path into sess and connects to every project device.
// Devices that cannot be reached are reported but do not fail the call.
func manageProject(ctx context.Context, sess *session.Session, path string) (map[string]error, error) {
	p, err := loadProject(path)
	if err != nil {
		return nil, err
	}
	if _, err := gameconfig.BuildAll(p); err != nil {
		return nil, err
	}
	sess.SetProject(p)
	if _, err := sess.AddProjectDevices(); err != nil {
		return nil, err
	}
	return sess.Registry().ConnectAll(ctx), nil
}
