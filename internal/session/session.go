// Package session composes discovery, the connection registry and the message
// log for one active project. A session is created by the process's composition
// root and must be closed when the project is left.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rayz/bridge/internal/allowlist"
	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/discovery"
	"github.com/rayz/bridge/internal/gameconfig"
	"github.com/rayz/bridge/internal/metrics"
	"github.com/rayz/bridge/internal/msglog"
	"github.com/rayz/bridge/internal/registry"
)

// DefaultSettleDelay is the pause between a config broadcast and a dependent start
const DefaultSettleDelay = 200 * time.Millisecond

// ErrClosed is returned by operations on a closed session
var ErrClosed = errors.New("session closed")

// Options configures a session
type Options struct {
	Registry    registry.Options
	Discovery   discovery.Options
	LogCapacity int
	// SettleDelay is how long devices get to apply a config before start
	SettleDelay time.Duration
	// AutoManage adds every discovered device to the registry
	AutoManage bool
	Log        *logrus.Entry
}

// Session owns one registry, one discovery service and one message log
type Session struct {
	id        string
	registry  *registry.Registry
	discovery *discovery.Service
	messages  *msglog.Log
	stats     *metrics.Store
	log       *logrus.Entry

	settle     time.Duration
	autoManage bool

	mu      sync.RWMutex
	project *gameconfig.Project
	closed  bool

	// ctx bounds connects started on behalf of discovery
	ctx    context.Context
	cancel context.CancelFunc
	dials  sync.WaitGroup

	unsubscribe []func()
	closeOnce   sync.Once

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a session. Discovery is not started until StartDiscovery.
func New(opts Options) *Session {
	id := uuid.New().String()
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := opts.Log.WithField("session", id[:8])
	if opts.Registry.Log == nil {
		opts.Registry.Log = log.WithField("component", "registry")
	}
	if opts.Discovery.Log == nil {
		opts.Discovery.Log = log.WithField("component", "discovery")
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ctx:        ctx,
		cancel:     cancel,
		id:         id,
		registry:   registry.New(opts.Registry),
		discovery:  discovery.NewService(opts.Discovery),
		messages:   msglog.New(opts.LogCapacity),
		stats:      metrics.NewStore(),
		log:        log,
		settle:     opts.SettleDelay,
		autoManage: opts.AutoManage,
		sleep:      sleepContext,
	}
	s.unsubscribe = append(s.unsubscribe,
		s.registry.Subscribe(s.recordEvent),
		s.discovery.Subscribe(s),
	)
	log.Info("session created")
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Registry returns the session's connection registry
func (s *Session) Registry() *registry.Registry {
	return s.registry
}

// Discovery returns the session's discovery service
func (s *Session) Discovery() *discovery.Service {
	return s.discovery
}

// Messages returns the session's message log
func (s *Session) Messages() *msglog.Log {
	return s.messages
}

// Stats returns the per-device stat history
func (s *Session) Stats() *metrics.Store {
	return s.stats
}

// StartDiscovery starts browsing for devices
func (s *Session) StartDiscovery() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.discovery.Start()
}

// StopDiscovery stops browsing
func (s *Session) StopDiscovery() {
	s.discovery.Stop()
}

// SetProject replaces the project used to build device configs
func (s *Session) SetProject(p *gameconfig.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = p
}

// Project returns the active project, or nil
func (s *Session) Project() *gameconfig.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project
}

// AddDevice starts managing the device at ip
func (s *Session) AddDevice(ip string, meta device.Metadata) (*device.Connection, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.registry.Add(ip, meta)
}

// AddProjectDevices manages every project device with a known address and
// returns how many were added or refreshed
func (s *Session) AddProjectDevices() (int, error) {
	p := s.Project()
	if p == nil {
		return 0, gameconfig.ErrNoProject
	}
	n := 0
	for _, d := range p.Devices {
		if d.IPAddress == "" {
			continue
		}
		meta := device.Metadata{DeviceID: d.ID}
		if pl, ok := p.PlayerForDevice(d.ID); ok {
			meta.PlayerID = pl.ID
			meta.TeamID = pl.TeamID
		}
		if _, err := s.registry.Add(d.IPAddress, meta); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// OnDeviceFound implements discovery.Callback. With auto-manage on, a newly
// seen device is added and dialed; a known one only has its identity refreshed.
func (s *Session) OnDeviceFound(d discovery.DiscoveredDevice) {
	if !s.autoManage || s.isClosed() {
		return
	}
	meta := device.Metadata{DeviceID: d.DeviceID, PlayerID: d.PlayerID, Port: d.Port}
	existing, known := s.registry.Get(d.IP)
	if known {
		// keep what the operator assigned
		prev := existing.Metadata()
		meta.TeamID, meta.ColorRGB = prev.TeamID, prev.ColorRGB
	}
	conn, err := s.registry.Add(d.IP, meta)
	switch {
	case errors.Is(err, allowlist.ErrNotAllowed):
		s.log.WithField("ip", d.IP).Debug("discovered device outside the allowlist")
	case err != nil:
		s.log.WithError(err).WithField("ip", d.IP).Warn("failed to manage discovered device")
	case !known:
		s.dial(conn)
	}
}

// dial connects conn in the background until the session closes
func (s *Session) dial(conn *device.Connection) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.dials.Add(1)
	go func() {
		defer s.dials.Done()
		if err := conn.Connect(s.ctx); err != nil {
			s.log.WithError(err).WithField("ip", conn.IP()).Debug("auto-manage connect failed")
		}
	}()
}

// OnDeviceLost implements discovery.Callback. Managed connections are kept;
// the connection itself notices when the device is unreachable.
func (s *Session) OnDeviceLost(d discovery.DiscoveredDevice) {
	s.log.WithField("ip", d.IP).Debug("discovered device lost")
}

// recordEvent turns connection traffic and transitions into log entries
func (s *Session) recordEvent(ev device.Event) {
	entry := msglog.Entry{DeviceID: ev.DeviceID, IPAddress: ev.IP}
	switch ev.Kind {
	case device.EventMessageSent:
		entry.Direction = msglog.DirectionOut
		entry.Type = ev.Type
		entry.Payload = string(ev.Payload)
	case device.EventMessageReceived:
		s.stats.Record(ev.IP, ev.DeviceID, ev.Stats, ev.At)
		entry.Direction = msglog.DirectionIn
		entry.Type = ev.Type
		entry.Payload = string(ev.Payload)
	case device.EventStateChanged:
		entry.Direction = msglog.DirectionIn
		entry.Type = "connection"
		entry.Payload = fmt.Sprintf("%s -> %s", ev.From, ev.To)
		if ev.Err != nil {
			entry.Payload += ": " + ev.Err.Error()
		}
	default:
		return
	}
	s.messages.Append(entry)
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops discovery, disconnects every device and detaches the log. It is
// idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.discovery.Stop()
		s.cancel()
		s.dials.Wait()
		s.registry.Close()
		for _, unsub := range s.unsubscribe {
			unsub()
		}
		s.stats.Stop()
		s.log.Info("session closed")
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
