// Package discovery browses the local network for RayZ units advertising over
// mDNS and keeps a live set of reachable devices keyed by IP.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBrowseInterval is how often the browse is restarted to refresh live devices
	DefaultBrowseInterval = 15 * time.Second
	// DefaultStaleTimeout is how long a device may go unseen before it is lost
	DefaultStaleTimeout = 60 * time.Second
)

// ErrNoAddress is reported for advertisements without a usable address
var ErrNoAddress = errors.New("advertisement has no address")

// DiscoveryError reports a listener failure. The service must be stopped and
// started again to recover.
type DiscoveryError struct {
	Op  string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Browser delivers advertisements of a service type. Browse returns an error if
// the listener cannot be created; otherwise it returns at once and sends on
// found until ctx is done.
type Browser interface {
	Browse(ctx context.Context, service, domain string, found chan<- Advertisement) error
}

// Callback is notified of device changes. Calls are made from a single
// goroutine in the order the changes happened.
type Callback interface {
	// OnDeviceFound is called on every upsert, including metadata refreshes
	OnDeviceFound(device DiscoveredDevice)
	OnDeviceLost(device DiscoveredDevice)
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Found func(DiscoveredDevice)
	Lost  func(DiscoveredDevice)
}

// OnDeviceFound implements Callback
func (f CallbackFuncs) OnDeviceFound(d DiscoveredDevice) {
	if f.Found != nil {
		f.Found(d)
	}
}

// OnDeviceLost implements Callback
func (f CallbackFuncs) OnDeviceLost(d DiscoveredDevice) {
	if f.Lost != nil {
		f.Lost(d)
	}
}

// Options configures a Service
type Options struct {
	Service        string
	Domain         string
	BrowseInterval time.Duration
	StaleTimeout   time.Duration
	Browser        Browser
	Log            *logrus.Entry
}

// Service maintains the set of advertising devices
type Service struct {
	opts Options
	log  *logrus.Entry

	devices   map[string]*DiscoveredDevice
	order     []string
	instances map[string]string // instance name -> ip
	mu        sync.RWMutex

	cbMu      sync.RWMutex
	callbacks map[int]Callback
	nextCB    int

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewService creates a stopped discovery service
func NewService(opts Options) *Service {
	if opts.Service == "" {
		opts.Service = ServiceType
	}
	if opts.Domain == "" {
		opts.Domain = Domain
	}
	if opts.BrowseInterval <= 0 {
		opts.BrowseInterval = DefaultBrowseInterval
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	if opts.Browser == nil {
		opts.Browser = NewZeroconfBrowser()
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "discovery")
	}
	return &Service{
		opts:      opts,
		log:       opts.Log,
		devices:   make(map[string]*DiscoveredDevice),
		instances: make(map[string]string),
		callbacks: make(map[int]Callback),
		now:       time.Now,
	}
}

// Subscribe registers cb for future changes
func (s *Service) Subscribe(cb Callback) (unsubscribe func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	id := s.nextCB
	s.nextCB++
	s.callbacks[id] = cb

	return func() {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()
		delete(s.callbacks, id)
	}
}

// Start begins browsing. It is a no-op when already started and returns a
// *DiscoveryError when the listener cannot be created.
func (s *Service) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	found := make(chan Advertisement, 32)

	browseCtx, browseCancel := context.WithCancel(ctx)
	if err := s.opts.Browser.Browse(browseCtx, s.opts.Service, s.opts.Domain, found); err != nil {
		browseCancel()
		cancel()
		return &DiscoveryError{Op: "browse", Err: err}
	}

	s.running = true
	s.cancel = cancel

	s.wg.Add(2)
	go s.browseLoop(ctx, found, browseCancel)
	go s.eventLoop(ctx, found)

	s.log.WithField("service", s.opts.Service).Info("discovery started")
	return nil
}

// Stop ends browsing and waits for every goroutine to exit. It is safe to call
// when not started. Known devices are kept until the next Start refreshes them.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.cancel = nil
	s.log.Info("discovery stopped")
}

// Running reports whether the service is browsing
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// Devices returns a snapshot of the discovered devices in discovery order
func (s *Service) Devices() []DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredDevice, 0, len(s.order))
	for _, ip := range s.order {
		out = append(out, *s.devices[ip])
	}
	return out
}

// Device returns the discovered device at ip
func (s *Service) Device(ip string) (DiscoveredDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[ip]
	if !ok {
		return DiscoveredDevice{}, false
	}
	return *d, true
}

// browseLoop restarts the browse periodically so live devices are re-seen
func (s *Service) browseLoop(ctx context.Context, found chan<- Advertisement, current context.CancelFunc) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			current()
			return
		case <-ticker.C:
			current()
			browseCtx, cancel := context.WithCancel(ctx)
			if err := s.opts.Browser.Browse(browseCtx, s.opts.Service, s.opts.Domain, found); err != nil {
				s.log.WithError(err).Warn("browse restart failed")
			}
			current = cancel
		}
	}
}

// eventLoop applies advertisements and expires stale devices
func (s *Service) eventLoop(ctx context.Context, found <-chan Advertisement) {
	defer s.wg.Done()

	cleanup := time.NewTicker(s.cleanupInterval())
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ad := <-found:
			s.handle(ad)
		case <-cleanup.C:
			s.purgeStale()
		}
	}
}

func (s *Service) cleanupInterval() time.Duration {
	d := s.opts.StaleTimeout / 3
	if d <= 0 {
		d = time.Second
	}
	return d
}

// handle applies one advertisement
func (s *Service) handle(ad Advertisement) {
	ip, err := selectAddress(ad.Addresses)
	if err != nil && ad.TTL == 0 {
		// goodbye packets name the instance without addresses
		var ok bool
		if ip, ok = s.addressOf(ad.Instance); !ok {
			s.log.WithField("instance", ad.Instance).Debug("goodbye for unknown instance")
			return
		}
		err = nil
	}
	if err != nil {
		s.log.WithField("instance", ad.Instance).WithError(err).Warn("dropping advertisement")
		return
	}

	if ad.TTL == 0 {
		if d, ok := s.remove(ip); ok {
			s.log.WithField("ip", ip).Info("device went away")
			s.notifyLost(d)
		}
		return
	}

	d := s.upsert(ip, ad)
	s.notifyFound(d)
}

func (s *Service) upsert(ip string, ad Advertisement) DiscoveredDevice {
	txt := parseTXT(ad.Text)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, known := s.devices[ip]
	if !known {
		d = &DiscoveredDevice{IP: ip, DiscoveredAt: now}
		s.devices[ip] = d
		s.order = append(s.order, ip)
	}
	d.Hostname = hostname(ad)
	d.Port = ad.Port
	d.Role = ParseRole(txt[TxtRole])
	d.DeviceID = txt[TxtDevice]
	d.PlayerID = txt[TxtPlayer]
	d.FirmwareVersion = txt[TxtVersion]
	d.LastSeenAt = now
	if ad.Instance != "" {
		s.instances[ad.Instance] = ip
	}

	if !known {
		s.log.WithFields(logrus.Fields{
			"ip":     ip,
			"role":   d.Role,
			"device": d.DeviceID,
		}).Info("found new device")
	}
	return *d
}

func (s *Service) remove(ip string) (DiscoveredDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[ip]
	if !ok {
		return DiscoveredDevice{}, false
	}
	delete(s.devices, ip)
	for name, addr := range s.instances {
		if addr == ip {
			delete(s.instances, name)
		}
	}
	for i, v := range s.order {
		if v == ip {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return *d, true
}

func (s *Service) addressOf(instance string) (string, bool) {
	if instance == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ip, ok := s.instances[instance]
	return ip, ok
}

// purgeStale expires devices not seen within the stale timeout
func (s *Service) purgeStale() {
	threshold := s.now().Add(-s.opts.StaleTimeout)

	s.mu.RLock()
	var stale []string
	for _, ip := range s.order {
		if s.devices[ip].LastSeenAt.Before(threshold) {
			stale = append(stale, ip)
		}
	}
	s.mu.RUnlock()

	for _, ip := range stale {
		if d, ok := s.remove(ip); ok {
			s.log.WithField("ip", ip).Infof("device marked stale (not seen for %v)", s.opts.StaleTimeout)
			s.notifyLost(d)
		}
	}
}

func (s *Service) snapshotCallbacks() []Callback {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()

	cbs := make([]Callback, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (s *Service) notifyFound(d DiscoveredDevice) {
	for _, cb := range s.snapshotCallbacks() {
		cb.OnDeviceFound(d)
	}
}

func (s *Service) notifyLost(d DiscoveredDevice) {
	for _, cb := range s.snapshotCallbacks() {
		cb.OnDeviceLost(d)
	}
}

// selectAddress picks the first IPv4 address, else the first address
func selectAddress(addrs []string) (string, error) {
	for _, a := range addrs {
		if strings.Contains(a, ".") {
			return a, nil
		}
	}
	for _, a := range addrs {
		if a != "" {
			return a, nil
		}
	}
	return "", ErrNoAddress
}

// parseTXT splits key=value records. Keys are case-insensitive; records
// without '=' are ignored.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

func hostname(ad Advertisement) string {
	if h := strings.TrimSuffix(ad.HostName, "."); h != "" {
		return h
	}
	return ad.Instance
}
