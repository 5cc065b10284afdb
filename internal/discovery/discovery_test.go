package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

type fakeBrowser struct {
	mu      sync.Mutex
	err     error
	found   chan<- Advertisement
	browses int
	service string
}

func (b *fakeBrowser) Browse(ctx context.Context, service, domain string, found chan<- Advertisement) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.browses++
	b.service = service
	if b.err != nil {
		return b.err
	}
	b.found = found
	return nil
}

func (b *fakeBrowser) send(ad Advertisement) {
	b.mu.Lock()
	found := b.found
	b.mu.Unlock()
	found <- ad
}

type events struct {
	found chan DiscoveredDevice
	lost  chan DiscoveredDevice
}

func newEvents() *events {
	return &events{found: make(chan DiscoveredDevice, 16), lost: make(chan DiscoveredDevice, 16)}
}

func (e *events) OnDeviceFound(d DiscoveredDevice) { e.found <- d }
func (e *events) OnDeviceLost(d DiscoveredDevice)  { e.lost <- d }

func next(t *testing.T, ch chan DiscoveredDevice, what string) DiscoveredDevice {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return DiscoveredDevice{}
}

func ad(addrs []string, ttl uint32, txt ...string) Advertisement {
	return Advertisement{
		Instance:  "rayz-weapon-1",
		HostName:  "rayz-weapon-1.local.",
		Port:      80,
		Addresses: addrs,
		Text:      txt,
		TTL:       ttl,
	}
}

func startService(t *testing.T) (*Service, *fakeBrowser, *events) {
	t.Helper()
	browser := &fakeBrowser{}
	s := NewService(Options{Browser: browser, BrowseInterval: time.Hour, StaleTimeout: time.Hour})
	ev := newEvents()
	s.Subscribe(ev)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, browser, ev
}

func TestSelectAddress(t *testing.T) {
	tests := []struct {
		addrs   []string
		want    string
		wantErr bool
	}{
		{[]string{"fe80::1", "192.168.1.42"}, "192.168.1.42", false},
		{[]string{"192.168.1.42", "10.0.0.1"}, "192.168.1.42", false},
		{[]string{"fe80::1", "fe80::2"}, "fe80::1", false},
		{[]string{"", "fe80::2"}, "fe80::2", false},
		{nil, "", true},
	}
	for _, tt := range tests {
		got, err := selectAddress(tt.addrs)
		if (err != nil) != tt.wantErr {
			t.Errorf("selectAddress(%v) error = %v", tt.addrs, err)
			continue
		}
		if got != tt.want {
			t.Errorf("selectAddress(%v) = %q, want %q", tt.addrs, got, tt.want)
		}
	}
}

func TestFoundThenLost(t *testing.T) {
	s, browser, ev := startService(t)

	browser.send(ad([]string{"fe80::1", "192.168.1.42"}, 120,
		"role=weapon", "device=7", "player=3", "version=1.4.0"))
	d := next(t, ev.found, "found")

	if d.IP != "192.168.1.42" || d.Role != RoleWeapon || d.DeviceID != "7" || d.PlayerID != "3" || d.FirmwareVersion != "1.4.0" {
		t.Errorf("unexpected device %+v", d)
	}
	if d.Hostname != "rayz-weapon-1.local" || d.Port != 80 {
		t.Errorf("hostname/port = %s/%d", d.Hostname, d.Port)
	}
	if got := s.Devices(); len(got) != 1 || got[0].IP != "192.168.1.42" {
		t.Fatalf("Devices = %+v", got)
	}

	browser.send(ad([]string{"fe80::1", "192.168.1.42"}, 0))
	lost := next(t, ev.lost, "lost")
	if lost.IP != "192.168.1.42" {
		t.Errorf("lost %s", lost.IP)
	}
	if got := s.Devices(); len(got) != 0 {
		t.Errorf("device still listed after down: %+v", got)
	}
}

func TestGoodbyeByInstanceName(t *testing.T) {
	s, browser, ev := startService(t)

	browser.send(ad([]string{"192.168.1.42"}, 120, "role=weapon"))
	next(t, ev.found, "found")

	browser.send(Advertisement{Instance: "rayz-target-9", TTL: 0})
	browser.send(Advertisement{Instance: "rayz-weapon-1", TTL: 0})
	lost := next(t, ev.lost, "lost")
	if lost.IP != "192.168.1.42" {
		t.Errorf("lost %s", lost.IP)
	}
	if len(s.Devices()) != 0 {
		t.Errorf("device still listed after goodbye: %+v", s.Devices())
	}

	// the instance mapping goes with the device
	browser.send(Advertisement{Instance: "rayz-weapon-1", TTL: 0})
	browser.send(ad([]string{"10.0.0.2"}, 120))
	next(t, ev.found, "found again")
	select {
	case d := <-ev.lost:
		t.Errorf("unexpected lost event for %s", d.IP)
	default:
	}
}

func TestCallbackFuncs(t *testing.T) {
	s, browser, ev := startService(t)

	found := make(chan DiscoveredDevice, 4)
	lost := make(chan DiscoveredDevice, 4)
	s.Subscribe(CallbackFuncs{Found: func(d DiscoveredDevice) { found <- d }})
	s.Subscribe(CallbackFuncs{Lost: func(d DiscoveredDevice) { lost <- d }})

	browser.send(ad([]string{"10.0.0.5"}, 120))
	browser.send(ad([]string{"10.0.0.5"}, 0))
	next(t, ev.lost, "lost")

	if d := next(t, found, "found func"); d.IP != "10.0.0.5" {
		t.Errorf("found %s", d.IP)
	}
	if d := next(t, lost, "lost func"); d.IP != "10.0.0.5" {
		t.Errorf("lost %s", d.IP)
	}
}

func TestUpsertNotifiesEveryTime(t *testing.T) {
	s, browser, ev := startService(t)

	browser.send(ad([]string{"10.0.0.5"}, 120, "role=target", "device=1"))
	first := next(t, ev.found, "first found")
	browser.send(ad([]string{"10.0.0.5"}, 120, "role=target", "device=1", "player=9"))
	second := next(t, ev.found, "refresh")

	if second.PlayerID != "9" {
		t.Errorf("metadata not refreshed: %+v", second)
	}
	if !second.DiscoveredAt.Equal(first.DiscoveredAt) {
		t.Error("refresh changed discoveredAt")
	}
	if len(s.Devices()) != 1 {
		t.Errorf("duplicate entries: %+v", s.Devices())
	}
}

func TestDropsUnresolvableAdvertisement(t *testing.T) {
	s, browser, ev := startService(t)

	browser.send(ad(nil, 120, "role=weapon"))
	browser.send(ad([]string{"10.0.0.9"}, 120, "role=laser"))
	d := next(t, ev.found, "found")

	if d.IP != "10.0.0.9" || d.Role != RoleUnknown {
		t.Errorf("unexpected device %+v", d)
	}
	if len(s.Devices()) != 1 {
		t.Errorf("Devices = %+v", s.Devices())
	}
}

func TestDownForUnknownDeviceIsSilent(t *testing.T) {
	_, browser, ev := startService(t)

	browser.send(ad([]string{"10.0.0.77"}, 0))
	browser.send(ad([]string{"10.0.0.78"}, 60))
	next(t, ev.found, "found")

	select {
	case d := <-ev.lost:
		t.Errorf("unexpected lost event for %s", d.IP)
	default:
	}
}

func TestDevicesReturnsSnapshot(t *testing.T) {
	s, browser, ev := startService(t)
	browser.send(ad([]string{"10.0.0.5"}, 120, "role=weapon"))
	next(t, ev.found, "found")

	snap := s.Devices()
	snap[0].Role = RoleTarget
	if d, _ := s.Device("10.0.0.5"); d.Role != RoleWeapon {
		t.Error("snapshot aliases the registry")
	}
}

func TestStaleDevicesExpire(t *testing.T) {
	browser := &fakeBrowser{}
	s := NewService(Options{Browser: browser, StaleTimeout: time.Minute})
	ev := newEvents()
	s.Subscribe(ev)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.handle(ad([]string{"10.0.0.5"}, 120))
	s.handle(ad([]string{"10.0.0.6"}, 120))
	<-ev.found
	<-ev.found

	now = now.Add(45 * time.Second)
	s.handle(ad([]string{"10.0.0.6"}, 120))
	<-ev.found

	now = now.Add(30 * time.Second)
	s.purgeStale()

	lost := next(t, ev.lost, "stale")
	if lost.IP != "10.0.0.5" {
		t.Errorf("expired %s, want 10.0.0.5", lost.IP)
	}
	if got := s.Devices(); len(got) != 1 || got[0].IP != "10.0.0.6" {
		t.Errorf("Devices = %+v", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	browser := &fakeBrowser{}
	s := NewService(Options{Browser: browser})

	s.Stop() // not started

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if browser.browses != 1 {
		t.Errorf("browses = %d, want 1", browser.browses)
	}
	if browser.service != ServiceType {
		t.Errorf("browsed %q", browser.service)
	}
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("still running after Stop")
	}
}

func TestStartReportsListenerFailure(t *testing.T) {
	browser := &fakeBrowser{err: errors.New("address already in use")}
	s := NewService(Options{Browser: browser})

	err := s.Start()
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DiscoveryError, got %v", err)
	}
	if s.Running() {
		t.Error("running after failed Start")
	}

	browser.mu.Lock()
	browser.err = nil
	browser.mu.Unlock()
	if err := s.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	s.Stop()
}

func TestBrowseRestartsPeriodically(t *testing.T) {
	browser := &fakeBrowser{}
	s := NewService(Options{Browser: browser, BrowseInterval: 10 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		browser.mu.Lock()
		n := browser.browses
		browser.mu.Unlock()
		if n >= 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("browses = %d, want at least 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"role=weapon", "Device = 12", "flag", "version=2.0=beta"})
	if got["role"] != "weapon" || got["device"] != "12" || got["version"] != "2.0=beta" {
		t.Errorf("parseTXT = %v", got)
	}
	if _, ok := got["flag"]; ok {
		t.Error("record without '=' should be ignored")
	}
}

func TestToAdvertisement(t *testing.T) {
	entry := zeroconf.NewServiceEntry("rayz-target-4", ServiceType, Domain)
	entry.HostName = "rayz-target-4.local."
	entry.Port = 80
	entry.TTL = 120
	entry.Text = []string{"role=target"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.50")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::4")}

	a := toAdvertisement(entry)
	if len(a.Addresses) != 2 || a.Addresses[0] != "192.168.1.50" || a.Addresses[1] != "fe80::4" {
		t.Errorf("addresses = %v", a.Addresses)
	}
	if a.Instance != "rayz-target-4" || a.Port != 80 || a.TTL != 120 {
		t.Errorf("unexpected advertisement %+v", a)
	}
}
